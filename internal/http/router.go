// Package httpapi wires the HTTP transport (Gin) to the alert desk handlers,
// middleware and documentation. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, authentication, idempotency and rate limiting.
//
// Route families:
//   - API under cfg.APIBasePath: authenticated, idempotency-aware, rate
//     limited per user
//   - /webhook and /tradingview-webhook: unauthenticated (the webhook secret
//     is the credential), rate limited per room and IP
//   - /agent: execution agents, X-Agent-Token
//   - /ws: authenticated websocket session
//   - /health, /metrics, /uploads, /swagger (when enabled)
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/alertdesk/internal/config"
	"github.com/tbourn/alertdesk/internal/http/handlers"
	"github.com/tbourn/alertdesk/internal/http/middleware"
	"github.com/tbourn/alertdesk/internal/repo"
)

// maxJSONBody caps non-upload API bodies.
const maxJSONBody = 1 << 20

var corsHeaders = []string{
	"Origin", "Content-Type", "Accept", "Authorization",
	middleware.HeaderUserID, middleware.HeaderUsername,
	middleware.HeaderIdempotencyKey, "If-None-Match",
}

var exposedHeaders = []string{"ETag", handlers.HeaderReplayed}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with secret and PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. gzip, CORS and security headers
//
// The API group then adds Auth, profile bootstrap, the idempotency validator
// and the per-user rate limiter, in that order, so replays bypass the limiter.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, h *handlers.Handlers, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (uploads included); JSON routes tighten it
	r.Use(limitBody(cfg.MaxBodyBytes))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Compression, CORS posture and security headers
	noGzip := []string{"/ws", "/metrics"}
	if cfg.Upload.URLPrefix != "" {
		noGzip = append(noGzip, cfg.Upload.URLPrefix)
	}
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths(noGzip)))
	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:    cfg.Security.EnableHSTS,
		HSTSMaxAge:    cfg.Security.HSTSMaxAge,
		EnablePolicy:  true,
		ExposeHeaders: exposedHeaders,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}
	if cfg.Upload.Dir != "" && cfg.Upload.URLPrefix != "" {
		r.Static(cfg.Upload.URLPrefix, cfg.Upload.Dir)
	}

	// Webhook ingestion: per room+IP limiter, no user auth
	hookRL := middleware.NewRateLimiter(cfg.RateRPS*4, cfg.RateBurst*4, middleware.KeyByParamAndIP("roomId"))
	r.POST("/webhook/:roomId", hookRL.Handler(), h.Webhook)
	r.POST("/tradingview-webhook/:roomId", hookRL.Handler(), h.TradingViewWebhook)

	auth := middleware.Auth(middleware.AuthOptions{JWTSecret: cfg.Auth.JWTSecret})

	// Realtime session
	r.GET("/ws", auth, h.Identify(), h.ServeWS)

	// Execution agents
	agent := r.Group("/agent", middleware.AgentAuth(cfg.Auth.AgentToken), limitBody(maxJSONBody))
	{
		agent.GET("/forwards/pending", h.PendingForwards)
		agent.POST("/forwards/:id/complete", h.CompleteForward)
		agent.POST("/forwards/:id/fail", h.FailForward)
	}

	// Public API
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	api := groupWithPrefix(r, cfg.APIBasePath)
	api.Use(
		auth,
		h.Identify(),
		middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, idempotencyLookup(db)),
		rl.Handler(),
	)

	// Multipart uploads keep the global cap
	files := api.Group("")
	{
		files.POST("/me/avatar", h.UploadAvatar)
		files.POST("/rooms/:id/files", h.UploadFile)
	}

	v := api.Group("", limitBody(maxJSONBody))
	{
		// Profile and friends
		v.GET("/me", h.GetMe)
		v.PATCH("/me", h.UpdateMe)
		v.GET("/friends", h.ListFriends)
		v.POST("/friends", h.AddFriend)

		// Rooms
		v.GET("/rooms", h.ListRooms)
		v.POST("/rooms/private", h.CreatePrivateRoom)
		v.POST("/rooms/group", h.CreateGroup)
		v.POST("/rooms/webhook", h.CreateWebhookRoom)
		v.POST("/rooms/:id/invite", h.InviteToGroup)
		v.GET("/rooms/:id/webhooks", h.ListWebhooks)
		v.POST("/rooms/:id/webhooks", h.CreateWebhook)
		v.DELETE("/rooms/:id", h.DeleteRoom)
		v.GET("/rooms/:id/health", h.GetHealth)
		v.POST("/rooms/:id/health/refresh", h.RefreshHealth)

		// Messages
		v.GET("/rooms/:id/messages", h.ListMessages)
		v.POST("/rooms/:id/messages", h.PostMessage)
		v.DELETE("/messages/:id", h.DeleteMessage)
		v.POST("/messages/:id/forward", h.ForwardMessage)
		v.POST("/messages/:id/broker-forward", h.BrokerForward)

		// Broker connections
		v.GET("/broker-connections", h.ListConnections)
		v.POST("/broker-connections", h.CreateConnection)
		v.GET("/broker-connections/:id/status", h.ConnectionStatus)
		v.POST("/broker-connections/:id/disconnect", h.Disconnect)
		v.PUT("/broker-connections/:id/auto-forward", h.SetAutoForward)
		v.GET("/broker-connections/:id/forwards", h.ListForwards)
	}
}

// idempotencyLookup reports whether the caller already sent with key in the
// room. Store errors other than not-found are surfaced so the validator can
// log them.
func idempotencyLookup(db *gorm.DB) middleware.IdempotencyLookup {
	return func(ctx context.Context, userID, roomID, key string, now time.Time) (bool, error) {
		_, err := repo.GetIdempotency(ctx, db, userID, roomID, key, now)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, repo.ErrNotFound):
			return false, nil
		}
		return false, err
	}
}

// corsMiddleware allows every origin when none is configured; otherwise only
// the allowlist, with credentials so cookie-carried tokens work.
func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  corsHeaders,
		ExposeHeaders: append([]string{"X-Request-ID", "Content-Length"}, exposedHeaders...),
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

// limitBody returns a Gin middleware that caps the request body size to
// maxBytes using http.MaxBytesReader. Requests exceeding the cap will cause
// downstream body reads to error. Nested limits keep the smallest.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
