// Command server runs the alert desk HTTP API: chat rooms, TradingView
// webhook ingestion, broker forwarding and the realtime websocket.
//
//	@title						Alert Desk API
//	@version					1.0
//	@description				Trading chat rooms with TradingView webhook ingestion and broker forwarding.
//	@BasePath					/api/v1
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@securityDefinitions.apikey	AgentToken
//	@in							header
//	@name						X-Agent-Token
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/tbourn/alertdesk/docs"
	"github.com/tbourn/alertdesk/internal/broker"
	"github.com/tbourn/alertdesk/internal/bus"
	"github.com/tbourn/alertdesk/internal/config"
	httpapi "github.com/tbourn/alertdesk/internal/http"
	"github.com/tbourn/alertdesk/internal/http/handlers"
	"github.com/tbourn/alertdesk/internal/observability"
	"github.com/tbourn/alertdesk/internal/queue"
	"github.com/tbourn/alertdesk/internal/realtime"
	"github.com/tbourn/alertdesk/internal/repo"
	"github.com/tbourn/alertdesk/internal/scheduler"
	"github.com/tbourn/alertdesk/internal/services"
	"github.com/tbourn/alertdesk/internal/storage"
	"github.com/tbourn/alertdesk/internal/sysutil"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("invalid configuration")
	}
	log := sysutil.NewLogger(os.Stdout, cfg.OTEL.ServiceName, cfg.LogLevel, cfg.LogPretty)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	root, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(root, cfg.OTEL, version, log)
	if err != nil {
		return err
	}
	defer flush(log, "otel", shutdownOTel)

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	eb := bus.New(bus.WithBuffer(cfg.BusBuffer), bus.WithLogger(log))
	defer eb.Close()

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		relay := bus.NewRelay(eb, rdb, cfg.Redis.Channel, log)
		go func() {
			if err := relay.Run(root); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("bus relay stopped")
			}
		}()
		log.Info().Str("addr", cfg.Redis.Addr).Str("channel", cfg.Redis.Channel).Msg("bus relay enabled")
	}

	store, err := storage.NewLocal(cfg.Upload.Dir, cfg.PublicBaseURL+cfg.Upload.URLPrefix)
	if err != nil {
		return err
	}

	chat := services.NewChatService(db, eb, store)
	chat.PublicBaseURL = cfg.PublicBaseURL
	chat.MaxMessageRunes = cfg.MaxMessageLen
	chat.MaxUploadBytes = cfg.Upload.MaxUploadBytes
	chat.MaxAvatarBytes = cfg.Upload.MaxAvatarBytes
	chat.IdempotencyTTL = cfg.IdempotencyTTL

	ingest := services.NewIngestService(db, eb, log.With().Str("component", "ingest").Logger())
	ingest.Timeout = cfg.WebhookTimeout

	health := services.NewHealthMonitor(db, eb, log.With().Str("component", "health").Logger())
	health.Window = cfg.Scheduler.HealthWindow
	health.IdleTTL = cfg.Scheduler.HealthIdleTTL
	defer health.Close()

	proxy := broker.NewClient(cfg.Broker.ProxyURL, cfg.Broker.Timeout,
		broker.WithToken(cfg.Broker.ProxyToken),
		broker.WithRetries(2, 250*time.Millisecond),
	)
	fwd := services.NewForwardService(db, eb, proxy, log.With().Str("component", "forward").Logger())
	defer fwd.Close()

	if cfg.AMQP.URL != "" {
		pub, err := queue.Dial(cfg.AMQP.URL, cfg.AMQP.Queue, log)
		if err != nil {
			return err
		}
		defer pub.Close()
		fwd.Queue = pub
		log.Info().Str("queue", cfg.AMQP.Queue).Msg("forward instructions published to AMQP")
	}
	if n, err := fwd.RestoreAutoForward(root); err != nil {
		log.Warn().Err(err).Msg("restore auto-forward")
	} else if n > 0 {
		log.Info().Int("connections", n).Msg("auto-forward restored")
	}

	cleanup := services.NewCleanupService(db, log.With().Str("component", "cleanup").Logger())
	cleanup.Retention = cfg.Scheduler.DeliveryLogRetention

	sched := scheduler.New(log.With().Str("component", "scheduler").Logger())
	for _, j := range []scheduler.Job{
		scheduler.CleanupJob(cleanup, cfg.Scheduler.CleanupSchedule, cfg.Scheduler.JobTimeout),
		scheduler.HealthJob(health, cfg.Scheduler.HealthInterval, cfg.Scheduler.JobTimeout),
	} {
		if _, err := sched.Add(j); err != nil {
			return err
		}
	}
	sched.Start()

	h := handlers.New(handlers.Deps{
		Chat:    chat,
		Ingest:  ingest,
		Health:  health,
		Forward: fwd,
		Sessions: func() *services.Session {
			return services.NewSession(chat, eb, log.With().Str("component", "session").Logger())
		},
		Upgrader: realtime.NewUpgrader(cfg.CORS.AllowedOrigins),
	})

	gin.SetMode(cfg.GinMode)
	docs.SwaggerInfo.BasePath = cfg.APIBasePath
	docs.SwaggerInfo.Version = version
	r := gin.New()
	httpapi.RegisterRoutes(r, db, h, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		// Shutdown skips hijacked websocket conns; cancelling root ends them.
		BaseContext: func(net.Listener) context.Context { return root },
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-root.Done():
		log.Info().Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := sched.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("scheduler shutdown")
	}
	return nil
}

// flush runs a shutdown hook with its own deadline.
func flush(log zerolog.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Warn().Err(err).Str("hook", name).Msg("shutdown hook")
	}
}
