package middleware

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
)

// Identity headers and context keys.
const (
	HeaderUserID     = "X-User-ID"
	HeaderUsername   = "X-Username"
	HeaderAgentToken = "X-Agent-Token"

	ctxKeyUserID   = "userID"
	ctxKeyUsername = "username"

	tokenCookie = "token"
	tokenQuery  = "access_token"
)

// AuthOptions selects how callers are identified.
//
// With JWTSecret set, an HS256 bearer token is required; it may also arrive
// in the "token" cookie or the access_token query parameter (browsers cannot
// set headers on websocket upgrades). The "sub" claim is the user id and
// "username" the display name.
//
// Without a secret the trusted X-User-ID / X-Username headers are used, for
// deployments behind an authenticating proxy and for local development.
type AuthOptions struct {
	JWTSecret string
}

// Auth identifies the caller and stores the user id under "userID" and the
// display name under "username". Unidentified requests get 401.
func Auth(opts AuthOptions) gin.HandlerFunc {
	secret := []byte(opts.JWTSecret)
	return func(c *gin.Context) {
		var (
			uid, name string
			err       error
		)
		if len(secret) > 0 {
			uid, name, err = fromToken(c, secret)
		} else {
			uid = strings.TrimSpace(c.GetHeader(HeaderUserID))
			name = strings.TrimSpace(c.GetHeader(HeaderUsername))
			if uid == "" {
				err = fmt.Errorf("missing %s header", HeaderUserID)
			}
		}
		if err != nil {
			LoggerFrom(c).Debug().Err(err).Msg("unauthenticated request")
			abort(c, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		if name == "" {
			name = uid
		}
		c.Set(ctxKeyUserID, uid)
		c.Set(ctxKeyUsername, name)
		c.Next()
	}
}

func fromToken(c *gin.Context, secret []byte) (string, string, error) {
	raw := bearer(c)
	if raw == "" {
		return "", "", fmt.Errorf("no token")
	}
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("verify token: %w", err)
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok || !tok.Valid {
		return "", "", fmt.Errorf("invalid token claims")
	}
	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return "", "", fmt.Errorf("token has no subject")
	}
	name, _ := claims["username"].(string)
	return sub, strings.TrimSpace(name), nil
}

func bearer(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if ck, err := c.Cookie(tokenCookie); err == nil && ck != "" {
		return ck
	}
	return c.Query(tokenQuery)
}

// AgentAuth guards the execution-agent endpoints with a shared token sent in
// X-Agent-Token. An empty token disables the endpoints entirely.
func AgentAuth(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		if len(want) == 0 {
			abort(c, http.StatusServiceUnavailable, "agent_disabled", "execution agent access is not configured")
			return
		}
		got := []byte(c.GetHeader(HeaderAgentToken))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			abort(c, http.StatusUnauthorized, "unauthorized", "invalid agent token")
			return
		}
		c.Set(ctxKeyRateBypass, true)
		c.Next()
	}
}

// UserID returns the authenticated user id, or "" before Auth ran.
func UserID(c *gin.Context) string {
	return asString(c.Value(ctxKeyUserID))
}

// Username returns the authenticated display name.
func Username(c *gin.Context) string {
	return asString(c.Value(ctxKeyUsername))
}

// abort writes the shared error envelope; handlers.Fail produces the same
// shape but middleware cannot import handlers.
func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       code,
		"message":    msg,
	})
}
