package middleware

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RedactOptions configures RedactingLogger.
//
// MaskHeaders and MaskQuery name extra headers and query parameters whose
// values are replaced with "[REDACTED]"; matching is case-insensitive.
// Authorization, Cookie, Set-Cookie, X-Webhook-Secret and X-Agent-Token
// headers and the secret and access_token parameters are always masked.
// Base is the parent logger; the global logger is used when nil.
type RedactOptions struct {
	MaskHeaders []string
	MaskQuery   []string
	Base        *zerolog.Logger
}

const redacted = "[REDACTED]"

var (
	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-7][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

// scrub removes identifiers from free text. UUIDs go first so the phone
// pattern cannot eat their digit groups.
func scrub(s string) string {
	if s == "" {
		return s
	}
	s = uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

func lowerSet(base []string, extra []string) map[string]struct{} {
	out := make(map[string]struct{}, len(base)+len(extra))
	for _, v := range append(append([]string{}, base...), extra...) {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}

// RedactingLogger installs a request-scoped logger (retrievable with
// LoggerFrom) and emits one access log line per request with secrets masked
// and identifiers scrubbed. Bodies are never logged. Level is INFO, WARN for
// 4xx and ERROR for 5xx.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	maskHeaders := lowerSet([]string{
		"authorization", "cookie", "set-cookie", "x-webhook-secret", "x-agent-token",
	}, opts.MaskHeaders)
	maskQuery := lowerSet([]string{"secret", "access_token", "token"}, opts.MaskQuery)

	safeQuery := func(raw string) string {
		if raw == "" {
			return ""
		}
		parts := strings.Split(raw, "&")
		for i, p := range parts {
			k, _, _ := strings.Cut(p, "=")
			name, err := url.QueryUnescape(k)
			if err != nil {
				name = k
			}
			if _, ok := maskQuery[strings.ToLower(name)]; ok {
				parts[i] = k + "=" + redacted
			}
		}
		return scrub(strings.Join(parts, "&"))
	}

	return func(c *gin.Context) {
		start := time.Now()

		base := log.Logger
		if opts.Base != nil {
			base = *opts.Base
		}
		lg := base.With().Str("request_id", RequestIDFrom(c)).Logger()
		c.Set(loggerKey, &lg)

		headers := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := maskHeaders[strings.ToLower(k)]; ok {
				headers[k] = redacted
				continue
			}
			headers[k] = scrub(strings.Join(vv, ", "))
		}
		query := safeQuery(c.Request.URL.RawQuery)

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		ev := lg.Info()
		switch {
		case status >= 500:
			ev = lg.Error()
		case status >= 400:
			ev = lg.Warn()
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.
			Str("user_id", UserID(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Str("remote_ip", c.ClientIP()).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", headers).
			Msg("http_request")
	}
}
