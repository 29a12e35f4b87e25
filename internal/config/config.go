// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, storage, auth, broker and messaging endpoints, scheduling and
// observability settings.
package config

import (
	"errors"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tbourn/alertdesk/internal/sysutil"
)

// CORSConfig defines Cross-Origin Resource Sharing settings. The same list
// gates websocket origins.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_TRACES_ENDPOINT, else OTEL_EXPORTER_OTLP_ENDPOINT
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// AuthConfig selects how API callers are identified.
type AuthConfig struct {
	JWTSecret  string // JWT_SECRET; empty trusts X-User-ID (development)
	AgentToken string // AGENT_TOKEN; required for /agent routes
}

// UploadConfig controls the local blob store.
type UploadConfig struct {
	Dir            string // UPLOAD_DIR
	URLPrefix      string // route the directory is served under
	MaxUploadBytes int64  // MAX_UPLOAD_BYTES
	MaxAvatarBytes int64  // MAX_AVATAR_BYTES
}

// BrokerConfig points at the external broker proxy.
type BrokerConfig struct {
	ProxyURL   string        // BROKER_PROXY_URL
	ProxyToken string        // BROKER_PROXY_TOKEN
	Timeout    time.Duration // BROKER_TIMEOUT
}

// AMQPConfig enables publication of forward instructions.
type AMQPConfig struct {
	URL   string // AMQP_URL; empty disables
	Queue string // AMQP_QUEUE
}

// RedisConfig enables the cross-process bus relay.
type RedisConfig struct {
	Addr     string // REDIS_ADDR; empty disables
	Password string // REDIS_PASSWORD
	DB       int    // REDIS_DB
	Channel  string // REDIS_CHANNEL
}

// SchedulerConfig controls the periodic jobs.
type SchedulerConfig struct {
	CleanupSchedule      string        // CLEANUP_SCHEDULE, six-field cron
	DeliveryLogRetention time.Duration // DELIVERY_LOG_RETENTION
	HealthInterval       time.Duration // HEALTH_INTERVAL
	HealthWindow         time.Duration // HEALTH_WINDOW
	HealthIdleTTL        time.Duration // HEALTH_IDLE_TTL, 0 keeps watchers forever
	JobTimeout           time.Duration // JOB_TIMEOUT
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	MaxBodyBytes      int64         // request body cap, uploads included
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// App
	DBPath         string        // SQLite path
	PublicBaseURL  string        // absolute origin used in webhook URLs
	WebhookTimeout time.Duration // per-delivery ingestion budget
	MaxMessageLen  int           // runes per text message
	BusBuffer      int           // per-subscriber event buffer

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	Auth      AuthConfig
	Upload    UploadConfig
	Broker    BrokerConfig
	AMQP      AMQPConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:      int64(getint("MAX_BODY_BYTES", 11<<20)),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath:         getenv("DB_PATH", "alertdesk.db"),
		PublicBaseURL:  strings.TrimRight(getenv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		WebhookTimeout: getdur("WEBHOOK_TIMEOUT", 5*time.Second),
		MaxMessageLen:  getint("MAX_MESSAGE_LENGTH", 4000),
		BusBuffer:      getint("BUS_BUFFER", 256),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		Auth: AuthConfig{
			JWTSecret:  getenv("JWT_SECRET", ""),
			AgentToken: getenv("AGENT_TOKEN", ""),
		},
		Upload: UploadConfig{
			Dir:            getenv("UPLOAD_DIR", "uploads"),
			URLPrefix:      "/uploads",
			MaxUploadBytes: int64(getint("MAX_UPLOAD_BYTES", 10<<20)),
			MaxAvatarBytes: int64(getint("MAX_AVATAR_BYTES", 2<<20)),
		},
		Broker: BrokerConfig{
			ProxyURL:   getenv("BROKER_PROXY_URL", "http://localhost:9000"),
			ProxyToken: getenv("BROKER_PROXY_TOKEN", ""),
			Timeout:    getdur("BROKER_TIMEOUT", 10*time.Second),
		},
		AMQP: AMQPConfig{
			URL:   getenv("AMQP_URL", ""),
			Queue: getenv("AMQP_QUEUE", "broker.forwards"),
		},
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", ""),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getint("REDIS_DB", 0),
			Channel:  getenv("REDIS_CHANNEL", "alertdesk:events"),
		},
		Scheduler: SchedulerConfig{
			CleanupSchedule:      getenv("CLEANUP_SCHEDULE", "0 0 3 * * *"),
			DeliveryLogRetention: getdur("DELIVERY_LOG_RETENTION", 720*time.Hour),
			HealthInterval:       getdur("HEALTH_INTERVAL", 5*time.Minute),
			HealthWindow:         getdur("HEALTH_WINDOW", 24*time.Hour),
			HealthIdleTTL:        getdur("HEALTH_IDLE_TTL", time.Hour),
			JobTimeout:           getdur("JOB_TIMEOUT", 2*time.Minute),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    otlpEndpoint(),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "alertdesk"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if u, err := url.Parse(cfg.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return cfg, errors.New("PUBLIC_BASE_URL must be an absolute URL")
	}
	if cfg.WebhookTimeout <= 0 {
		return cfg, errors.New("WEBHOOK_TIMEOUT must be > 0")
	}
	if cfg.MaxMessageLen < 1 {
		return cfg, errors.New("MAX_MESSAGE_LENGTH must be >= 1")
	}
	if cfg.BusBuffer < 1 {
		return cfg, errors.New("BUS_BUFFER must be >= 1")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.Upload.MaxUploadBytes <= 0 || cfg.Upload.MaxAvatarBytes <= 0 {
		return cfg, errors.New("MAX_UPLOAD_BYTES and MAX_AVATAR_BYTES must be > 0")
	}
	if cfg.MaxBodyBytes < cfg.Upload.MaxUploadBytes {
		return cfg, errors.New("MAX_BODY_BYTES must be >= MAX_UPLOAD_BYTES")
	}
	if strings.TrimSpace(cfg.Broker.ProxyURL) == "" {
		return cfg, errors.New("BROKER_PROXY_URL must not be empty")
	}
	if _, err := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor).Parse(cfg.Scheduler.CleanupSchedule); err != nil {
		return cfg, errors.New("CLEANUP_SCHEDULE is not a valid cron expression")
	}
	if cfg.Scheduler.DeliveryLogRetention <= 0 || cfg.Scheduler.HealthInterval <= 0 ||
		cfg.Scheduler.HealthWindow <= 0 || cfg.Scheduler.HealthIdleTTL < 0 || cfg.Scheduler.JobTimeout <= 0 {
		return cfg, errors.New("scheduler durations must be positive")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers ----

// otlpEndpoint prefers the traces-specific OTLP endpoint over the generic one.
func otlpEndpoint() string {
	return sysutil.FirstNonEmpty(
		os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"),
		os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		"localhost:4317",
	)
}

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch {
		case sysutil.IsTruthy(v):
			return true
		case sysutil.IsFalsy(v):
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
