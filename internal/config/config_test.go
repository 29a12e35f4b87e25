package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"
)

// --- MustLoad ---

func TestMustLoad_PanicsOnInvalidConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose") // invalid -> Load() error
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("MustLoad should panic on invalid config")
		}
	}()
	_ = MustLoad()
}

// --- Load success + normalization + parsing ---

func TestLoad_Success_DefaultsAndOverrides(t *testing.T) {
	// Clear all env that might affect defaults. t.Setenv isolates per test.
	// Server timeouts / sizes (valid)
	t.Setenv("PORT", "8088")
	t.Setenv("READ_TIMEOUT", "2s")
	t.Setenv("READ_HEADER_TIMEOUT", "1s")
	t.Setenv("WRITE_TIMEOUT", "3s")
	t.Setenv("IDLE_TIMEOUT", "4s")
	t.Setenv("MAX_HEADER_BYTES", "8192")
	t.Setenv("GIN_MODE", "weird") // will normalize to "release"

	// Logging / Docs
	t.Setenv("LOG_LEVEL", "warning") // will normalize to "warn"
	t.Setenv("LOG_PRETTY", "yes")
	t.Setenv("SWAGGER_ENABLED", "on")
	t.Setenv("API_BASE_PATH", "api/v1/") // no leading slash + trailing slash -> "/api/v1"

	// App
	t.Setenv("DB_PATH", "db.sqlite")
	t.Setenv("PUBLIC_BASE_URL", "https://desk.example.com/")
	t.Setenv("WEBHOOK_TIMEOUT", "3s")

	// Integrations
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("AGENT_TOKEN", "agent")
	t.Setenv("AMQP_URL", "amqp://guest:guest@mq:5672/")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("CLEANUP_SCHEDULE", "0 30 4 * * *")
	t.Setenv("DELIVERY_LOG_RETENTION", "168h")

	// Rate limiting (use invalids for parse to fall back to defaults)
	t.Setenv("RATE_RPS", "x")      // -> default 5.0
	t.Setenv("RATE_BURST", "nope") // -> default 10

	// Web protection
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.com , , http://b ")
	t.Setenv("ENABLE_HSTS", "TRUE")
	t.Setenv("HSTS_MAX_AGE", "24h")

	// Idempotency
	t.Setenv("IDEMPOTENCY_TTL", "48h")

	// OTEL
	t.Setenv("OTEL_ENABLED", "1")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "0")
	t.Setenv("OTEL_SERVICE_NAME", "svc")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.75")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	// Server
	if cfg.Port != "8088" ||
		cfg.ReadTimeout != 2*time.Second ||
		cfg.ReadHeaderTimeout != 1*time.Second ||
		cfg.WriteTimeout != 3*time.Second ||
		cfg.IdleTimeout != 4*time.Second ||
		cfg.MaxHeaderBytes != 8192 ||
		cfg.GinMode != "release" {
		t.Fatalf("server fields unexpected: %+v", cfg)
	}

	// Logging / Docs
	if cfg.LogLevel != "warn" || !cfg.LogPretty || !cfg.SwaggerEnabled || cfg.APIBasePath != "/api/v1" {
		t.Fatalf("logging/docs unexpected: %+v", cfg)
	}

	// App
	if cfg.DBPath != "db.sqlite" || cfg.PublicBaseURL != "https://desk.example.com" || cfg.WebhookTimeout != 3*time.Second {
		t.Fatalf("app fields unexpected: %+v", cfg)
	}

	// Integrations
	if cfg.Auth.JWTSecret != "s3cret" || cfg.Auth.AgentToken != "agent" {
		t.Fatalf("auth unexpected: %+v", cfg.Auth)
	}
	if cfg.AMQP.URL == "" || cfg.AMQP.Queue != "broker.forwards" {
		t.Fatalf("amqp unexpected: %+v", cfg.AMQP)
	}
	if cfg.Redis.Addr != "redis:6379" || cfg.Redis.DB != 2 || cfg.Redis.Channel != "alertdesk:events" {
		t.Fatalf("redis unexpected: %+v", cfg.Redis)
	}
	if cfg.Scheduler.CleanupSchedule != "0 30 4 * * *" || cfg.Scheduler.DeliveryLogRetention != 168*time.Hour ||
		cfg.Scheduler.HealthInterval != 5*time.Minute || cfg.Scheduler.HealthIdleTTL != time.Hour {
		t.Fatalf("scheduler unexpected: %+v", cfg.Scheduler)
	}
	if cfg.Upload.MaxUploadBytes != 10<<20 || cfg.Upload.MaxAvatarBytes != 2<<20 {
		t.Fatalf("upload limits unexpected: %+v", cfg.Upload)
	}

	// Rate limiting (parse fallback to defaults)
	if cfg.RateRPS != 5.0 || cfg.RateBurst != 10 {
		t.Fatalf("rate limiting unexpected: %+v", cfg)
	}

	// Web protection
	if !reflect.DeepEqual(cfg.CORS.AllowedOrigins, []string{"https://a.com", "http://b"}) {
		t.Fatalf("cors origins unexpected: %#v", cfg.CORS.AllowedOrigins)
	}
	if !cfg.Security.EnableHSTS || cfg.Security.HSTSMaxAge != 24*time.Hour {
		t.Fatalf("security unexpected: %+v", cfg.Security)
	}

	// Idempotency
	if cfg.IdempotencyTTL != 48*time.Hour {
		t.Fatalf("idempotency ttl unexpected: %v", cfg.IdempotencyTTL)
	}

	// OTEL
	if !cfg.OTEL.Enabled || cfg.OTEL.Endpoint != "otel:4317" || cfg.OTEL.Insecure || cfg.OTEL.ServiceName != "svc" || cfg.OTEL.SampleRatio != 0.75 {
		t.Fatalf("otel unexpected: %+v", cfg.OTEL)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		env, val, want string
	}{
		{"LOG_LEVEL", "verbose", "LOG_LEVEL"},
		{"PORT", "   ", "PORT must not be empty"},
		{"READ_TIMEOUT", "0s", "timeouts must be positive"},
		{"MAX_HEADER_BYTES", "0", "MAX_HEADER_BYTES"},
		{"DB_PATH", "   ", "DB_PATH must not be empty"},
		{"PUBLIC_BASE_URL", "desk.local", "PUBLIC_BASE_URL"},
		{"WEBHOOK_TIMEOUT", "0s", "WEBHOOK_TIMEOUT"},
		{"MAX_MESSAGE_LENGTH", "0", "MAX_MESSAGE_LENGTH"},
		{"BUS_BUFFER", "0", "BUS_BUFFER"},
		{"RATE_RPS", "-1", "RATE_RPS"},
		{"RATE_BURST", "0", "RATE_BURST"},
		{"HSTS_MAX_AGE", "-1s", "HSTS_MAX_AGE"},
		{"IDEMPOTENCY_TTL", "0s", "IDEMPOTENCY_TTL"},
		{"MAX_AVATAR_BYTES", "-5", "MAX_AVATAR_BYTES"},
		{"MAX_BODY_BYTES", "1024", "MAX_BODY_BYTES"},
		{"BROKER_PROXY_URL", " ", "BROKER_PROXY_URL"},
		{"CLEANUP_SCHEDULE", "every night", "CLEANUP_SCHEDULE"},
		{"DELIVERY_LOG_RETENTION", "0s", "scheduler durations"},
		{"JOB_TIMEOUT", "-1m", "scheduler durations"},
		{"OTEL_TRACES_SAMPLER_ARG", "1.5", "OTEL_TRACES_SAMPLER_ARG"},
	}
	for _, tc := range cases {
		t.Run(tc.env, func(t *testing.T) {
			t.Setenv(tc.env, tc.val)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("%s=%q: want error containing %q, got %v", tc.env, tc.val, tc.want, err)
			}
		})
	}
}

func TestLoad_CleanupScheduleAcceptsDescriptors(t *testing.T) {
	for _, spec := range []string{"@daily", "0 3 * * *", "*/30 * * * * *"} {
		t.Setenv("CLEANUP_SCHEDULE", spec)
		if _, err := Load(); err != nil {
			t.Fatalf("CLEANUP_SCHEDULE=%q rejected: %v", spec, err)
		}
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("X_EMPTY", "")
	t.Setenv("X_SET", "val")
	t.Setenv("X_FLOAT", "3.14")
	t.Setenv("X_INT", "42")
	t.Setenv("X_DUR", "150ms")
	t.Setenv("X_BAD", "zzz")

	if getenv("X_EMPTY", "d") != "d" || getenv("X_SET", "d") != "val" {
		t.Fatalf("getenv fallback broken")
	}
	if getfloat("X_FLOAT", 0) != 3.14 || getfloat("X_BAD", 1.23) != 1.23 {
		t.Fatalf("getfloat broken")
	}
	if getint("X_INT", 0) != 42 || getint("X_BAD", 7) != 7 {
		t.Fatalf("getint broken")
	}
	if getdur("X_DUR", time.Second) != 150*time.Millisecond || getdur("X_BAD", 2*time.Second) != 2*time.Second {
		t.Fatalf("getdur broken")
	}
}

func TestGetbool(t *testing.T) {
	cases := []struct {
		val  string
		def  bool
		want bool
	}{
		{"1", false, true},
		{" yes ", false, true},
		{"On", false, true},
		{"0", true, false},
		{"FALSE", true, false},
		{" off ", true, false},
		// unknown or empty values keep the default
		{"", true, true},
		{"", false, false},
		{"maybe", true, true},
		{"maybe", false, false},
	}
	for i, tc := range cases {
		k := fmt.Sprintf("B_%d", i)
		t.Setenv(k, tc.val)
		if got := getbool(k, tc.def); got != tc.want {
			t.Fatalf("getbool(%q, %v) = %v", tc.val, tc.def, got)
		}
	}
}

func TestSplitCSV(t *testing.T) {
	if out := splitCSV(""); out != nil {
		t.Fatalf("splitCSV empty should return nil")
	}
	if got := splitCSV(" a, ,b ,  c  ,"); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("splitCSV = %#v", got)
	}
}

func TestNormalizeBasePath(t *testing.T) {
	for in, want := range map[string]string{"": "/", "v1": "/v1", "/v1/": "/v1", " / ": "/", "api/v2/": "/api/v2"} {
		if got := normalizeBasePath(in); got != want {
			t.Fatalf("normalizeBasePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMain(m *testing.M) {
	os.Unsetenv("PORT")
	os.Exit(m.Run())
}

func TestLoad_Defaults_APIBasePathAndOptionalIntegrations(t *testing.T) {
	t.Setenv("DB_PATH", "db.sqlite")
	// Intentionally leave API_BASE_PATH and the integrations unset

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	// default per code is "/api/v1"
	if cfg.APIBasePath != "/api/v1" {
		t.Fatalf("API_BASE_PATH default expected '/api/v1', got %q", cfg.APIBasePath)
	}
	if cfg.AMQP.URL != "" || cfg.Redis.Addr != "" || cfg.Auth.JWTSecret != "" {
		t.Fatalf("integrations must default to disabled: %+v %+v", cfg.AMQP, cfg.Redis)
	}
}

func TestMustLoad_Success_NoPanic(t *testing.T) {
	// No special env needed; defaults are valid.
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("MustLoad should not panic on valid defaults, got: %v", r)
		}
	}()
	cfg := MustLoad()
	if cfg.APIBasePath == "" {
		t.Fatalf("unexpected empty config from MustLoad")
	}
}

func TestLoad_OTLPTracesEndpointWins(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "generic:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "traces:4317")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.OTEL.Endpoint != "traces:4317" {
		t.Fatalf("endpoint=%q", cfg.OTEL.Endpoint)
	}

	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "")
	if got := otlpEndpoint(); got != "generic:4317" {
		t.Fatalf("fallback endpoint=%q", got)
	}
}
