// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, the relational store and its connection
// pool, login sessions, rate limiting, and observability.
package config

import (
	"encoding/hex"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// DBConfig defines the relational store and its connection pool. Every
// request holds one pooled connection for its lifetime.
type DBConfig struct {
	Driver          string        // DB_DRIVER: sqlite|postgres
	Path            string        // DB_PATH: SQLite file
	URL             string        // DATABASE_URL: Postgres DSN
	MaxOpenConns    int           // DB_MAX_OPEN_CONNS
	MaxIdleConns    int           // DB_MAX_IDLE_CONNS
	ConnMaxLifetime time.Duration // DB_CONN_MAX_LIFETIME
}

// SessionConfig defines the login cookie.
type SessionConfig struct {
	Secret       string        // SESSION_SECRET, at least 32 bytes
	MaxAge       time.Duration // SESSION_MAX_AGE
	CookieSecure bool          // SESSION_COOKIE_SECURE
}

// BootstrapConfig describes the admin account created on an empty store.
// All three values must be set for bootstrap to run.
type BootstrapConfig struct {
	Username string // BOOTSTRAP_ADMIN_USERNAME
	Email    string // BOOTSTRAP_ADMIN_EMAIL
	Password string // BOOTSTRAP_ADMIN_PASSWORD
}

// Enabled reports whether every bootstrap value is set.
func (b BootstrapConfig) Enabled() bool {
	return b.Username != "" && b.Email != "" && b.Password != ""
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-session-guard")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
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
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	LogRedact      bool   // mask PII in access logs
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Store
	DB DBConfig

	// Login sessions
	Session          SessionConfig
	CredentialKey    string // CREDENTIAL_KEY: 64 hex chars (AES-256)
	LoginPath        string // LOGIN_PATH
	LogoutPath       string // LOGOUT_PATH
	SafeRedirectPath string // SAFE_REDIRECT_PATH: landing page after recovery or login
	Bootstrap        BootstrapConfig

	// Rate limiting
	RateRPS        float64 // API tokens per second (>= 0)
	RateBurst      int     // API bucket size (>= 1)
	LoginRateRPS   float64 // login attempts per second per IP (>= 0)
	LoginRateBurst int     // login bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

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
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		LogRedact:      getbool("LOG_REDACT", true),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Store
		DB: DBConfig{
			Driver:          strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:            getenv("DB_PATH", "app.db"),
			URL:             getenv("DATABASE_URL", ""),
			MaxOpenConns:    getint("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getint("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getdur("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},

		// Login sessions
		Session: SessionConfig{
			Secret:       getenv("SESSION_SECRET", ""),
			MaxAge:       getdur("SESSION_MAX_AGE", 12*time.Hour),
			CookieSecure: getbool("SESSION_COOKIE_SECURE", false),
		},
		CredentialKey:    strings.TrimSpace(getenv("CREDENTIAL_KEY", "")),
		LoginPath:        normalizeBasePath(getenv("LOGIN_PATH", "/login")),
		LogoutPath:       normalizeBasePath(getenv("LOGOUT_PATH", "/logout")),
		SafeRedirectPath: normalizeBasePath(getenv("SAFE_REDIRECT_PATH", "/")),
		Bootstrap: BootstrapConfig{
			Username: strings.TrimSpace(getenv("BOOTSTRAP_ADMIN_USERNAME", "")),
			Email:    strings.TrimSpace(getenv("BOOTSTRAP_ADMIN_EMAIL", "")),
			Password: getenv("BOOTSTRAP_ADMIN_PASSWORD", ""),
		},

		// Rate limiting
		RateRPS:        getfloat("RATE_RPS", 5.0),
		RateBurst:      getint("RATE_BURST", 10),
		LoginRateRPS:   getfloat("LOGIN_RATE_RPS", 0.2),
		LoginRateBurst: getint("LOGIN_RATE_BURST", 5),

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

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-session-guard"),
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
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DB.URL) == "" {
			return cfg, errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if cfg.DB.MaxOpenConns < 1 {
		return cfg, errors.New("DB_MAX_OPEN_CONNS must be >= 1")
	}
	if cfg.DB.MaxIdleConns < 0 || cfg.DB.MaxIdleConns > cfg.DB.MaxOpenConns {
		return cfg, errors.New("DB_MAX_IDLE_CONNS must be between 0 and DB_MAX_OPEN_CONNS")
	}
	if cfg.DB.ConnMaxLifetime < 0 {
		return cfg, errors.New("DB_CONN_MAX_LIFETIME must be >= 0")
	}
	if len(cfg.Session.Secret) < 32 {
		return cfg, errors.New("SESSION_SECRET must be at least 32 bytes")
	}
	if cfg.Session.MaxAge <= 0 {
		return cfg, errors.New("SESSION_MAX_AGE must be > 0")
	}
	if key, err := hex.DecodeString(cfg.CredentialKey); err != nil || len(key) != 32 {
		return cfg, errors.New("CREDENTIAL_KEY must be 64 hex characters")
	}
	if cfg.LoginPath == "/" {
		return cfg, errors.New("LOGIN_PATH must not be the root path")
	}
	if cfg.SafeRedirectPath == cfg.LoginPath {
		return cfg, errors.New("SAFE_REDIRECT_PATH must differ from LOGIN_PATH")
	}
	if cfg.LogoutPath == "/" || cfg.LogoutPath == cfg.LoginPath || cfg.LogoutPath == cfg.SafeRedirectPath {
		return cfg, errors.New("LOGOUT_PATH must be a non-root path distinct from LOGIN_PATH and SAFE_REDIRECT_PATH")
	}
	if b := cfg.Bootstrap; (b.Username != "" || b.Email != "" || b.Password != "") && !b.Enabled() {
		return cfg, errors.New("BOOTSTRAP_ADMIN_USERNAME, BOOTSTRAP_ADMIN_EMAIL and BOOTSTRAP_ADMIN_PASSWORD must be set together")
	}
	if cfg.RateRPS < 0 || cfg.LoginRateRPS < 0 {
		return cfg, errors.New("RATE_RPS and LOGIN_RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 || cfg.LoginRateBurst < 1 {
		return cfg, errors.New("RATE_BURST and LOGIN_RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return cfg, nil
}

// ---- helpers (no external deps) ----

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
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
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

// SessionMaxAgeSeconds returns Session.MaxAge in whole seconds, as cookies
// expect.
func (c Config) SessionMaxAgeSeconds() int {
	return int(c.Session.MaxAge / time.Second)
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
