// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, the request-scoped store session, idempotency, and
// rate limiting.
package httpapi

import (
	"context"
	"fmt"
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

	"github.com/tbourn/go-session-guard/docs"
	"github.com/tbourn/go-session-guard/internal/auth"
	"github.com/tbourn/go-session-guard/internal/config"
	"github.com/tbourn/go-session-guard/internal/crypto"
	"github.com/tbourn/go-session-guard/internal/dbsession"
	"github.com/tbourn/go-session-guard/internal/domain"
	"github.com/tbourn/go-session-guard/internal/http/handlers"
	"github.com/tbourn/go-session-guard/internal/http/middleware"
	"github.com/tbourn/go-session-guard/internal/http/templates"
	"github.com/tbourn/go-session-guard/internal/principal"
	"github.com/tbourn/go-session-guard/internal/recovery"
	"github.com/tbourn/go-session-guard/internal/repo"
	"github.com/tbourn/go-session-guard/internal/services"
)

// connectionRepoShim adapts the repository free functions to the
// services.ConnectionRepo interface expected by the ConnectionService.
type connectionRepoShim struct{}

func (connectionRepoShim) ListConnections(ctx context.Context, db *gorm.DB, userID uint) ([]domain.PlatformConnection, error) {
	return repo.ListConnections(ctx, db, userID)
}

func (connectionRepoShim) CountConnections(ctx context.Context, db *gorm.DB, userID uint) (int64, error) {
	return repo.CountConnections(ctx, db, userID)
}

func (connectionRepoShim) ListConnectionsPage(ctx context.Context, db *gorm.DB, userID uint, offset, limit int) ([]domain.PlatformConnection, error) {
	return repo.ListConnectionsPage(ctx, db, userID, offset, limit)
}

func (connectionRepoShim) ConnectionsStats(ctx context.Context, db *gorm.DB, userID uint) (int64, *time.Time, error) {
	return repo.ConnectionsStats(ctx, db, userID)
}

func (connectionRepoShim) GetConnection(ctx context.Context, db *gorm.DB, id, userID uint) (*domain.PlatformConnection, error) {
	return repo.GetConnection(ctx, db, id, userID)
}

func (connectionRepoShim) CreateConnection(ctx context.Context, db *gorm.DB, c *domain.PlatformConnection) error {
	return repo.CreateConnection(ctx, db, c)
}

func (connectionRepoShim) UpdateConnectionFields(ctx context.Context, db *gorm.DB, id, userID uint, fields map[string]any) error {
	return repo.UpdateConnectionFields(ctx, db, id, userID, fields)
}

func (connectionRepoShim) ClearDefaults(ctx context.Context, db *gorm.DB, userID, exceptID uint) error {
	return repo.ClearDefaults(ctx, db, userID, exceptID)
}

func (connectionRepoShim) FirstActiveConnection(ctx context.Context, db *gorm.DB, userID, excludeID uint) (*domain.PlatformConnection, error) {
	return repo.FirstActiveConnection(ctx, db, userID, excludeID)
}

func (connectionRepoShim) DeleteConnection(ctx context.Context, db *gorm.DB, id, userID uint) error {
	return repo.DeleteConnection(ctx, db, id, userID)
}

func (connectionRepoShim) GetIdempotency(ctx context.Context, db *gorm.DB, userID uint, scope, key string, now time.Time) (*domain.Idempotency, error) {
	return repo.GetIdempotency(ctx, db, userID, scope, key, now)
}

func (connectionRepoShim) CreateIdempotency(ctx context.Context, db *gorm.DB, userID uint, scope, key string, resourceID uint, status int, ttl time.Duration) (*domain.Idempotency, error) {
	return repo.CreateIdempotency(ctx, db, userID, scope, key, resourceID, status, ttl)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine, including the HTML templates.
//
// Global middleware, in order:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger or RedactingLogger: structured logs, PII scrubbed when LOG_REDACT
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. CORS and security headers
//  8. gzip
//
// Pages and the API then run inside the session chain:
//  9. RequestLifecycle: one store handle per request, released exactly once
//  10. DetachmentBoundary: answers session errors recorded by handlers
//  11. LoadPrincipal: wraps the logged-in user in a reattaching proxy
//
// /health and /metrics sit outside the session chain and never hold a
// request handle.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, cfg config.Config) error {
	cipher, err := crypto.NewCipher(cfg.CredentialKey)
	if err != nil {
		return fmt.Errorf("credential key: %w", err)
	}
	tmpl, err := templates.Load()
	if err != nil {
		return fmt.Errorf("templates: %w", err)
	}
	r.SetHTMLTemplate(tmpl)
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging
	if cfg.LogRedact {
		r.Use(middleware.RedactingLogger(middleware.RedactOptions{
			MaskHeaders: []string{middleware.HeaderIdempotencyKey},
		}))
	} else {
		r.Use(middleware.Logger())
	}

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) CORS posture and security headers
	useCORS(r, cfg.CORS.AllowedOrigins)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:            cfg.Security.EnableHSTS,
		HSTSMaxAge:            cfg.Security.HSTSMaxAge,
		EnablePolicy:          true,
		ContentSecurityPolicy: middleware.DefaultContentSecurityPolicy,
	}))

	// 8) Compression (metrics scrapers negotiate their own)
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness plus store connectivity
	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := repo.Ping(ctx, db); err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Msg("health: store unreachable")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "store": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = cfg.APIBasePath
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: services <- session manager <- db
	mgr := dbsession.NewManager(db)
	rec := recovery.NewHandler(mgr)
	sessions := auth.NewSessions(auth.Options{
		Secret: []byte(cfg.Session.Secret),
		MaxAge: cfg.SessionMaxAgeSeconds(),
		Secure: cfg.Session.CookieSecure,
	})

	connSvc := services.NewConnectionService(mgr, connectionRepoShim{}, cipher)
	connSvc.ReplayTTL = cfg.IdempotencyTTL
	accounts := services.NewAccountService(mgr)
	h := handlers.New(connSvc, accounts, sessions, handlers.Options{
		LoginPath:  cfg.LoginPath,
		LogoutPath: cfg.LogoutPath,
		SafePath:   cfg.SafeRedirectPath,
	})

	// 9-11) Session chain
	app := r.Group("",
		middleware.RequestLifecycle(mgr, middleware.LifecycleOptions{
			OnPrincipalUnavailable: func(c *gin.Context, _ error) {
				if err := sessions.EndWithNotice(c.Writer, c.Request, auth.ReauthNotice); err != nil {
					middleware.LoggerFrom(c).Warn().Err(err).Msg("could not end session")
				}
			},
		}),
		middleware.DetachmentBoundary(rec, middleware.BoundaryOptions{
			Sessions:  sessions,
			LoginPath: cfg.LoginPath,
			SafePath:  cfg.SafeRedirectPath,
		}),
		auth.LoadPrincipal(sessions, principal.NewLoader(rec)),
	)

	// Pages
	loginLimiter := middleware.NewRateLimiter("login", cfg.LoginRateRPS, cfg.LoginRateBurst, middleware.KeyByIP())
	app.GET(cfg.SafeRedirectPath, h.Dashboard)
	if cfg.SafeRedirectPath != "/" {
		app.GET("/", h.Dashboard)
	}
	app.GET(cfg.LoginPath, h.LoginForm)
	app.POST(cfg.LoginPath, loginLimiter.Handler(), h.Login)
	app.POST(cfg.LogoutPath, h.Logout)

	// Public API
	apiLimiter := middleware.NewRateLimiter("api", cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	api := groupWithPrefix(app, cfg.APIBasePath)
	api.Use(
		auth.RequireLogin(cfg.LoginPath),
		// Idempotency validation runs first so replays skip the limiter.
		middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, connSvc.HasReplay),
		apiLimiter.Handler(),
	)
	{
		api.GET("/me", h.Me)

		api.GET("/connections", h.ListConnections)
		api.GET("/connections/default", h.DefaultConnection)
		api.POST("/connections", h.CreateConnection)
		api.PUT("/connections/:id", h.UpdateConnection)
		api.POST("/connections/:id/default", h.SetDefaultConnection)
		api.POST("/connections/:id/deactivate", h.DeactivateConnection)
		api.DELETE("/connections/:id", h.DeleteConnection)
	}
	return nil
}

// useCORS installs the CORS middleware. Without an allowlist every origin is
// accepted but credentials are not; with one, listed origins are echoed and
// may send the session cookie.
func useCORS(r *gin.Engine, origins []string) {
	methods := []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	headers := []string{"Origin", "Content-Type", "Accept", middleware.HeaderIdempotencyKey}
	expose := []string{"X-Request-ID", "Content-Length", "ETag", middleware.HeaderIdempotencyReplayed}

	if len(origins) == 0 {
		// Force ACAO: * even for requests without an Origin header.
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     methods,
			AllowHeaders:     headers,
			ExposeHeaders:    expose,
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
		return
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	r.Use(func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); origin != "" {
			if _, ok := allowed[origin]; ok {
				h := c.Writer.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
		}
		c.Next()
	})
	r.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     methods,
		AllowHeaders:     headers,
		ExposeHeaders:    expose,
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix under parent, treating "/" (or
// empty) as the parent's root.
func groupWithPrefix(parent *gin.RouterGroup, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return parent.Group("")
	}
	return parent.Group(prefix)
}
