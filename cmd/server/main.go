// Command server runs the session-guarded dashboard and connections API.
//
//	@title			Session Guard API
//	@version		1.0
//	@description	Connection management behind request-scoped store sessions.
//	@BasePath		/api/v1
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-session-guard/internal/config"
	"github.com/tbourn/go-session-guard/internal/dbsession"
	httpapi "github.com/tbourn/go-session-guard/internal/http"
	"github.com/tbourn/go-session-guard/internal/observability"
	"github.com/tbourn/go-session-guard/internal/repo"
	"github.com/tbourn/go-session-guard/internal/services"
	"github.com/tbourn/go-session-guard/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Best effort: real environment variables win over .env entries.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	lg := sysutil.ConfigureLogging(os.Stdout, cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName)
	appVersion := sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := observability.Setup(ctx, cfg.OTEL, appVersion)
	if err != nil {
		lg.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := repo.Open(repo.StoreConfig{
		Driver:          cfg.DB.Driver,
		Path:            cfg.DB.Path,
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		Tracing:         tel.Enabled,
		Debug:           cfg.LogLevel == "debug",
	})
	if err != nil {
		lg.Fatal().Err(err).Str("driver", cfg.DB.Driver).Msg("open store failed")
	}
	sqlDB, err := db.DB()
	if err != nil {
		lg.Fatal().Err(err).Msg("store handle unavailable")
	}
	defer sqlDB.Close()

	if err := repo.AutoMigrate(db); err != nil {
		lg.Fatal().Err(err).Msg("migration failed")
	}

	if cfg.Bootstrap.Enabled() {
		// Runs in a private store scope released before returning.
		created, err := services.NewAccountService(dbsession.NewManager(db)).
			EnsureAdmin(ctx, cfg.Bootstrap.Username, cfg.Bootstrap.Email, cfg.Bootstrap.Password)
		if err != nil {
			lg.Fatal().Err(err).Msg("bootstrap admin failed")
		}
		if created {
			lg.Info().Str("username", cfg.Bootstrap.Username).Msg("bootstrap admin created")
		}
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	if err := httpapi.RegisterRoutes(r, db, cfg); err != nil {
		lg.Fatal().Err(err).Msg("route setup failed")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		lg.Info().
			Str("addr", srv.Addr).
			Str("version", appVersion).
			Str("driver", cfg.DB.Driver).
			Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	lg.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// In-flight requests finish and release their store handles first.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn().Err(err).Msg("http server shutdown failed")
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		lg.Warn().Err(err).Msg("otel shutdown failed")
	}
	lg.Info().Msg("goodbye")
}
