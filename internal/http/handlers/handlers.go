// Package handlers wires the HTTP endpoints to the application services.
//
// Handlers are transport-thin: they validate input, resolve the principal
// loaded by auth.LoadPrincipal, call services, and translate results into
// HTTP responses. Session errors are not answered here; they are recorded
// on the Gin context for middleware.DetachmentBoundary.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-session-guard/internal/auth"
	"github.com/tbourn/go-session-guard/internal/domain"
	"github.com/tbourn/go-session-guard/internal/principal"
	"github.com/tbourn/go-session-guard/internal/services"
)

//
// Service contracts (context-aware)
//

// ConnectionService defines the connection operations consumed by HTTP
// handlers. Implementations must honor ctx and use the request's session
// handle found in it.
type ConnectionService interface {
	// List returns every connection of p in creation order.
	List(ctx context.Context, p *principal.Principal) ([]domain.PlatformConnection, error)
	// Default returns the default connection of p, or nil.
	Default(ctx context.Context, p *principal.Principal) (*domain.PlatformConnection, error)
	// ListPage returns a page of connections and the total count.
	ListPage(ctx context.Context, userID uint, page, pageSize int) ([]domain.PlatformConnection, int64, error)
	// Stats returns the count and latest update time used for ETags.
	Stats(ctx context.Context, userID uint) (int64, *time.Time, error)
	// Get returns one connection owned by userID.
	Get(ctx context.Context, userID, id uint) (*domain.PlatformConnection, error)
	// Create inserts a connection for p.
	Create(ctx context.Context, p *principal.Principal, in services.ConnectionInput) (*domain.PlatformConnection, error)
	// Replayed returns the connection recorded for an idempotency key, or nil.
	Replayed(ctx context.Context, userID uint, scope, key string) (*domain.PlatformConnection, error)
	// Update applies a partial update to connection id of p.
	Update(ctx context.Context, p *principal.Principal, id uint, patch services.ConnectionPatch) error
	// SetDefault makes connection id the default of p.
	SetDefault(ctx context.Context, p *principal.Principal, id uint) error
	// Deactivate marks connection id inactive.
	Deactivate(ctx context.Context, p *principal.Principal, id uint) error
	// Delete removes connection id of p.
	Delete(ctx context.Context, p *principal.Principal, id uint) error
}

// AccountService authenticates login attempts.
type AccountService interface {
	// Authenticate returns the active user matching login and password.
	Authenticate(ctx context.Context, login, password string) (*domain.User, error)
}

//
// Handler wiring
//

// Options carries the paths the handlers redirect to.
type Options struct {
	LoginPath  string // login form, e.g. /login
	LogoutPath string // logout action, e.g. /logout
	SafePath   string // landing page after login, e.g. /
}

// Handlers groups the HTML and JSON endpoints.
type Handlers struct {
	connSvc  ConnectionService
	accounts AccountService
	sessions *auth.Sessions
	opts     Options
}

// New constructs and returns a Handlers instance bound to the given services.
func New(connSvc ConnectionService, accounts AccountService, sessions *auth.Sessions, opts Options) *Handlers {
	if opts.LoginPath == "" {
		opts.LoginPath = "/login"
	}
	if opts.LogoutPath == "" {
		opts.LogoutPath = "/logout"
	}
	if opts.SafePath == "" {
		opts.SafePath = "/"
	}
	return &Handlers{connSvc: connSvc, accounts: accounts, sessions: sessions, opts: opts}
}

// currentPrincipal returns the principal of the request. Routes behind
// auth.RequireLogin always have one; otherwise the request is rejected with
// reauth_required.
func currentPrincipal(c *gin.Context) (*principal.Principal, bool) {
	p, found := auth.CurrentPrincipal(c)
	if !found {
		fail(c, http.StatusUnauthorized, ErrCodeReauthRequired, "please log in again")
		return nil, false
	}
	return p, true
}
