// Package principal wraps the authenticated user in a session-aware proxy.
//
// A Principal keeps only the user's identifier as its durable reference.
// Every accessor first makes sure the instance it holds is attached to the
// handle of the request carried by ctx; if not, the user is reattached
// through the recovery handler (merge, then reload) and cached derived
// state is dropped. Reattachment only reads from the store.
//
// Intercepted accessors:
//
//   - Username, Email, Role, IsActive, CreatedAt: plain field reads.
//   - Connections: explicit query on the current handle, cached until the
//     next reattachment or Invalidate.
//   - DefaultConnection: derived from the cached Connections.
//
// Anything else goes through the generic Get, or Entity for callers that
// need the attached *domain.User itself (valid for the current handle only).
package principal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-session-guard/internal/dbsession"
	"github.com/tbourn/go-session-guard/internal/domain"
	"github.com/tbourn/go-session-guard/internal/recovery"
)

// ErrInactive is wrapped in a PrincipalUnavailableError when the user row
// exists but has been deactivated, at load time or on reattachment.
var ErrInactive = dbsession.ErrInactive

var reattachments = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "principal_reattachments_total",
		Help: "Principal proxy reattachments, by method (attached|merge|reload).",
	},
	[]string{"method"},
)

func init() {
	prometheus.MustRegister(reattachments)
}

// Principal is the session-aware proxy for one user.
type Principal struct {
	id  uint
	mgr *dbsession.Manager
	rec *recovery.Handler

	mu          sync.Mutex
	user        *domain.User
	handle      *dbsession.Handle
	conns       []domain.PlatformConnection
	connsLoaded bool
}

// New wraps u. u may be detached; it is reattached on first access.
func New(rec *recovery.Handler, u *domain.User) *Principal {
	return &Principal{id: u.ID, mgr: rec.Manager(), rec: rec, user: u}
}

// ID returns the user's identifier. It never touches the store.
func (p *Principal) ID() uint { return p.id }

// Entity returns the user instance attached to the current request's handle.
func (p *Principal) Entity(ctx context.Context) (*domain.User, error) {
	_, u, err := p.attached(ctx)
	return u, err
}

// Get is the generic read-through accessor for fields without a dedicated
// method.
func Get[T any](ctx context.Context, p *Principal, read func(u *domain.User) T) (T, error) {
	_, u, err := p.attached(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	return read(u), nil
}

// Username returns the user's login name.
func (p *Principal) Username(ctx context.Context) (string, error) {
	return Get(ctx, p, func(u *domain.User) string { return u.Username })
}

// Email returns the user's email address.
func (p *Principal) Email(ctx context.Context) (string, error) {
	return Get(ctx, p, func(u *domain.User) string { return u.Email })
}

// Role returns the user's role.
func (p *Principal) Role(ctx context.Context) (domain.Role, error) {
	return Get(ctx, p, func(u *domain.User) domain.Role { return u.Role })
}

// IsActive reports whether the account is enabled. A principal deactivated
// since it was attached fails with ErrInactive on its next reattachment
// rather than reporting false.
func (p *Principal) IsActive(ctx context.Context) (bool, error) {
	return Get(ctx, p, func(u *domain.User) bool { return u.IsActive })
}

// CreatedAt returns when the account was created.
func (p *Principal) CreatedAt(ctx context.Context) (time.Time, error) {
	return Get(ctx, p, func(u *domain.User) time.Time { return u.CreatedAt })
}

// Connections returns the user's platform connections in creation order.
// The slice is a copy; mutating it does not affect the cache.
func (p *Principal) Connections(ctx context.Context) ([]domain.PlatformConnection, error) {
	conns, err := p.connections(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PlatformConnection, len(conns))
	copy(out, conns)
	return out, nil
}

// DefaultConnection returns the active connection flagged default, else the
// earliest-created active connection, else nil.
func (p *Principal) DefaultConnection(ctx context.Context) (*domain.PlatformConnection, error) {
	conns, err := p.connections(ctx)
	if err != nil {
		return nil, err
	}
	return PickDefault(conns), nil
}

// PickDefault applies the default-connection rule to conns, which must be in
// creation order.
func PickDefault(conns []domain.PlatformConnection) *domain.PlatformConnection {
	var first *domain.PlatformConnection
	for i := range conns {
		c := conns[i]
		if !c.IsActive {
			continue
		}
		if c.IsDefault {
			return &c
		}
		if first == nil {
			first = &c
		}
	}
	return first
}

// Invalidate drops cached connections so the next access re-queries.
func (p *Principal) Invalidate() {
	p.mu.Lock()
	p.conns, p.connsLoaded = nil, false
	p.mu.Unlock()
}

func (p *Principal) connections(ctx context.Context) ([]domain.PlatformConnection, error) {
	for attempt := 0; ; attempt++ {
		h, u, err := p.attached(ctx)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		if p.connsLoaded && p.handle == h {
			conns := p.conns
			p.mu.Unlock()
			return conns, nil
		}
		p.mu.Unlock()

		conns, err := h.Connections(ctx, u)
		if dbsession.IsRecoverable(err) && attempt == 0 {
			// Expired between the check and the query; reattach once more.
			p.detach()
			continue
		}
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		if p.handle == h {
			p.conns, p.connsLoaded = conns, true
		}
		p.mu.Unlock()
		return conns, nil
	}
}

// attached returns the current handle and the instance attached to it,
// reattaching first when needed.
func (p *Principal) attached(ctx context.Context) (*dbsession.Handle, *domain.User, error) {
	h, err := p.mgr.AcquireForRequest(ctx)
	if err != nil {
		return nil, nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.user != nil && p.handle == h && h.Contains(p.user) {
		return h, p.user, nil
	}

	var out recovery.Outcome
	if p.user == nil {
		out = p.rec.RecoverID(ctx, p.id)
	} else {
		out = p.rec.Recover(ctx, p.user)
	}
	if !out.OK() {
		return nil, nil, out.Err()
	}

	method := string(out.Method)
	reattachments.WithLabelValues(method).Inc()
	zerolog.Ctx(ctx).Debug().
		Uint("user_id", p.id).
		Str("method", method).
		Str("handle", h.ID()).
		Msg("principal reattached")

	p.user = out.User
	p.handle = p.mgr.Current(ctx)
	p.conns, p.connsLoaded = nil, false
	return p.handle, p.user, nil
}

func (p *Principal) detach() {
	p.mu.Lock()
	p.handle = nil
	p.conns, p.connsLoaded = nil, false
	p.mu.Unlock()
}

// Loader loads the principal for a user identifier within a request.
type Loader func(ctx context.Context, id uint) (*Principal, error)

// NewLoader returns the callback the authentication layer uses to resolve
// the current principal. The user is loaded on the request's handle and
// wrapped before it is handed out. A missing or inactive row yields a
// *dbsession.PrincipalUnavailableError.
func NewLoader(rec *recovery.Handler) Loader {
	return func(ctx context.Context, id uint) (*Principal, error) {
		h, err := rec.Manager().AcquireForRequest(ctx)
		if err != nil {
			return nil, err
		}
		u, err := h.User(ctx, id)
		if errors.Is(err, dbsession.ErrRowGone) {
			return nil, &dbsession.PrincipalUnavailableError{UserID: id, Err: err}
		}
		if err != nil {
			return nil, err
		}
		if !u.IsActive {
			return nil, &dbsession.PrincipalUnavailableError{UserID: id, Err: ErrInactive}
		}
		p := New(rec, u)
		p.handle = h
		return p, nil
	}
}
