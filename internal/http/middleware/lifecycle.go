// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements RequestLifecycle, which owns the database session of
// every request it wraps:
//
//	NotStarted -> SessionOpen -> {Committed | RolledBack} -> Closed
//
// The handle is acquired before the rest of the chain runs. When the chain
// returns without recorded errors and with a non-5xx status, pending work is
// committed; otherwise, including when a handler panics, it is rolled back.
// The handle is released exactly once on every path. Teardown failures are
// logged and counted but never replace the request outcome, and a panic
// continues to the outer Recovery middleware after cleanup.
//
// SafeContext exposes the plain-data snapshot templates render from.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-session-guard/internal/auth"
	"github.com/tbourn/go-session-guard/internal/dbsession"
	"github.com/tbourn/go-session-guard/internal/view"
)

const lifecycleKey = "dbsession.lifecycle"

var teardownFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "request_teardown_failures_total",
		Help: "Failures while committing, rolling back or releasing a request's session, by op.",
	},
	[]string{"op"},
)

func init() {
	prometheus.MustRegister(teardownFailures)
}

// Phase is a step of the per-request session state machine.
type Phase int

const (
	PhaseNotStarted Phase = iota
	PhaseSessionOpen
	PhaseCommitted
	PhaseRolledBack
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not_started"
	case PhaseSessionOpen:
		return "session_open"
	case PhaseCommitted:
		return "committed"
	case PhaseRolledBack:
		return "rolled_back"
	case PhaseClosed:
		return "closed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// LifecycleOptions configures RequestLifecycle.
type LifecycleOptions struct {
	// OnPrincipalUnavailable runs when SafeContext finds that the principal
	// no longer resolves. The router uses it to end the login session.
	OnPrincipalUnavailable func(c *gin.Context, err error)
}

// Lifecycle tracks one request's session. It is stored in the Gin context by
// RequestLifecycle.
type Lifecycle struct {
	mgr           *dbsession.Manager
	onUnavailable func(*gin.Context, error)

	mu      sync.Mutex
	history []Phase
	safe    *view.SafeContext
}

// LifecycleFrom returns the Lifecycle installed by RequestLifecycle.
func LifecycleFrom(c *gin.Context) (*Lifecycle, bool) {
	v, ok := c.Get(lifecycleKey)
	if !ok {
		return nil, false
	}
	lc, ok := v.(*Lifecycle)
	return lc, ok && lc != nil
}

// Phase returns the current phase.
func (lc *Lifecycle) Phase() Phase {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.history[len(lc.history)-1]
}

// History returns every phase entered so far, in order.
func (lc *Lifecycle) History() []Phase {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return append([]Phase(nil), lc.history...)
}

func (lc *Lifecycle) advance(p Phase) {
	lc.mu.Lock()
	lc.history = append(lc.history, p)
	lc.mu.Unlock()
}

// RequestLifecycle returns a Gin middleware that installs a session scope in
// the request context, opens the handle, and tears it down after the chain.
// A store that cannot hand out a connection fails the request with 503
// before any handler runs.
//
// Recovery must be installed before this middleware so that it sees panics
// only after the session has been cleaned up.
func RequestLifecycle(mgr *dbsession.Manager, opts LifecycleOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _ := dbsession.WithScope(c.Request.Context())
		c.Request = c.Request.WithContext(ctx)

		lc := &Lifecycle{
			mgr:           mgr,
			onUnavailable: opts.OnPrincipalUnavailable,
			history:       []Phase{PhaseNotStarted},
		}
		c.Set(lifecycleKey, lc)

		if _, err := mgr.AcquireForRequest(ctx); err != nil {
			LoggerFrom(c).Error().Err(err).Msg("session acquire failed")
			_ = c.Error(err)
			serviceUnavailable(c)
			return
		}
		lc.advance(PhaseSessionOpen)

		done := false
		defer func() {
			if !done {
				// Panic or Goexit: roll back and release, then let it continue.
				lc.teardown(ctx, false)
			}
		}()

		c.Next()

		done = true
		lc.teardown(ctx, len(c.Errors) == 0 && c.Writer.Status() < 500)
	}
}

// teardown commits or rolls back the request's handle and releases it. It
// runs on a context detached from the request's cancellation so that an
// aborted client cannot leak the connection.
func (lc *Lifecycle) teardown(ctx context.Context, commit bool) {
	ctx = context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			lc.failed(ctx, &dbsession.TeardownError{Op: "release", Err: fmt.Errorf("panic: %v", r)})
		}
		lc.advance(PhaseClosed)
	}()

	if h := lc.mgr.Current(ctx); h != nil && !h.Closed() {
		if commit {
			if err := h.Commit(ctx); err != nil {
				lc.failed(ctx, &dbsession.TeardownError{Op: "commit", Err: err})
				_ = h.Rollback()
				lc.advance(PhaseRolledBack)
			} else {
				lc.advance(PhaseCommitted)
			}
		} else {
			if err := h.Rollback(); err != nil {
				lc.failed(ctx, &dbsession.TeardownError{Op: "rollback", Err: err})
			}
			lc.advance(PhaseRolledBack)
		}
	} else {
		// Closed behind our back: pending work is already gone.
		lc.advance(PhaseRolledBack)
	}

	if err := lc.mgr.ReleaseForRequest(ctx); err != nil {
		lc.failed(ctx, err)
	}
}

func (lc *Lifecycle) failed(ctx context.Context, err error) {
	op := "release"
	var te *dbsession.TeardownError
	if errors.As(err, &te) {
		op = te.Op
	}
	teardownFailures.WithLabelValues(op).Inc()
	zerolog.Ctx(ctx).Error().Err(err).Str("op", op).Msg("session teardown failed")
}

// SafeContext returns the plain-data snapshot of the current principal for
// rendering. It is computed once per request. When the snapshot cannot be
// built the request degrades to an anonymous context carrying
// view.DegradedNotice instead of failing; if the principal is gone the
// OnPrincipalUnavailable hook also runs.
func SafeContext(c *gin.Context) view.SafeContext {
	lc, _ := LifecycleFrom(c)
	if lc != nil {
		lc.mu.Lock()
		memo := lc.safe
		lc.mu.Unlock()
		if memo != nil {
			return *memo
		}
	}

	p, _ := auth.CurrentPrincipal(c)
	sc, err := view.Build(c.Request.Context(), p)
	if err != nil {
		LoggerFrom(c).Warn().Err(err).Msg("safe context degraded")
		sc = view.Degraded(view.DegradedNotice)
		if errors.Is(err, dbsession.ErrPrincipalUnavailable) && lc != nil && lc.onUnavailable != nil {
			lc.onUnavailable(c, err)
		}
	}

	if lc != nil {
		lc.mu.Lock()
		lc.safe = &sc
		lc.mu.Unlock()
	}
	return sc
}
