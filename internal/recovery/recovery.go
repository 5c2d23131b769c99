// Package recovery brings detached principals back onto the current
// request's session handle.
//
// Recover tries, in order, merge-by-identity and reload-by-primary-key, and
// reports the result as an Outcome rather than an error. Callers that need
// an error (the HTTP boundary, the principal proxy) convert it with
// Outcome.Err. A principal whose row was deleted or deactivated is never
// reported as recovered. SafeGet wraps a single read with one recovery attempt and
// never fails.
package recovery

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-session-guard/internal/dbsession"
	"github.com/tbourn/go-session-guard/internal/domain"
)

// Status tags a recovery outcome.
type Status int

const (
	Recovered Status = iota + 1
	Unrecoverable
)

func (s Status) String() string {
	switch s {
	case Recovered:
		return "recovered"
	case Unrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

// Method names the step that produced an outcome.
type Method string

const (
	MethodAttached Method = "attached" // already attached, nothing to do
	MethodMerge    Method = "merge"
	MethodReload   Method = "reload"
	MethodAcquire  Method = "acquire" // no handle could be obtained
)

// Outcome is the tagged result of Recover.
type Outcome struct {
	Status Status
	Method Method
	User   *domain.User // attached instance when Status == Recovered
	UserID uint
	Cause  error // last error seen when Status == Unrecoverable
}

// OK reports whether the principal was recovered.
func (o Outcome) OK() bool { return o.Status == Recovered }

// Err converts an unrecoverable outcome into the error the boundary needs:
// store outages pass through as ErrStoreUnavailable, everything else becomes
// a *dbsession.PrincipalUnavailableError. Recovered outcomes yield nil.
func (o Outcome) Err() error {
	if o.OK() {
		return nil
	}
	if errors.Is(o.Cause, dbsession.ErrStoreUnavailable) {
		return o.Cause
	}
	return &dbsession.PrincipalUnavailableError{UserID: o.UserID, Err: o.Cause}
}

var recoveries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "detachment_recoveries_total",
		Help: "Detached principal recovery attempts, by outcome and method.",
	},
	[]string{"outcome", "method"},
)

func init() {
	prometheus.MustRegister(recoveries)
}

// Handler performs recoveries against the handle of the request carried by
// the context.
type Handler struct {
	mgr    *dbsession.Manager
	tracer trace.Tracer
}

// NewHandler returns a Handler bound to mgr.
func NewHandler(mgr *dbsession.Manager) *Handler {
	return &Handler{mgr: mgr, tracer: otel.Tracer("recovery/Handler")}
}

// Manager returns the session manager the handler recovers against.
func (r *Handler) Manager() *dbsession.Manager { return r.mgr }

// Recover reattaches u to the current request's handle. It first merges u
// by identity; if the handle rejects the copy (stale state or any other
// non-outage failure) it reloads the row by primary key. When both fail, or
// the row turns out to be deactivated, the outcome is Unrecoverable. An
// instance already attached is still checked against the store. Recover
// never writes to the store.
func (r *Handler) Recover(ctx context.Context, u *domain.User) Outcome {
	if u == nil {
		return r.finish(ctx, nil, Outcome{Status: Unrecoverable, Method: MethodAcquire, Cause: errors.New("recovery: nil principal")})
	}
	ctx, span := r.tracer.Start(ctx, "Recover",
		trace.WithAttributes(attribute.Int64("user.id", int64(u.ID))),
	)
	defer span.End()

	out := Outcome{UserID: u.ID}

	h, err := r.mgr.AcquireForRequest(ctx)
	if err != nil {
		out.Status, out.Method, out.Cause = Unrecoverable, MethodAcquire, err
		return r.finish(ctx, span, out)
	}

	if h.Contains(u) {
		if err := h.Check(ctx, u.ID); err != nil {
			out.Status, out.Method, out.Cause = Unrecoverable, MethodAttached, err
			return r.finish(ctx, span, out)
		}
		out.Status, out.Method, out.User = Recovered, MethodAttached, u
		return r.finish(ctx, span, out)
	}

	merged, err := h.Merge(ctx, u)
	if err == nil {
		// The merged instance may predate a deactivation.
		if err := h.Check(ctx, u.ID); err != nil {
			out.Status, out.Method, out.Cause = Unrecoverable, MethodMerge, err
			return r.finish(ctx, span, out)
		}
		out.Status, out.Method, out.User = Recovered, MethodMerge, merged
		return r.finish(ctx, span, out)
	}
	if errors.Is(err, dbsession.ErrStoreUnavailable) {
		out.Status, out.Method, out.Cause = Unrecoverable, MethodMerge, err
		return r.finish(ctx, span, out)
	}
	zerolog.Ctx(ctx).Debug().Err(err).Uint("user_id", u.ID).Msg("merge failed, reloading")

	reloaded, err := h.Reload(ctx, u.ID)
	if err == nil && !reloaded.IsActive {
		err = dbsession.ErrInactive
	}
	if err != nil {
		out.Status, out.Method, out.Cause = Unrecoverable, MethodReload, err
		return r.finish(ctx, span, out)
	}
	out.Status, out.Method, out.User = Recovered, MethodReload, reloaded
	return r.finish(ctx, span, out)
}

// RecoverID is Recover for callers that only know the identifier.
func (r *Handler) RecoverID(ctx context.Context, id uint) Outcome {
	return r.Recover(ctx, &domain.User{ID: id})
}

func (r *Handler) finish(ctx context.Context, span trace.Span, out Outcome) Outcome {
	recoveries.WithLabelValues(out.Status.String(), string(out.Method)).Inc()

	l := zerolog.Ctx(ctx)
	if out.OK() {
		if out.Method != MethodAttached {
			l.Info().Uint("user_id", out.UserID).Str("method", string(out.Method)).Msg("detached principal recovered")
		}
	} else {
		l.Warn().Err(out.Cause).Uint("user_id", out.UserID).Str("method", string(out.Method)).Msg("principal unrecoverable")
	}

	if span != nil {
		span.SetAttributes(
			attribute.String("recovery.outcome", out.Status.String()),
			attribute.String("recovery.method", string(out.Method)),
		)
		if !out.OK() {
			span.RecordError(out.Cause)
			span.SetStatus(codes.Error, "principal unrecoverable")
		}
	}
	return out
}

// Accessor reads a value for an attached user through h.
type Accessor[T any] func(ctx context.Context, h *dbsession.Handle, u *domain.User) (T, error)

// Field turns a plain field read into an Accessor that refuses detached
// instances, so SafeGet can recover them before reading.
func Field[T any](read func(u *domain.User) T) Accessor[T] {
	return func(_ context.Context, h *dbsession.Handle, u *domain.User) (T, error) {
		if !h.Contains(u) {
			var zero T
			return zero, &dbsession.DetachedError{Entity: "User", ID: u.ID}
		}
		return read(u), nil
	}
}

// SafeGet runs get against u. On a detachment-class error it recovers u and
// retries exactly once. Any other failure, including a panic inside get,
// yields def.
func SafeGet[T any](ctx context.Context, r *Handler, u *domain.User, get Accessor[T], def T) T {
	if u == nil {
		return def
	}
	h, err := r.mgr.AcquireForRequest(ctx)
	if err != nil {
		return def
	}

	v, err := call(ctx, get, h, u)
	if err == nil {
		return v
	}
	if !dbsession.IsRecoverable(err) {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("safe get failed")
		return def
	}

	out := r.Recover(ctx, u)
	if !out.OK() {
		return def
	}
	if h, err = r.mgr.AcquireForRequest(ctx); err != nil {
		return def
	}
	if v, err = call(ctx, get, h, out.User); err != nil {
		return def
	}
	return v
}

func call[T any](ctx context.Context, get Accessor[T], h *dbsession.Handle, u *domain.User) (v T, err error) {
	defer func() {
		if p := recover(); p != nil {
			var zero T
			v, err = zero, errors.New("recovery: accessor panicked")
		}
	}()
	return get(ctx, h, u)
}
