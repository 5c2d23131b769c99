package dbsession

import (
	"context"
	"sync"
)

type scopeKey struct{}

// Scope is the per-request slot holding at most one Handle. It is created by
// WithScope at the start of a request and travels in the request context,
// so nothing about a request's session is stored in package or goroutine
// state.
type Scope struct {
	mu     sync.Mutex
	handle *Handle
}

// WithScope returns a child context carrying a fresh, empty Scope. A context
// that already carries a scope is returned unchanged.
func WithScope(ctx context.Context) (context.Context, *Scope) {
	if s, ok := ScopeFrom(ctx); ok {
		return ctx, s
	}
	s := &Scope{}
	return context.WithValue(ctx, scopeKey{}, s), s
}

// ScopeFrom returns the Scope installed by WithScope, if any.
func ScopeFrom(ctx context.Context) (*Scope, bool) {
	if ctx == nil {
		return nil, false
	}
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok && s != nil
}

// Handle returns the handle currently held by the scope, or nil.
func (s *Scope) Handle() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}
