package dbsession

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Manager opens, hands out and releases request-scoped handles over a shared
// connection pool.
type Manager struct {
	db  *gorm.DB
	obs Observer
}

// Option configures a Manager.
type Option func(*Manager)

// WithObserver replaces the default metrics/logging observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.obs = o
		}
	}
}

// NewManager returns a Manager drawing connections from db's pool.
func NewManager(db *gorm.DB, opts ...Option) *Manager {
	m := &Manager{db: db, obs: DefaultObserver()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DB returns the pool-backed GORM handle. Use it only for work that is not
// tied to a request.
func (m *Manager) DB() *gorm.DB { return m.db }

// AcquireForRequest returns the handle for the request carried by ctx,
// opening one on first use. Repeated calls within a request return the
// same handle until it is released or closed; a closed handle is replaced
// transparently.
//
// Errors:
//   - ErrNoRequestScope: ctx was not prepared with WithScope.
//   - ErrStoreUnavailable: no connection could be obtained.
func (m *Manager) AcquireForRequest(ctx context.Context) (*Handle, error) {
	s, ok := ScopeFrom(ctx)
	if !ok {
		return nil, ErrNoRequestScope
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if h := s.handle; h != nil {
		if !h.Closed() {
			return h, nil
		}
		// Closed behind our back; account for it before replacing.
		m.obs.HandleReleased(ctx, h, time.Since(h.opened), nil)
		s.handle = nil
	}

	h, err := open(ctx, m.db)
	if err != nil {
		return nil, err
	}
	s.handle = h
	m.obs.HandleOpened(ctx, h)
	return h, nil
}

// Current returns the handle already acquired for the request, or nil.
// It never opens a connection.
func (m *Manager) Current(ctx context.Context) *Handle {
	s, ok := ScopeFrom(ctx)
	if !ok {
		return nil
	}
	return s.Handle()
}

// ReleaseForRequest closes the request's handle and returns its connection
// to the pool. Calling it again, or when nothing was acquired, is a no-op.
// A failure to close is returned as a *TeardownError.
func (m *Manager) ReleaseForRequest(ctx context.Context) error {
	s, ok := ScopeFrom(ctx)
	if !ok {
		return nil
	}

	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()

	if h == nil {
		return nil
	}

	err := h.Close()
	m.obs.HandleReleased(ctx, h, time.Since(h.opened), err)
	if err != nil {
		return &TeardownError{Op: "release", Err: err}
	}
	return nil
}

// ScopedTransaction runs fn against the request's handle and commits the
// unit of work when fn returns nil. If fn returns an error or panics, or if
// the commit itself fails, queued work is rolled back and the error (or
// panic) is propagated unchanged.
//
// Called outside a request scope, it opens a private scope that is released
// before returning.
func (m *Manager) ScopedTransaction(ctx context.Context, fn func(h *Handle) error) (err error) {
	h, err := m.AcquireForRequest(ctx)
	if errors.Is(err, ErrNoRequestScope) {
		ctx, _ = WithScope(ctx)
		defer func() {
			if rerr := m.ReleaseForRequest(ctx); rerr != nil && err == nil {
				err = rerr
			}
		}()
		h, err = m.AcquireForRequest(ctx)
	}
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = h.Rollback()
			panic(p)
		}
	}()

	if err = fn(h); err != nil {
		_ = h.Rollback()
		return err
	}
	if err = h.Commit(ctx); err != nil {
		_ = h.Rollback()
		return err
	}
	return nil
}
