// Package dbsession manages request-scoped database session handles.
//
// A Handle pins one pooled connection for the lifetime of a request and
// layers a small unit of work on top of it:
//
//   - reads run in autocommit mode on the pinned connection;
//   - writes are queued with Add, Delete or Enqueue and flushed atomically
//     by Commit inside a single transaction;
//   - an identity map guarantees one *domain.User instance per row per
//     handle, and is expired on Commit, Rollback and Close.
//
// Entities whose handle was closed or expired are "detached". Merge and
// Reload bring them back onto a live handle.
//
// The Manager hands out at most one Handle per request through a slot
// installed in the request context (see WithScope).
package dbsession

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-session-guard/internal/domain"
	"github.com/tbourn/go-session-guard/internal/repo"
)

// Handle is a request-scoped session over one pinned connection.
// All methods are safe for concurrent use, although a handle is normally
// used by a single request goroutine.
type Handle struct {
	id     string
	conn   *sql.Conn
	sess   *gorm.DB
	opened time.Time

	mu      sync.Mutex
	closed  bool
	users   map[uint]*domain.User
	pending []func(tx *gorm.DB) error
}

// open borrows a connection from root's pool and verifies it answers.
// Any failure is reported as ErrStoreUnavailable.
func open(ctx context.Context, root *gorm.DB) (*Handle, error) {
	sqlDB, err := root.DB()
	if err != nil {
		return nil, unavailable(err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, unavailable(err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, unavailable(err)
	}

	sess := root.Session(&gorm.Session{Context: ctx, NewDB: true})
	sess.Statement.ConnPool = conn

	return &Handle{
		id:     uuid.NewString(),
		conn:   conn,
		sess:   sess,
		opened: time.Now(),
		users:  make(map[uint]*domain.User),
	}, nil
}

// ID returns a random identifier, useful for correlating logs.
func (h *Handle) ID() string { return h.id }

// DB returns the GORM session bound to the pinned connection. Statements
// issued on it autocommit; use Enqueue for writes that must be atomic with
// the rest of the unit of work.
func (h *Handle) DB() *gorm.DB { return h.sess }

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Contains reports whether u is the instance this handle's identity map
// holds for its row.
func (h *Handle) Contains(u *domain.User) bool {
	if u == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed && h.users[u.ID] == u
}

// User returns the attached instance for id, loading it on first access.
func (h *Handle) User(ctx context.Context, id uint) (*domain.User, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHandleClosed
	}
	if u, ok := h.users[id]; ok {
		h.mu.Unlock()
		return u, nil
	}
	h.mu.Unlock()

	u, err := h.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return h.attach(u), nil
}

// Merge attaches a detached copy of a user to this handle and returns the
// attached instance, which may differ from u.
//
// If the handle already holds the row, its instance is returned once the
// store confirms the row still exists. Otherwise the row is loaded and
// attached provided it still carries the same version (UpdatedAt) as u; a
// changed row yields ErrStaleState. A deleted row yields ErrRowGone either
// way.
func (h *Handle) Merge(ctx context.Context, u *domain.User) (*domain.User, error) {
	if u == nil || u.ID == 0 {
		return nil, errors.New("dbsession: merge of transient user")
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHandleClosed
	}
	cur, held := h.users[u.ID]
	h.mu.Unlock()

	row, err := h.load(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	if held {
		return cur, nil
	}
	if !row.UpdatedAt.Equal(u.UpdatedAt) {
		return nil, ErrStaleState
	}
	return h.attach(row), nil
}

// Reload fetches the row for id unconditionally and replaces whatever the
// identity map held for it.
func (h *Handle) Reload(ctx context.Context, id uint) (*domain.User, error) {
	if h.Closed() {
		return nil, ErrHandleClosed
	}
	row, err := h.load(ctx, id)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHandleClosed
	}
	h.users[id] = row
	return row, nil
}

// Check reads the row for id past the identity map and reports ErrRowGone
// when it was deleted and ErrInactive when it was deactivated. Nothing is
// attached.
func (h *Handle) Check(ctx context.Context, id uint) error {
	if h.Closed() {
		return ErrHandleClosed
	}
	row, err := h.load(ctx, id)
	if err != nil {
		return err
	}
	if !row.IsActive {
		return ErrInactive
	}
	return nil
}

// Connections loads the platform connections of an attached user with an
// explicit query, in creation order. A user that is not attached to this
// handle yields a *DetachedError.
func (h *Handle) Connections(ctx context.Context, u *domain.User) ([]domain.PlatformConnection, error) {
	if u == nil {
		return nil, errors.New("dbsession: nil user")
	}
	h.mu.Lock()
	closed := h.closed
	attached := h.users[u.ID] == u
	h.mu.Unlock()

	switch {
	case closed:
		return nil, &DetachedError{Entity: "User", ID: u.ID, Attr: "connections", Err: ErrHandleClosed}
	case !attached:
		return nil, &DetachedError{Entity: "User", ID: u.ID, Attr: "connections"}
	}

	conns, err := repo.ListConnections(ctx, h.sess, u.ID)
	if err != nil {
		return nil, h.classify(err)
	}
	return conns, nil
}

// Add queues v for insert-or-update on the next Commit.
func (h *Handle) Add(v any) error {
	return h.Enqueue(func(tx *gorm.DB) error { return tx.Save(v).Error })
}

// Delete queues v for deletion on the next Commit.
func (h *Handle) Delete(v any) error {
	return h.Enqueue(func(tx *gorm.DB) error { return tx.Delete(v).Error })
}

// Enqueue queues an arbitrary write to run inside the Commit transaction.
func (h *Handle) Enqueue(op func(tx *gorm.DB) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	h.pending = append(h.pending, op)
	return nil
}

// Pending returns the number of queued writes.
func (h *Handle) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Commit flushes queued writes in a single transaction. On failure the
// transaction is rolled back and the queue discarded. Either way the
// identity map is expired, so attached instances must be reattached
// before further lazy access.
func (h *Handle) Commit(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHandleClosed
	}
	ops := h.pending
	h.pending = nil
	h.expireLocked()
	h.mu.Unlock()

	if len(ops) == 0 {
		commits.WithLabelValues("empty").Inc()
		return nil
	}

	err := h.sess.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, op := range ops {
			if err := op(tx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		commits.WithLabelValues("error").Inc()
		return err
	}
	commits.WithLabelValues("ok").Inc()
	return nil
}

// Rollback discards queued writes and expires the identity map.
func (h *Handle) Rollback() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	h.pending = nil
	h.expireLocked()
	return nil
}

// Close discards pending work and returns the connection to the pool.
// Only the first call has an effect.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.pending = nil
	h.expireLocked()
	h.mu.Unlock()

	if err := h.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}

func (h *Handle) load(ctx context.Context, id uint) (*domain.User, error) {
	u, err := repo.GetUser(ctx, h.sess, id)
	if err != nil {
		return nil, h.classify(err)
	}
	return u, nil
}

// attach registers u unless another instance for the same row won a race.
func (h *Handle) attach(u *domain.User) *domain.User {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.users[u.ID]; ok {
		return cur
	}
	h.users[u.ID] = u
	return u
}

func (h *Handle) expireLocked() {
	if len(h.users) > 0 {
		h.users = make(map[uint]*domain.User)
	}
}

// classify maps driver errors onto the session error vocabulary.
func (h *Handle) classify(err error) error {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return ErrRowGone
	case errors.Is(err, sql.ErrConnDone), h.Closed():
		return ErrHandleClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return unavailable(err)
	}
}

func (h *Handle) String() string {
	return fmt.Sprintf("dbsession.Handle(%s)", h.id)
}
