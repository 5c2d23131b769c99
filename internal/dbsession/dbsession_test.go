package dbsession

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-session-guard/internal/domain"
	"github.com/tbourn/go-session-guard/internal/repo"
)

type countingObserver struct {
	mu       sync.Mutex
	opened   int
	released int
	errs     []error
}

func (o *countingObserver) HandleOpened(context.Context, *Handle) {
	o.mu.Lock()
	o.opened++
	o.mu.Unlock()
}

func (o *countingObserver) HandleReleased(_ context.Context, _ *Handle, _ time.Duration, err error) {
	o.mu.Lock()
	o.released++
	o.errs = append(o.errs, err)
	o.mu.Unlock()
}

func (o *countingObserver) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened, o.released
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.Logger = logger.Default.LogMode(logger.Silent)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedUser(t *testing.T, db *gorm.DB, name string) *domain.User {
	t.Helper()
	u := &domain.User{
		Username:     name,
		Email:        name + "@example.com",
		PasswordHash: "x",
		Role:         domain.RoleViewer,
		IsActive:     true,
	}
	if err := repo.CreateUser(context.Background(), db, u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

func newConn(userID uint, name string) *domain.PlatformConnection {
	return &domain.PlatformConnection{
		UserID:           userID,
		Name:             name,
		PlatformType:     domain.PlatformPixelfed,
		InstanceURL:      "https://pix.example",
		AccessTokenEnc:   "enc",
		AccessTokenNonce: "nonce",
		IsActive:         true,
	}
}

func newManager(t *testing.T) (*Manager, *countingObserver, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	obs := &countingObserver{}
	return NewManager(db, WithObserver(obs)), obs, db
}

func TestAcquire_NoScope(t *testing.T) {
	m, _, _ := newManager(t)
	if _, err := m.AcquireForRequest(context.Background()); !errors.Is(err, ErrNoRequestScope) {
		t.Fatalf("expected ErrNoRequestScope, got %v", err)
	}
	if err := m.ReleaseForRequest(context.Background()); err != nil {
		t.Fatalf("release without scope should be a no-op, got %v", err)
	}
}

func TestAcquire_SameHandleWithinRequest(t *testing.T) {
	m, obs, _ := newManager(t)
	ctx, _ := WithScope(context.Background())

	h1, err := m.AcquireForRequest(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h2, err := m.AcquireForRequest(ctx)
	if err != nil {
		t.Fatalf("acquire again: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected the same handle within one request")
	}
	if m.Current(ctx) != h1 {
		t.Fatalf("Current should return the acquired handle")
	}
	if opened, _ := obs.counts(); opened != 1 {
		t.Fatalf("expected 1 open, got %d", opened)
	}

	// WithScope on a scoped context keeps the existing slot.
	ctx2, _ := WithScope(ctx)
	if h3, _ := m.AcquireForRequest(ctx2); h3 != h1 {
		t.Fatalf("nested WithScope must not create a new slot")
	}
}

func TestRelease_IdempotentAndReturnsConnection(t *testing.T) {
	m, obs, db := newManager(t)
	ctx, _ := WithScope(context.Background())

	h, err := m.AcquireForRequest(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	sqlDB, _ := db.DB()
	if inUse := sqlDB.Stats().InUse; inUse != 1 {
		t.Fatalf("expected 1 connection in use, got %d", inUse)
	}

	for i := 0; i < 3; i++ {
		if err := m.ReleaseForRequest(ctx); err != nil {
			t.Fatalf("release #%d: %v", i+1, err)
		}
	}
	if !h.Closed() {
		t.Fatalf("handle should be closed after release")
	}
	if _, released := obs.counts(); released != 1 {
		t.Fatalf("expected exactly one release, got %d", released)
	}
	if inUse := sqlDB.Stats().InUse; inUse != 0 {
		t.Fatalf("connection not returned to pool, in use=%d", inUse)
	}
	if m.Current(ctx) != nil {
		t.Fatalf("scope should be empty after release")
	}
}

func TestAcquire_ReplacesClosedHandle(t *testing.T) {
	m, obs, _ := newManager(t)
	ctx, _ := WithScope(context.Background())

	h1, _ := m.AcquireForRequest(ctx)
	if err := h1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	h2, err := m.AcquireForRequest(ctx)
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if h2 == h1 || h2.Closed() {
		t.Fatalf("expected a fresh open handle")
	}
	opened, released := obs.counts()
	if opened != 2 || released != 1 {
		t.Fatalf("expected opened=2 released=1, got %d/%d", opened, released)
	}
	_ = m.ReleaseForRequest(ctx)
}

func TestAcquire_StoreUnavailable(t *testing.T) {
	m, _, db := newManager(t)
	sqlDB, _ := db.DB()
	_ = sqlDB.Close()

	ctx, s := WithScope(context.Background())
	_, err := m.AcquireForRequest(ctx)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if s.Handle() != nil {
		t.Fatalf("failed acquire must leave the slot empty")
	}
}

func TestConcurrentRequests_SeparateHandlesAndInstances(t *testing.T) {
	m, _, db := newManager(t)
	u := seedUser(t, db, "shared")

	const n = 2
	var (
		wg      sync.WaitGroup
		ready   sync.WaitGroup
		handles [n]*Handle
		users   [n]*domain.User
		errs    [n]error
	)
	ready.Add(n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			ctx, _ := WithScope(context.Background())
			defer m.ReleaseForRequest(ctx)

			h, err := m.AcquireForRequest(ctx)
			if err != nil {
				errs[i] = err
				ready.Done()
				return
			}
			handles[i] = h
			users[i], errs[i] = h.User(ctx, u.ID)
			// Hold both handles open at the same time.
			ready.Done()
			ready.Wait()
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if handles[0] == handles[1] {
		t.Fatalf("concurrent requests must not share a handle")
	}
	if users[0] == users[1] {
		t.Fatalf("concurrent requests must not share an entity instance")
	}
	if users[0].ID != u.ID || users[1].ID != u.ID {
		t.Fatalf("both requests should see user %d", u.ID)
	}
}

func TestHandle_IdentityMapExpiresOnCommit(t *testing.T) {
	m, _, db := newManager(t)
	u := seedUser(t, db, "ident")
	ctx, _ := WithScope(context.Background())
	defer m.ReleaseForRequest(ctx)

	h, _ := m.AcquireForRequest(ctx)
	a, err := h.User(ctx, u.ID)
	if err != nil {
		t.Fatalf("User: %v", err)
	}
	b, _ := h.User(ctx, u.ID)
	if a != b || !h.Contains(a) {
		t.Fatalf("identity map should return the same instance")
	}

	if err := h.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if h.Contains(a) {
		t.Fatalf("commit should expire attached instances")
	}
	c, _ := h.User(ctx, u.ID)
	if c == a {
		t.Fatalf("expected a fresh instance after expiry")
	}
}

func TestHandle_MergeStaleReloadAndGone(t *testing.T) {
	m, _, db := newManager(t)
	u := seedUser(t, db, "merge")

	// Detached copy from an earlier request.
	ctx1, _ := WithScope(context.Background())
	h1, _ := m.AcquireForRequest(ctx1)
	detached, err := h1.User(ctx1, u.ID)
	if err != nil {
		t.Fatalf("User: %v", err)
	}
	_ = m.ReleaseForRequest(ctx1)
	if h1.Contains(detached) {
		t.Fatalf("closed handle must not contain anything")
	}

	ctx2, _ := WithScope(context.Background())
	defer m.ReleaseForRequest(ctx2)
	h2, _ := m.AcquireForRequest(ctx2)

	merged, err := h2.Merge(ctx2, detached)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !h2.Contains(merged) || merged.Username != detached.Username || merged.ID != detached.ID {
		t.Fatalf("merged instance mismatch: %+v", merged)
	}
	again, _ := h2.Merge(ctx2, detached)
	if again != merged {
		t.Fatalf("second merge should return the attached instance")
	}

	// Row changes under the detached copy.
	if err := db.Model(&domain.User{}).Where("id = ?", u.ID).
		Updates(map[string]any{"email": "new@example.com", "updated_at": time.Now().Add(time.Hour)}).Error; err != nil {
		t.Fatalf("update: %v", err)
	}
	_ = h2.Rollback()
	if _, err := h2.Merge(ctx2, detached); !errors.Is(err, ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}
	fresh, err := h2.Reload(ctx2, u.ID)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if fresh.Email != "new@example.com" || !h2.Contains(fresh) {
		t.Fatalf("reload should attach the current row, got %+v", fresh)
	}

	if err := repo.DeleteUser(context.Background(), db, u.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_ = h2.Rollback()
	if _, err := h2.Merge(ctx2, detached); !errors.Is(err, ErrRowGone) {
		t.Fatalf("expected ErrRowGone from merge, got %v", err)
	}
	if _, err := h2.Reload(ctx2, u.ID); !errors.Is(err, ErrRowGone) {
		t.Fatalf("expected ErrRowGone from reload, got %v", err)
	}
}

func TestHandle_MergeHeldRowConfirmsExistence(t *testing.T) {
	m, _, db := newManager(t)
	u := seedUser(t, db, "held")

	ctx, _ := WithScope(context.Background())
	defer m.ReleaseForRequest(ctx)
	h, _ := m.AcquireForRequest(ctx)
	held, err := h.User(ctx, u.ID)
	if err != nil {
		t.Fatalf("User: %v", err)
	}
	if got, err := h.Merge(ctx, &domain.User{ID: u.ID}); err != nil || got != held {
		t.Fatalf("Merge of held row = %p, %v; want %p", got, err, held)
	}

	if err := repo.DeleteUser(context.Background(), db, u.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.Merge(ctx, &domain.User{ID: u.ID}); !errors.Is(err, ErrRowGone) {
		t.Fatalf("expected ErrRowGone for a held but deleted row, got %v", err)
	}
}

func TestHandle_Check(t *testing.T) {
	m, _, db := newManager(t)
	u := seedUser(t, db, "check")

	ctx, _ := WithScope(context.Background())
	h, _ := m.AcquireForRequest(ctx)
	held, _ := h.User(ctx, u.ID)

	if err := h.Check(ctx, u.ID); err != nil {
		t.Fatalf("Check active row: %v", err)
	}
	if err := db.Model(&domain.User{}).Where("id = ?", u.ID).Update("is_active", false).Error; err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := h.Check(ctx, u.ID); !errors.Is(err, ErrInactive) {
		t.Fatalf("expected ErrInactive, got %v", err)
	}
	if !held.IsActive || !h.Contains(held) {
		t.Fatalf("Check must not touch the identity map")
	}
	if err := h.Check(ctx, u.ID+100); !errors.Is(err, ErrRowGone) {
		t.Fatalf("expected ErrRowGone, got %v", err)
	}

	_ = m.ReleaseForRequest(ctx)
	if err := h.Check(ctx, u.ID); !errors.Is(err, ErrHandleClosed) {
		t.Fatalf("expected ErrHandleClosed, got %v", err)
	}
}

func TestHandle_ConnectionsRequiresAttachment(t *testing.T) {
	m, _, db := newManager(t)
	u := seedUser(t, db, "rel")
	ctx, _ := WithScope(context.Background())
	defer m.ReleaseForRequest(ctx)
	h, _ := m.AcquireForRequest(ctx)

	_, err := h.Connections(ctx, &domain.User{ID: u.ID})
	var de *DetachedError
	if !errors.As(err, &de) || !errors.Is(err, ErrDetachedEntity) || de.Attr != "connections" {
		t.Fatalf("expected DetachedError for unattached user, got %v", err)
	}

	attached, _ := h.User(ctx, u.ID)
	if err := h.Add(newConn(u.ID, "a")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := h.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// Commit expired the instance.
	if _, err := h.Connections(ctx, attached); !IsRecoverable(err) {
		t.Fatalf("expected recoverable error after expiry, got %v", err)
	}
	attached, _ = h.User(ctx, u.ID)
	conns, err := h.Connections(ctx, attached)
	if err != nil || len(conns) != 1 || conns[0].Name != "a" {
		t.Fatalf("Connections = %+v, %v", conns, err)
	}

	_ = h.Close()
	if _, err := h.Connections(ctx, attached); !errors.Is(err, ErrHandleClosed) || !errors.Is(err, ErrDetachedEntity) {
		t.Fatalf("expected detached/closed error, got %v", err)
	}
}

func TestHandle_ClosedOperations(t *testing.T) {
	m, _, db := newManager(t)
	u := seedUser(t, db, "closed")
	ctx, _ := WithScope(context.Background())
	h, _ := m.AcquireForRequest(ctx)

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
	if _, err := h.User(ctx, u.ID); !errors.Is(err, ErrHandleClosed) {
		t.Fatalf("User on closed handle: %v", err)
	}
	if _, err := h.Merge(ctx, u); !errors.Is(err, ErrHandleClosed) {
		t.Fatalf("Merge on closed handle: %v", err)
	}
	if err := h.Add(newConn(u.ID, "x")); !errors.Is(err, ErrHandleClosed) {
		t.Fatalf("Add on closed handle: %v", err)
	}
	if err := h.Commit(ctx); !errors.Is(err, ErrHandleClosed) {
		t.Fatalf("Commit on closed handle: %v", err)
	}
	if err := h.Rollback(); !errors.Is(err, ErrHandleClosed) {
		t.Fatalf("Rollback on closed handle: %v", err)
	}
	_ = m.ReleaseForRequest(ctx)
}

func TestScopedTransaction_CommitOnSuccess(t *testing.T) {
	m, _, db := newManager(t)
	u := seedUser(t, db, "txok")
	ctx, _ := WithScope(context.Background())
	defer m.ReleaseForRequest(ctx)

	err := m.ScopedTransaction(ctx, func(h *Handle) error {
		if err := h.Add(newConn(u.ID, "one")); err != nil {
			return err
		}
		return h.Add(newConn(u.ID, "two"))
	})
	if err != nil {
		t.Fatalf("ScopedTransaction: %v", err)
	}
	if n, _ := repo.CountConnections(context.Background(), db, u.ID); n != 2 {
		t.Fatalf("expected 2 committed connections, got %d", n)
	}
}

func TestScopedTransaction_RollbackOnError(t *testing.T) {
	m, _, db := newManager(t)
	u := seedUser(t, db, "txerr")
	ctx, _ := WithScope(context.Background())
	defer m.ReleaseForRequest(ctx)

	boom := errors.New("boom")
	err := m.ScopedTransaction(ctx, func(h *Handle) error {
		_ = h.Add(newConn(u.ID, "never"))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected original error, got %v", err)
	}
	if n, _ := repo.CountConnections(context.Background(), db, u.ID); n != 0 {
		t.Fatalf("expected rollback, found %d connections", n)
	}
	if h := m.Current(ctx); h == nil || h.Pending() != 0 {
		t.Fatalf("pending work should be discarded")
	}
}

func TestScopedTransaction_RollbackOnFailedCommit(t *testing.T) {
	m, _, db := newManager(t)
	u := seedUser(t, db, "txcommit")
	ctx, _ := WithScope(context.Background())
	defer m.ReleaseForRequest(ctx)

	// Second insert violates ux_conn_user_name; the first must not survive.
	err := m.ScopedTransaction(ctx, func(h *Handle) error {
		_ = h.Add(newConn(u.ID, "dup"))
		return h.Add(newConn(u.ID, "dup"))
	})
	if err == nil || !repo.IsUniqueViolation(err) {
		t.Fatalf("expected unique violation from commit, got %v", err)
	}
	if n, _ := repo.CountConnections(context.Background(), db, u.ID); n != 0 {
		t.Fatalf("failed commit must roll back everything, found %d", n)
	}
}

func TestScopedTransaction_PanicRollsBackAndPropagates(t *testing.T) {
	m, _, db := newManager(t)
	u := seedUser(t, db, "txpanic")
	ctx, _ := WithScope(context.Background())
	defer m.ReleaseForRequest(ctx)

	func() {
		defer func() {
			if p := recover(); p != "kaboom" {
				t.Fatalf("expected panic to propagate, got %v", p)
			}
		}()
		_ = m.ScopedTransaction(ctx, func(h *Handle) error {
			_ = h.Add(newConn(u.ID, "lost"))
			panic("kaboom")
		})
	}()

	if h := m.Current(ctx); h == nil || h.Pending() != 0 {
		t.Fatalf("pending work should be rolled back after panic")
	}
	if err := m.Current(ctx).Commit(ctx); err != nil {
		t.Fatalf("commit after rollback: %v", err)
	}
	if n, _ := repo.CountConnections(context.Background(), db, u.ID); n != 0 {
		t.Fatalf("expected nothing written, found %d", n)
	}
}

func TestScopedTransaction_WithoutRequestScope(t *testing.T) {
	m, obs, db := newManager(t)
	u := seedUser(t, db, "noscope")

	err := m.ScopedTransaction(context.Background(), func(h *Handle) error {
		return h.Add(newConn(u.ID, "bg"))
	})
	if err != nil {
		t.Fatalf("ScopedTransaction: %v", err)
	}
	if opened, released := obs.counts(); opened != 1 || released != 1 {
		t.Fatalf("private scope should open and release once, got %d/%d", opened, released)
	}
	if n, _ := repo.CountConnections(context.Background(), db, u.ID); n != 1 {
		t.Fatalf("expected 1 connection, got %d", n)
	}
}

func TestErrors_Matching(t *testing.T) {
	pu := &PrincipalUnavailableError{UserID: 7, Err: ErrRowGone}
	if !errors.Is(pu, ErrPrincipalUnavailable) || !errors.Is(pu, ErrRowGone) {
		t.Fatalf("PrincipalUnavailableError should match both sentinels")
	}
	td := &TeardownError{Op: "commit", Err: ErrStoreUnavailable}
	if !errors.Is(td, ErrStoreUnavailable) || td.Error() != "teardown commit: store unavailable" {
		t.Fatalf("unexpected TeardownError: %v", td)
	}
	if !errors.Is(unavailable(errors.New("dial")), ErrStoreUnavailable) {
		t.Fatalf("unavailable should wrap ErrStoreUnavailable")
	}
	if IsRecoverable(ErrRowGone) {
		t.Fatalf("row gone is not recoverable by reattachment")
	}
}
