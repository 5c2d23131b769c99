package repo

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-session-guard/internal/domain"
)

// newRepoDB opens a migrated, file-backed SQLite database that is closed
// before TempDir cleanup.
func newRepoDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "repo.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

func seedUserTemplate(username string) *domain.User {
	return &domain.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "hash",
		Role:         domain.RoleViewer,
		IsActive:     true,
	}
}

func seedUser(t *testing.T, db *gorm.DB, username string) *domain.User {
	t.Helper()
	u := seedUserTemplate(username)
	if err := CreateUser(context.Background(), db, u); err != nil {
		t.Fatalf("seed user %s: %v", username, err)
	}
	return u
}

func TestOpenSQLite_ErrorOnBadPath(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "does-not-exist", "app.db")

	db, err := OpenSQLite(bad)
	if err == nil || db != nil {
		t.Fatalf("expected error opening %q, got db=%v err=%v", bad, db, err)
	}
	lower := strings.ToLower(err.Error())
	if !(os.IsNotExist(err) ||
		strings.Contains(lower, "unable to open database file") ||
		strings.Contains(lower, "no such file or directory")) {
		t.Fatalf("unexpected error opening %q: %v", bad, err)
	}
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	if _, err := OpenSQLite("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestOpenSQLite_PragmasOnEveryConnection(t *testing.T) {
	db := newRepoDB(t)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}

	// Pin two distinct connections; both must carry the PRAGMAs.
	ctx := context.Background()
	c1, err := sqlDB.Conn(ctx)
	if err != nil {
		t.Fatalf("conn 1: %v", err)
	}
	defer c1.Close()
	c2, err := sqlDB.Conn(ctx)
	if err != nil {
		t.Fatalf("conn 2: %v", err)
	}
	defer c2.Close()

	for _, conn := range []struct {
		name string
		q    func(string, any) error
	}{
		{"c1", func(q string, dst any) error { return c1.QueryRowContext(ctx, q).Scan(dst) }},
		{"c2", func(q string, dst any) error { return c2.QueryRowContext(ctx, q).Scan(dst) }},
	} {
		var fk, busy, sync int
		var journal string
		if err := conn.q("PRAGMA foreign_keys;", &fk); err != nil || fk != 1 {
			t.Fatalf("%s foreign_keys=%d err=%v", conn.name, fk, err)
		}
		if err := conn.q("PRAGMA busy_timeout;", &busy); err != nil || busy != 5000 {
			t.Fatalf("%s busy_timeout=%d err=%v", conn.name, busy, err)
		}
		if err := conn.q("PRAGMA synchronous;", &sync); err != nil || sync != 1 {
			t.Fatalf("%s synchronous=%d err=%v", conn.name, sync, err)
		}
		if err := conn.q("PRAGMA journal_mode;", &journal); err != nil || strings.ToLower(journal) != "wal" {
			t.Fatalf("%s journal_mode=%q err=%v", conn.name, journal, err)
		}
	}

	if stats := sqlDB.Stats(); stats.MaxOpenConnections != 10 {
		t.Fatalf("expected MaxOpenConnections=10, got %d", stats.MaxOpenConnections)
	}
}

func TestOpen_DispatchAndPool(t *testing.T) {
	db, err := Open(StoreConfig{
		Driver:          DriverSQLite,
		Path:            filepath.Join(t.TempDir(), "open.db"),
		MaxOpenConns:    3,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })

	if got := sqlDB.Stats().MaxOpenConnections; got != 3 {
		t.Fatalf("MaxOpenConnections = %d, want 3", got)
	}
	if err := Ping(context.Background(), db); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open(StoreConfig{Driver: "oracle"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestOpenPostgres_EmptyDSN(t *testing.T) {
	if _, err := OpenPostgres(""); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}

func TestPing_ClosedPool(t *testing.T) {
	db := newRepoDB(t)
	sqlDB, _ := db.DB()
	_ = sqlDB.Close()
	if err := Ping(context.Background(), db); err == nil {
		t.Fatalf("expected ping error on closed pool")
	}
}

func TestAutoMigrate_CreatesTables(t *testing.T) {
	db := newRepoDB(t)
	m := db.Migrator()
	for _, tbl := range []any{&domain.User{}, &domain.PlatformConnection{}, &domain.Idempotency{}} {
		if !m.HasTable(tbl) {
			t.Fatalf("expected table for %T to exist", tbl)
		}
	}
}

// Compile-time guard to ensure signature stability.
var _ func(string) (*gorm.DB, error) = OpenSQLite
