// Package services – ConnectionService
//
// This file implements the ConnectionService, which manages the platform
// connections owned by the current principal. Reads go through the request's
// session handle (or through the principal proxy for the cached list); writes
// are queued on the handle and flushed in one transaction by
// Manager.ScopedTransaction, so the default-connection rule is checked and
// repaired atomically with the change that could break it:
//
//   - among active connections at most one is default;
//   - the first active connection of a principal becomes the default;
//   - deactivating or deleting the default promotes the earliest-created
//     remaining active connection.
//
// Access tokens are encrypted before they reach the repository and are never
// returned by this service.
package services

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-session-guard/internal/crypto"
	"github.com/tbourn/go-session-guard/internal/dbsession"
	"github.com/tbourn/go-session-guard/internal/domain"
	"github.com/tbourn/go-session-guard/internal/principal"
	"github.com/tbourn/go-session-guard/internal/repo"
	"github.com/tbourn/go-session-guard/internal/utils"
)

const (
	// MaxNameRunes caps connection names.
	MaxNameRunes = 100

	// IdempotencyTTL is how long a recorded create can be replayed when
	// ReplayTTL is unset.
	IdempotencyTTL = 24 * time.Hour
)

// ConnectionRepo defines the repository contract required by ConnectionService.
type ConnectionRepo interface {
	// ListConnections returns every connection of the user in creation order.
	ListConnections(ctx context.Context, db *gorm.DB, userID uint) ([]domain.PlatformConnection, error)

	// CountConnections returns the total number of connections for pagination.
	CountConnections(ctx context.Context, db *gorm.DB, userID uint) (int64, error)

	// ListConnectionsPage returns a page of connections in creation order.
	ListConnectionsPage(ctx context.Context, db *gorm.DB, userID uint, offset, limit int) ([]domain.PlatformConnection, error)

	// ConnectionsStats returns the count and latest update time (ETag input).
	ConnectionsStats(ctx context.Context, db *gorm.DB, userID uint) (int64, *time.Time, error)

	// GetConnection fetches a connection ensuring it belongs to the user.
	GetConnection(ctx context.Context, db *gorm.DB, id, userID uint) (*domain.PlatformConnection, error)

	// CreateConnection inserts c and fills its ID.
	CreateConnection(ctx context.Context, db *gorm.DB, c *domain.PlatformConnection) error

	// UpdateConnectionFields applies a partial update (only if owned by the user).
	UpdateConnectionFields(ctx context.Context, db *gorm.DB, id, userID uint, fields map[string]any) error

	// ClearDefaults un-defaults every connection of the user except exceptID.
	ClearDefaults(ctx context.Context, db *gorm.DB, userID, exceptID uint) error

	// FirstActiveConnection returns the earliest active connection, skipping excludeID.
	FirstActiveConnection(ctx context.Context, db *gorm.DB, userID, excludeID uint) (*domain.PlatformConnection, error)

	// DeleteConnection removes a connection owned by the user.
	DeleteConnection(ctx context.Context, db *gorm.DB, id, userID uint) error

	// GetIdempotency returns a non-expired idempotency record or repo.ErrNotFound.
	GetIdempotency(ctx context.Context, db *gorm.DB, userID uint, scope, key string, now time.Time) (*domain.Idempotency, error)

	// CreateIdempotency stores the outcome of a request; repo.ErrDuplicate on conflict.
	CreateIdempotency(ctx context.Context, db *gorm.DB, userID uint, scope, key string, resourceID uint, status int, ttl time.Duration) (*domain.Idempotency, error)
}

// ConnectionInput carries the fields of a new connection.
type ConnectionInput struct {
	Name         string
	PlatformType domain.PlatformType
	InstanceURL  string
	Username     string
	AccessToken  string
	MakeDefault  bool

	// IdempotencyScope and IdempotencyKey, when both set, record the created
	// connection in the same transaction so a retry can be replayed.
	IdempotencyScope string
	IdempotencyKey   string
}

// ConnectionPatch carries a partial update; nil fields are left unchanged.
type ConnectionPatch struct {
	Name        *string
	InstanceURL *string
	Username    *string
	AccessToken *string
	IsActive    *bool
}

// ConnectionService provides connection-level operations for the principal
// of the current request.
type ConnectionService struct {
	// Sessions hands out the request-scoped handle and runs scoped transactions.
	Sessions *dbsession.Manager
	// Repo is the connection repository used by this service.
	Repo ConnectionRepo
	// Cipher encrypts access tokens at rest.
	Cipher *crypto.Cipher
	// ReplayTTL overrides IdempotencyTTL when positive.
	ReplayTTL time.Duration

	tracer trace.Tracer
}

// NewConnectionService constructs a ConnectionService.
func NewConnectionService(mgr *dbsession.Manager, r ConnectionRepo, c *crypto.Cipher) *ConnectionService {
	return &ConnectionService{
		Sessions: mgr,
		Repo:     r,
		Cipher:   c,
		tracer:   otel.Tracer("services/ConnectionService"),
	}
}

// List returns all connections of p in creation order, served from the
// principal's cache when it is still valid for this request.
func (s *ConnectionService) List(ctx context.Context, p *principal.Principal) ([]domain.PlatformConnection, error) {
	return p.Connections(ctx)
}

// Default returns the default connection of p, or nil when p has no active
// connection.
func (s *ConnectionService) Default(ctx context.Context, p *principal.Principal) (*domain.PlatformConnection, error) {
	return p.DefaultConnection(ctx)
}

// ListPage returns a page of connections for userID (paginated).
// Page bounds follow utils.ClampPage; the total count is returned too.
func (s *ConnectionService) ListPage(ctx context.Context, userID uint, page, pageSize int) ([]domain.PlatformConnection, int64, error) {
	page, pageSize = utils.ClampPage(page, pageSize)
	offset := utils.Offset(page, pageSize)

	h, err := s.Sessions.AcquireForRequest(ctx)
	if err != nil {
		return nil, 0, err
	}

	total, err := s.Repo.CountConnections(ctx, h.DB(), userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.PlatformConnection{}, 0, nil
	}

	items, err := s.Repo.ListConnectionsPage(ctx, h.DB(), userID, offset, pageSize)
	return items, total, err
}

// Stats returns the number of connections and the latest update time of
// userID, used to derive list ETags.
func (s *ConnectionService) Stats(ctx context.Context, userID uint) (int64, *time.Time, error) {
	h, err := s.Sessions.AcquireForRequest(ctx)
	if err != nil {
		return 0, nil, err
	}
	return s.Repo.ConnectionsStats(ctx, h.DB(), userID)
}

// Get returns one connection owned by userID.
func (s *ConnectionService) Get(ctx context.Context, userID, id uint) (*domain.PlatformConnection, error) {
	h, err := s.Sessions.AcquireForRequest(ctx)
	if err != nil {
		return nil, err
	}
	c, err := s.Repo.GetConnection(ctx, h.DB(), id, userID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return c, nil
}

// Create validates in, encrypts the access token and inserts a new active
// connection for p. The connection becomes the default when requested or
// when p has no other active connection.
func (s *ConnectionService) Create(ctx context.Context, p *principal.Principal, in ConnectionInput) (*domain.PlatformConnection, error) {
	name, err := normalizeName(in.Name)
	if err != nil {
		return nil, err
	}
	if !in.PlatformType.Valid() {
		return nil, ErrInvalidPlatform
	}
	instance, err := normalizeInstanceURL(in.InstanceURL)
	if err != nil {
		return nil, err
	}
	token := strings.TrimSpace(in.AccessToken)
	if token == "" {
		return nil, ErrMissingCredential
	}
	enc, nonce, err := s.Cipher.Encrypt(token)
	if err != nil {
		return nil, err
	}

	uid := p.ID()
	c := &domain.PlatformConnection{
		UserID:           uid,
		Name:             name,
		PlatformType:     in.PlatformType,
		InstanceURL:      instance,
		Username:         strings.TrimSpace(in.Username),
		AccessTokenEnc:   enc,
		AccessTokenNonce: nonce,
		IsActive:         true,
		IsDefault:        in.MakeDefault,
	}

	err = s.write(ctx, "Create", p, func(tx *gorm.DB) error {
		if !c.IsDefault {
			_, err := s.Repo.FirstActiveConnection(ctx, tx, uid, 0)
			switch {
			case errors.Is(err, repo.ErrNotFound):
				c.IsDefault = true
			case err != nil:
				return err
			}
		}
		if err := s.Repo.CreateConnection(ctx, tx, c); err != nil {
			return mapRepoErr(err)
		}
		if c.IsDefault {
			if err := s.Repo.ClearDefaults(ctx, tx, uid, c.ID); err != nil {
				return err
			}
		}
		if in.IdempotencyScope != "" && in.IdempotencyKey != "" {
			_, err := s.Repo.CreateIdempotency(ctx, tx, uid, in.IdempotencyScope, in.IdempotencyKey, c.ID, http.StatusCreated, s.replayTTL())
			switch {
			case errors.Is(err, repo.ErrDuplicate):
				return ErrReplayInFlight
			case err != nil:
				return err
			}
		}
		return s.reconcileDefault(ctx, tx, uid)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Replayed returns the connection recorded for (userID, scope, key), or
// (nil, nil) when no live record exists or the connection is gone.
func (s *ConnectionService) Replayed(ctx context.Context, userID uint, scope, key string) (*domain.PlatformConnection, error) {
	h, err := s.Sessions.AcquireForRequest(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := s.Repo.GetIdempotency(ctx, h.DB(), userID, scope, key, time.Now().UTC())
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c, err := s.Repo.GetConnection(ctx, h.DB(), rec.ResourceID, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	return c, err
}

func (s *ConnectionService) replayTTL() time.Duration {
	if s.ReplayTTL > 0 {
		return s.ReplayTTL
	}
	return IdempotencyTTL
}

// HasReplay reports whether a live idempotency record exists. Its signature
// matches middleware.IdempotencyLookup.
func (s *ConnectionService) HasReplay(ctx context.Context, userID uint, scope, key string, now time.Time) (bool, error) {
	h, err := s.Sessions.AcquireForRequest(ctx)
	if err != nil {
		return false, err
	}
	_, err = s.Repo.GetIdempotency(ctx, h.DB(), userID, scope, key, now)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// Update applies patch to connection id of p. Reactivating a connection may
// make it the default; deactivating the default promotes another one.
func (s *ConnectionService) Update(ctx context.Context, p *principal.Principal, id uint, patch ConnectionPatch) error {
	fields := map[string]any{}
	if patch.Name != nil {
		name, err := normalizeName(*patch.Name)
		if err != nil {
			return err
		}
		fields["name"] = name
	}
	if patch.InstanceURL != nil {
		instance, err := normalizeInstanceURL(*patch.InstanceURL)
		if err != nil {
			return err
		}
		fields["instance_url"] = instance
	}
	if patch.Username != nil {
		fields["username"] = strings.TrimSpace(*patch.Username)
	}
	if patch.AccessToken != nil {
		token := strings.TrimSpace(*patch.AccessToken)
		if token == "" {
			return ErrMissingCredential
		}
		enc, nonce, err := s.Cipher.Encrypt(token)
		if err != nil {
			return err
		}
		fields["access_token_enc"] = enc
		fields["access_token_nonce"] = nonce
	}
	if patch.IsActive != nil {
		fields["is_active"] = *patch.IsActive
		if !*patch.IsActive {
			fields["is_default"] = false
		}
	}

	uid := p.ID()
	return s.write(ctx, "Update", p, func(tx *gorm.DB) error {
		if _, err := s.Repo.GetConnection(ctx, tx, id, uid); err != nil {
			return mapRepoErr(err)
		}
		if len(fields) > 0 {
			if err := s.Repo.UpdateConnectionFields(ctx, tx, id, uid, fields); err != nil {
				return mapRepoErr(err)
			}
		}
		return s.reconcileDefault(ctx, tx, uid)
	})
}

// SetDefault makes connection id the default of p and clears the flag on
// every other connection.
func (s *ConnectionService) SetDefault(ctx context.Context, p *principal.Principal, id uint) error {
	uid := p.ID()
	return s.write(ctx, "SetDefault", p, func(tx *gorm.DB) error {
		c, err := s.Repo.GetConnection(ctx, tx, id, uid)
		if err != nil {
			return mapRepoErr(err)
		}
		if !c.IsActive {
			return ErrConnectionInactive
		}
		if err := s.Repo.ClearDefaults(ctx, tx, uid, id); err != nil {
			return err
		}
		if c.IsDefault {
			return nil
		}
		return s.Repo.UpdateConnectionFields(ctx, tx, id, uid, map[string]any{"is_default": true})
	})
}

// Deactivate marks connection id inactive.
func (s *ConnectionService) Deactivate(ctx context.Context, p *principal.Principal, id uint) error {
	inactive := false
	return s.Update(ctx, p, id, ConnectionPatch{IsActive: &inactive})
}

// Delete removes connection id of p.
func (s *ConnectionService) Delete(ctx context.Context, p *principal.Principal, id uint) error {
	uid := p.ID()
	return s.write(ctx, "Delete", p, func(tx *gorm.DB) error {
		if err := s.Repo.DeleteConnection(ctx, tx, id, uid); err != nil {
			return mapRepoErr(err)
		}
		return s.reconcileDefault(ctx, tx, uid)
	})
}

// write queues op on the request's handle and commits it in one transaction.
// The principal's cached connections are dropped whatever the result.
func (s *ConnectionService) write(ctx context.Context, name string, p *principal.Principal, op func(tx *gorm.DB) error) error {
	ctx, span := s.tracer.Start(ctx, name,
		trace.WithAttributes(attribute.Int64("user.id", int64(p.ID()))),
	)
	defer span.End()

	err := s.Sessions.ScopedTransaction(ctx, func(h *dbsession.Handle) error {
		return h.Enqueue(op)
	})
	p.Invalidate()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connection write failed")
	}
	return err
}

// reconcileDefault rewrites is_default flags so that exactly the connection
// principal.PickDefault selects carries it.
func (s *ConnectionService) reconcileDefault(ctx context.Context, tx *gorm.DB, userID uint) error {
	conns, err := s.Repo.ListConnections(ctx, tx, userID)
	if err != nil {
		return err
	}
	want := principal.PickDefault(conns)
	for _, c := range conns {
		isDefault := want != nil && c.ID == want.ID
		if c.IsDefault == isDefault {
			continue
		}
		if err := s.Repo.UpdateConnectionFields(ctx, tx, c.ID, userID, map[string]any{"is_default": isDefault}); err != nil {
			return err
		}
	}
	return nil
}

func mapRepoErr(err error) error {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return ErrConnectionNotFound
	case repo.IsUniqueViolation(err):
		return ErrDuplicateName
	}
	return err
}

// normalizeName trims whitespace, collapses inner runs and checks length.
func normalizeName(s string) (string, error) {
	s = whitespaceRE.ReplaceAllString(strings.TrimSpace(s), " ")
	if n := utf8.RuneCountInString(s); n == 0 || n > MaxNameRunes {
		return "", ErrInvalidName
	}
	return s, nil
}

// normalizeInstanceURL requires an absolute http(s) URL and drops a trailing slash.
func normalizeInstanceURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", ErrInvalidInstanceURL
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// whitespaceRE collapses consecutive whitespace to a single space.
var whitespaceRE = regexp.MustCompile(`\s+`)
