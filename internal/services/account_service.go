// Package services – AccountService
//
// This file implements password login and the one-time bootstrap of the
// first administrator. Passwords are hashed with bcrypt; the service never
// says whether a login name exists.
package services

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/tbourn/go-session-guard/internal/dbsession"
	"github.com/tbourn/go-session-guard/internal/domain"
	"github.com/tbourn/go-session-guard/internal/repo"
)

// MinPasswordLen is the shortest password accepted for new accounts.
const MinPasswordLen = 8

var (
	dummyHash     []byte
	dummyHashOnce sync.Once
)

// AccountService authenticates users against the store.
type AccountService struct {
	// Sessions hands out the request-scoped handle.
	Sessions *dbsession.Manager
	// Cost is the bcrypt cost for new hashes; zero means bcrypt.DefaultCost.
	Cost int

	tracer trace.Tracer
}

// NewAccountService constructs an AccountService.
func NewAccountService(mgr *dbsession.Manager) *AccountService {
	return &AccountService{
		Sessions: mgr,
		tracer:   otel.Tracer("services/AccountService"),
	}
}

// Authenticate returns the active user whose username or email matches
// login and whose password hash matches password. Unknown users, wrong
// passwords and inactive accounts all yield ErrInvalidCredentials. Store
// outages are returned as they are.
func (s *AccountService) Authenticate(ctx context.Context, login, password string) (*domain.User, error) {
	ctx, span := s.tracer.Start(ctx, "Authenticate")
	defer span.End()

	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	h, err := s.Sessions.AcquireForRequest(ctx)
	if err != nil {
		return nil, err
	}
	u, err := repo.GetUserByUsername(ctx, h.DB(), login)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		// Same work as a real check so timing does not reveal the miss.
		_ = bcrypt.CompareHashAndPassword(s.dummy(), []byte(password))
		return nil, ErrInvalidCredentials
	case err != nil:
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("user.id", int64(u.ID)))

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !u.IsActive {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// HashPassword returns the bcrypt hash of password.
func (s *AccountService) HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLen {
		return "", ErrWeakPassword
	}
	cost := s.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EnsureAdmin creates an active admin account when the store holds no users
// yet. It reports whether an account was created. It runs at startup,
// outside any request.
func (s *AccountService) EnsureAdmin(ctx context.Context, username, email, password string) (bool, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" || email == "" {
		return false, ErrInvalidAccount
	}
	hash, err := s.HashPassword(password)
	if err != nil {
		return false, err
	}

	created := false
	err = s.Sessions.ScopedTransaction(ctx, func(h *dbsession.Handle) error {
		n, err := repo.CountUsers(ctx, h.DB())
		if err != nil || n > 0 {
			return err
		}
		created = true
		return h.Enqueue(func(tx *gorm.DB) error {
			return repo.CreateUser(ctx, tx, &domain.User{
				Username:     username,
				Email:        strings.ToLower(email),
				PasswordHash: hash,
				Role:         domain.RoleAdmin,
				IsActive:     true,
			})
		})
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (s *AccountService) dummy() []byte {
	dummyHashOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)
	})
	return dummyHash
}
