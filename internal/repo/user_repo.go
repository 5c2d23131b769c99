// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the User model.
//
// All functions are context-aware and accept a *gorm.DB handle, so the same
// function works on the shared pool, on a request-pinned connection, or
// inside a transaction.
//
// Error semantics:
//   - When a user is not found, functions return ErrNotFound
//     (gorm.ErrRecordNotFound).
//   - Other DB errors are propagated unchanged.
package repo

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/go-session-guard/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// GetUser fetches a user by primary key.
func GetUser(ctx context.Context, db *gorm.DB, id uint) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByUsername fetches a user by username (case-insensitive) or email.
func GetUserByUsername(ctx context.Context, db *gorm.DB, login string) (*domain.User, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	var u domain.User
	err := db.WithContext(ctx).
		Where("LOWER(username) = ? OR LOWER(email) = ?", login, login).
		First(&u).Error
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts u and fills its ID and timestamps.
func CreateUser(ctx context.Context, db *gorm.DB, u *domain.User) error {
	return db.WithContext(ctx).Create(u).Error
}

// CountUsers returns the number of users.
func CountUsers(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.User{}).Count(&n).Error
	return n, err
}

// DeleteUser removes a user (connections cascade). It returns ErrNotFound
// when no row matched.
func DeleteUser(ctx context.Context, db *gorm.DB, id uint) error {
	res := db.WithContext(ctx).Delete(&domain.User{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
