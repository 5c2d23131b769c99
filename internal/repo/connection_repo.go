// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// PlatformConnection model.
//
// The repository stays thin: ownership is always part of the WHERE clause,
// and the "one default among active connections" rule is enforced by the
// services package, which composes these calls inside a single transaction.
//
// Ordering: connections are returned in insertion order (created_at, id),
// which is also the tie-break used when picking a fallback default.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-session-guard/internal/domain"
)

const connectionOrder = "created_at asc, id asc"

// ListConnections returns every connection owned by userID in insertion order.
func ListConnections(ctx context.Context, db *gorm.DB, userID uint) ([]domain.PlatformConnection, error) {
	var out []domain.PlatformConnection
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order(connectionOrder).
		Find(&out).Error
	return out, err
}

// CountConnections returns the number of connections owned by userID.
func CountConnections(ctx context.Context, db *gorm.DB, userID uint) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.PlatformConnection{}).
		Where("user_id = ?", userID).
		Count(&total).Error
	return total, err
}

// ListConnectionsPage returns a page of connections in insertion order.
func ListConnectionsPage(ctx context.Context, db *gorm.DB, userID uint, offset, limit int) ([]domain.PlatformConnection, error) {
	var out []domain.PlatformConnection
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order(connectionOrder).
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// GetConnection fetches one connection by id, scoped to its owner.
func GetConnection(ctx context.Context, db *gorm.DB, id, userID uint) (*domain.PlatformConnection, error) {
	var c domain.PlatformConnection
	err := db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateConnection inserts c and fills its ID and timestamps.
func CreateConnection(ctx context.Context, db *gorm.DB, c *domain.PlatformConnection) error {
	return db.WithContext(ctx).Create(c).Error
}

// UpdateConnectionFields applies a partial update to a connection owned by
// userID. Returns ErrNotFound when nothing matched.
func UpdateConnectionFields(ctx context.Context, db *gorm.DB, id, userID uint, fields map[string]any) error {
	res := db.WithContext(ctx).
		Model(&domain.PlatformConnection{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearDefaults un-defaults every connection of userID except exceptID
// (pass 0 to clear all).
func ClearDefaults(ctx context.Context, db *gorm.DB, userID, exceptID uint) error {
	return db.WithContext(ctx).
		Model(&domain.PlatformConnection{}).
		Where("user_id = ? AND id <> ? AND is_default = ?", userID, exceptID, true).
		Update("is_default", false).Error
}

// FirstActiveConnection returns the earliest-created active connection of
// userID, skipping excludeID (0 skips nothing). ErrNotFound when none.
func FirstActiveConnection(ctx context.Context, db *gorm.DB, userID, excludeID uint) (*domain.PlatformConnection, error) {
	var c domain.PlatformConnection
	err := db.WithContext(ctx).
		Where("user_id = ? AND is_active = ? AND id <> ?", userID, true, excludeID).
		Order(connectionOrder).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteConnection removes a connection owned by userID. Returns ErrNotFound
// when nothing matched.
func DeleteConnection(ctx context.Context, db *gorm.DB, id, userID uint) error {
	res := db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		Delete(&domain.PlatformConnection{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
