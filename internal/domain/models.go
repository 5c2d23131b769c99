// Package domain defines the persistence models for principals (users) and
// their platform connections. These types are mapped with GORM and form the
// core data layer that the request-scoped session machinery loads, attaches
// and reattaches.
package domain

import (
	"net/url"
	"strings"
	"time"
)

// Role is the enumerated authorization role of a principal.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleReviewer  Role = "reviewer"
	RoleViewer    Role = "viewer"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleModerator, RoleReviewer, RoleViewer:
		return true
	}
	return false
}

// PlatformType identifies the kind of external platform a connection binds to.
type PlatformType string

const (
	PlatformPixelfed PlatformType = "pixelfed"
	PlatformMastodon PlatformType = "mastodon"
)

// Valid reports whether p is a supported platform type.
func (p PlatformType) Valid() bool {
	return p == PlatformPixelfed || p == PlatformMastodon
}

// User represents an authenticated actor (the principal of a request).
//
// Fields:
//   - ID: autoincrement primary key; the proxy keeps only this value as its
//     durable reference to the row.
//   - Username / Email: unique login identifiers.
//   - PasswordHash: bcrypt hash, never serialized.
//   - Role: one of admin|moderator|reviewer|viewer (enforced by DB constraint).
//   - IsActive: inactive principals are treated as revoked.
//   - CreatedAt / UpdatedAt: managed by GORM. UpdatedAt doubles as the
//     version used to detect stale detached copies on merge.
type User struct {
	ID           uint      `json:"id"         gorm:"primaryKey"`
	Username     string    `json:"username"   gorm:"type:varchar(64);not null;uniqueIndex:ux_users_username"`
	Email        string    `json:"email"      gorm:"type:varchar(255);not null;uniqueIndex:ux_users_email"`
	PasswordHash string    `json:"-"          gorm:"type:varchar(255);not null"`
	Role         Role      `json:"role"       gorm:"type:varchar(16);not null;check:role IN ('admin','moderator','reviewer','viewer')"`
	IsActive     bool      `json:"is_active"  gorm:"not null"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// Connections is intentionally not preloaded anywhere; relationship
	// traversal goes through explicit queries on the request session.
	Connections []PlatformConnection `json:"-" gorm:"foreignKey:UserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// PlatformConnection binds a principal to an account on an external platform.
// A principal owns many connections; among its active connections at most one
// carries IsDefault.
//
// The access credential is stored encrypted (AES-GCM ciphertext and nonce,
// both base64) and never serialized.
type PlatformConnection struct {
	ID               uint         `json:"id"            gorm:"primaryKey"`
	UserID           uint         `json:"user_id"       gorm:"not null;index:idx_user_conns,priority:1;uniqueIndex:ux_conn_user_name,priority:1"`
	Name             string       `json:"name"          gorm:"type:varchar(100);not null;uniqueIndex:ux_conn_user_name,priority:2"`
	PlatformType     PlatformType `json:"platform_type" gorm:"type:varchar(32);not null;check:platform_type IN ('pixelfed','mastodon')"`
	InstanceURL      string       `json:"instance_url"  gorm:"type:varchar(500);not null"`
	Username         string       `json:"username"      gorm:"type:varchar(255)"`
	AccessTokenEnc   string       `json:"-"             gorm:"type:text;not null"`
	AccessTokenNonce string       `json:"-"             gorm:"type:varchar(64);not null"`
	IsActive         bool         `json:"is_active"     gorm:"not null"`
	IsDefault        bool         `json:"is_default"    gorm:"not null"`
	CreatedAt        time.Time    `json:"created_at"    gorm:"index:idx_user_conns,priority:2"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// TableName returns the database table name for PlatformConnection.
func (PlatformConnection) TableName() string { return "platform_connections" }

// Host returns the host part of InstanceURL, or the raw value when it does
// not parse as a URL.
func (c PlatformConnection) Host() string {
	u, err := url.Parse(c.InstanceURL)
	if err != nil || u.Host == "" {
		return strings.TrimSpace(c.InstanceURL)
	}
	return u.Host
}
