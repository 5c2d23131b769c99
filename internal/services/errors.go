// Package services defines the business logic for platform connections.
// This file centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and translation
// into user-facing messages or HTTP status codes should be performed at the
// handler/controller layer.
package services

import "errors"

// Connection-related errors.
var (
	// ErrConnectionNotFound indicates that the requested connection does not
	// exist or is not owned by the current principal.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrInvalidName is returned when a connection name is empty or longer
	// than the allowed number of characters.
	ErrInvalidName = errors.New("connection name must be 1-100 characters")

	// ErrInvalidPlatform is returned for platform types other than pixelfed
	// and mastodon.
	ErrInvalidPlatform = errors.New("unsupported platform type")

	// ErrInvalidInstanceURL is returned when the instance URL is not an
	// absolute http(s) URL.
	ErrInvalidInstanceURL = errors.New("instance url must be an absolute http(s) url")

	// ErrMissingCredential is returned when a connection is created without an
	// access token.
	ErrMissingCredential = errors.New("access token is required")

	// ErrDuplicateName is returned when the principal already owns a
	// connection with the same name.
	ErrDuplicateName = errors.New("connection name already in use")

	// ErrConnectionInactive is returned when an inactive connection is made
	// the default.
	ErrConnectionInactive = errors.New("connection is inactive")

	// ErrReplayInFlight is returned when another request with the same
	// idempotency key committed first.
	ErrReplayInFlight = errors.New("a request with this idempotency key was already processed")
)

// Account-related errors.
var (
	// ErrInvalidCredentials is returned for unknown logins, wrong passwords
	// and inactive accounts alike.
	ErrInvalidCredentials = errors.New("invalid login or password")

	// ErrWeakPassword is returned when a new password is shorter than
	// MinPasswordLen.
	ErrWeakPassword = errors.New("password must be at least 8 characters")

	// ErrInvalidAccount is returned when a new account lacks a username or
	// email.
	ErrInvalidAccount = errors.New("username and email are required")
)
