// Package handlers provides HTTP handler implementations for the dashboard,
// login and connections API.
//
// This file defines the response helpers shared by every endpoint:
//
//   - fail() writes the {request_id, code, message} envelope and logs 5xx.
//   - deferToBoundary() hands session errors (store outage, detached entity,
//     principal gone) to middleware.DetachmentBoundary instead of answering.
//   - ok() and noContent() write success responses.
//
// Store and ORM error text never reaches a response body; handlers pass
// fixed messages to fail().
//
// Example error response:
//
//	HTTP/1.1 404 Not Found
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "not_found",
//	  "message": "connection not found"
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-session-guard/internal/dbsession"
	"github.com/tbourn/go-session-guard/internal/http/middleware"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"not_found"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"connection not found"`
}

// fail aborts the request with a structured error. Server errors (>=500)
// are logged with the request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	}

	if status >= http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		lg.Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant of fail(), used by the router for NoRoute and
// NoMethod.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// deferToBoundary records err and aborts without writing when err belongs
// to the session lifecycle, so the boundary middleware picks the response.
// It reports whether it did so.
func deferToBoundary(c *gin.Context, err error) bool {
	if !isSessionError(err) {
		return false
	}
	_ = c.Error(err)
	c.Abort()
	return true
}

func isSessionError(err error) bool {
	return errors.Is(err, dbsession.ErrStoreUnavailable) ||
		errors.Is(err, dbsession.ErrPrincipalUnavailable) ||
		dbsession.IsRecoverable(err)
}

// internalError answers err with the boundary when it is a session error and
// with a logged 500 otherwise. The error text is logged, never returned.
func internalError(c *gin.Context, err error, code, msg string) {
	if deferToBoundary(c, err) {
		return
	}
	middleware.LoggerFrom(c).Error().Err(err).Str("code", code).Msg("request failed")
	fail(c, http.StatusInternalServerError, code, msg)
}

// ok writes a success JSON response.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// noContent writes an HTTP 204 No Content response.
func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
