// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides structured request logging, a panic-safe recovery handler,
// and a request ID injector:
//
//   - RequestID() ensures every request carries a stable correlation ID
//     (propagated via X-Request-ID and stored in the Gin context).
//   - Logger() emits structured access logs with request/response metadata
//     (latency, status, sizes) and selects log level by outcome.
//   - Both Logger() and RedactingLogger() attach a request-scoped
//     zerolog.Logger to the Gin context AND to the request's context.Context,
//     so packages below the transport (session handles, recovery) log with
//     the request id through zerolog.Ctx(ctx).
//   - Recovery() converts panics into JSON 500 responses while preserving the
//     correlation ID and emitting a stack trace to logs.
//   - LoggerFrom() retrieves the request-scoped logger inside handlers.
//
// Recommended order: RequestID(), Logger() or RedactingLogger(), Recovery(),
// then RequestLifecycle(), so that panics unwinding out of the lifecycle are
// logged with the correlation ID after the session has been torn down.
package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-session-guard/internal/observability"
)

const (
	// requestIDKey is the Gin context key under which the request ID is stored.
	requestIDKey = "requestID"
	// requestIDHeader is the HTTP header used to propagate the correlation ID.
	requestIDHeader = "X-Request-ID"
	// loggerKey is the Gin context key of the request-scoped logger.
	loggerKey = "logger"
	// maxQueryLogLength caps the number of bytes of the raw query string logged.
	maxQueryLogLength = 2048
)

// RequestID attaches (or propagates) a correlation identifier per request.
//
// If the incoming request has X-Request-ID, that value is reused; otherwise a
// new UUIDv4 is generated. The ID is written back to the response header and
// stored in the Gin context under the "requestID" key.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// Logger writes a structured access log for each request and response.
//
// Level selection:
//   - error for 5xx or when the Gin context collected errors,
//   - warn  for 4xx,
//   - info  otherwise.
//
// The user id is read after the handler chain ran, since authentication sits
// downstream of the logger.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		l := attachLogger(c, func(ctx zerolog.Context) zerolog.Context {
			return ctx.
				Str("remote_ip", c.ClientIP()).
				Str("user_agent", c.Request.UserAgent()).
				Str("referer", c.Request.Referer()).
				Str("query", truncate(c.Request.URL.RawQuery, maxQueryLogLength)).
				// ContentLength can be -1 if unknown.
				Int64("bytes_in", c.Request.ContentLength)
		})

		c.Next()

		uid, _ := c.Get("userID")
		ev := l.With().
			Str("user_id", asString(uid)).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Int("bytes_out", c.Writer.Size()).
			Logger()

		status := c.Writer.Status()
		switch {
		case len(c.Errors) > 0:
			ev.Error().Str("errors", c.Errors.String()).Msg("request")
		case status >= 500:
			ev.Error().Msg("request")
		case status >= 400:
			ev.Warn().Msg("request")
		default:
			ev.Info().Msg("request")
		}
	}
}

// attachLogger builds the request-scoped logger (request id, method, route,
// trace ids when a span is active) plus any extra fields, and installs it in both contexts.
func attachLogger(c *gin.Context, extra func(zerolog.Context) zerolog.Context) *zerolog.Logger {
	v, _ := c.Get(requestIDKey)
	rid := asString(v)
	if rid == "" {
		rid = c.GetHeader(requestIDHeader)
	}
	lc := log.With().
		Str("request_id", rid).
		Str("method", c.Request.Method).
		Str("path", routeOf(c))
	lc = observability.TraceFields(c.Request.Context(), lc)
	if extra != nil {
		lc = extra(lc)
	}
	l := lc.Logger()

	c.Set(loggerKey, &l)
	c.Request = c.Request.WithContext(l.WithContext(c.Request.Context()))
	return &l
}

// Recovery intercepts panics, logs a stack trace, and returns a JSON 500 error.
//
// If no response has been written it emits
// { "request_id": "...", "code": "internal_error", "message": "internal server error" }.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				rid, _ := c.Get(requestIDKey)
				log.Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Str("request_id", asString(rid)).
					Msg("panic recovered")

				// Only write if nothing has been written yet.
				if !c.Writer.Written() {
					c.Header("Content-Type", "application/json")
					c.Header(requestIDHeader, asString(rid))
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
						"request_id": asString(rid),
						"code":       "internal_error",
						"message":    "internal server error",
					})
					return
				}
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped zerolog.Logger.
//
// If a logger was not previously attached, a fallback logger is returned
// (without request-scoped fields). Callers can safely use the result without
// nil checks.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

// asString converts an arbitrary interface to a string, returning an empty
// string when the value is not a string. Used for context values.
func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// truncate returns s unchanged when within max length, otherwise it truncates
// s to max bytes and appends an ellipsis. A max <= 0 disables truncation.
//
// Note: This operates on bytes (not runes) which is acceptable for logging.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
