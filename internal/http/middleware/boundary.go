// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements DetachmentBoundary, the last-resort handler for
// session errors that handlers record with c.Error instead of answering
// themselves. It never re-runs the failed handler:
//
//   - store unavailable      -> 503 service_unavailable
//   - principal unavailable  -> session ended, login prompt
//   - detached entity        -> one recovery attempt on the principal;
//     recovered              -> notice and redirect to a safe page (409 for APIs)
//     unrecoverable          -> login prompt
//
// Store and ORM messages are never written to the client.
package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-session-guard/internal/auth"
	"github.com/tbourn/go-session-guard/internal/dbsession"
	"github.com/tbourn/go-session-guard/internal/recovery"
	"github.com/tbourn/go-session-guard/internal/view"
)

// BoundaryOptions configures DetachmentBoundary.
type BoundaryOptions struct {
	Sessions  *auth.Sessions
	LoginPath string // where browsers re-authenticate, e.g. /login
	SafePath  string // where browsers land after a recovery, e.g. /
}

// DetachmentBoundary returns a Gin middleware that turns session errors
// recorded by downstream handlers into the responses described above. It
// must run inside RequestLifecycle. Responses already written are left
// alone.
func DetachmentBoundary(rec *recovery.Handler, opts BoundaryOptions) gin.HandlerFunc {
	if opts.LoginPath == "" {
		opts.LoginPath = "/login"
	}
	if opts.SafePath == "" {
		opts.SafePath = "/"
	}

	return func(c *gin.Context) {
		c.Next()

		err := sessionError(c.Errors)
		if err == nil || c.Writer.Written() {
			return
		}
		lg := LoggerFrom(c)

		switch {
		case errors.Is(err, dbsession.ErrPrincipalUnavailable):
			lg.Info().Err(err).Msg("principal unavailable; prompting login")
			loginPrompt(c, opts)

		case dbsession.IsRecoverable(err):
			id := detachedUserID(c, err)
			if id == 0 {
				lg.Warn().Err(err).Msg("detached entity without principal; prompting login")
				loginPrompt(c, opts)
				return
			}
			out := rec.RecoverID(c.Request.Context(), id)
			if !out.OK() {
				lg.Warn().Err(out.Err()).Uint("user_id", id).Msg("detachment unrecoverable; prompting login")
				loginPrompt(c, opts)
				return
			}
			lg.Info().Str("method", string(out.Method)).Uint("user_id", id).Msg("detachment recovered at boundary")
			refreshed(c, opts)

		case errors.Is(err, dbsession.ErrStoreUnavailable):
			serviceUnavailable(c)
		}
	}
}

// sessionError picks the most severe session error among errs, or nil.
func sessionError(errs []*gin.Error) error {
	var detached, store error
	for _, e := range errs {
		switch {
		case errors.Is(e.Err, dbsession.ErrPrincipalUnavailable):
			return e.Err
		case dbsession.IsRecoverable(e.Err):
			if detached == nil {
				detached = e.Err
			}
		case errors.Is(e.Err, dbsession.ErrStoreUnavailable):
			if store == nil {
				store = e.Err
			}
		}
	}
	if detached != nil {
		return detached
	}
	return store
}

// detachedUserID names the user to recover: the entity in a DetachedError
// when it is a user, else the current principal.
func detachedUserID(c *gin.Context, err error) uint {
	var de *dbsession.DetachedError
	if errors.As(err, &de) && de.Entity == "User" && de.ID != 0 {
		return de.ID
	}
	if p, ok := auth.CurrentPrincipal(c); ok {
		return p.ID()
	}
	return 0
}

func loginPrompt(c *gin.Context, opts BoundaryOptions) {
	if opts.Sessions != nil {
		if err := opts.Sessions.EndWithNotice(c.Writer, c.Request, auth.ReauthNotice); err != nil {
			LoggerFrom(c).Warn().Err(err).Msg("ending session failed")
		}
	}
	if auth.WantsHTML(c.Request) {
		c.Redirect(http.StatusSeeOther, opts.LoginPath)
		c.Abort()
		return
	}
	abortWithError(c, http.StatusUnauthorized, "reauth_required", "please log in again")
}

func refreshed(c *gin.Context, opts BoundaryOptions) {
	if auth.WantsHTML(c.Request) {
		if opts.Sessions != nil {
			if err := opts.Sessions.AddFlash(c.Writer, c.Request, view.DegradedNotice); err != nil {
				LoggerFrom(c).Warn().Err(err).Msg("queueing refresh notice failed")
			}
		}
		c.Redirect(http.StatusSeeOther, opts.SafePath)
		c.Abort()
		return
	}
	abortWithError(c, http.StatusConflict, "session_refreshed", view.DegradedNotice)
}

func serviceUnavailable(c *gin.Context) {
	c.Header("Retry-After", "5")
	if auth.WantsHTML(c.Request) {
		c.Abort()
		c.String(http.StatusServiceUnavailable, "Service temporarily unavailable. Please try again shortly.")
		return
	}
	abortWithError(c, http.StatusServiceUnavailable, "service_unavailable", "service temporarily unavailable")
}

// abortWithError writes the standard {request_id, code, message} envelope.
func abortWithError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       code,
		"message":    msg,
	})
}
