package auth

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-session-guard/internal/dbsession"
	"github.com/tbourn/go-session-guard/internal/principal"
)

const (
	ctxKeyPrincipal = "principal"
	ctxKeyUserID    = "userID" // read by the rate limiter and request logger

	// ReauthNotice is shown after a session is dropped because the principal
	// can no longer be loaded.
	ReauthNotice = "Your session has ended. Please log in again."
)

// LoadPrincipal resolves the logged-in user through load and exposes it via
// CurrentPrincipal. Requests without a session continue anonymously. A
// principal that no longer resolves is logged out with a flash notice; any
// other failure (store outage) is recorded on the context and aborts.
func LoadPrincipal(s *Sessions, load principal.Loader) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := s.UserID(c.Request)
		if err != nil {
			c.Next()
			return
		}

		p, err := load(c.Request.Context(), id)
		switch {
		case err == nil:
			c.Set(ctxKeyPrincipal, p)
			c.Set(ctxKeyUserID, strconv.FormatUint(uint64(id), 10))
		case errors.Is(err, dbsession.ErrPrincipalUnavailable):
			log.Info().Err(err).Uint("user_id", id).Msg("dropping session for unavailable principal")
			_ = s.EndWithNotice(c.Writer, c.Request, ReauthNotice)
		default:
			_ = c.Error(err)
			c.Abort()
			return
		}
		c.Next()
	}
}

// CurrentPrincipal returns the principal set by LoadPrincipal.
func CurrentPrincipal(c *gin.Context) (*principal.Principal, bool) {
	v, ok := c.Get(ctxKeyPrincipal)
	if !ok {
		return nil, false
	}
	p, ok := v.(*principal.Principal)
	return p, ok && p != nil
}

// RequireLogin rejects anonymous requests: browsers are redirected to
// loginPath, API clients get 401 reauth_required.
func RequireLogin(loginPath string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := CurrentPrincipal(c); ok {
			c.Next()
			return
		}
		if WantsHTML(c.Request) {
			c.Redirect(http.StatusSeeOther, loginPath)
			c.Abort()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"request_id": c.Writer.Header().Get("X-Request-ID"),
			"code":       "reauth_required",
			"message":    "please log in again",
		})
	}
}

// WantsHTML reports whether the client prefers an HTML page over JSON.
func WantsHTML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/html")
}
