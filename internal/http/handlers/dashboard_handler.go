// Dashboard and profile handlers.
//
// Both render from middleware.SafeContext, never from the principal proxy,
// so a detachment during rendering cannot fail the page.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-session-guard/internal/http/middleware"
	"github.com/tbourn/go-session-guard/internal/view"
)

// pageData is what the HTML templates render.
type pageData struct {
	Title      string
	Safe       view.SafeContext
	Notices    []string
	LoginPath  string
	LogoutPath string

	// Login form only.
	Error string
	Login string
}

// notices pops the session's flash notices and appends the inline notice
// of sc, if any.
func (h *Handlers) notices(c *gin.Context, sc view.SafeContext) []string {
	var out []string
	if h.sessions != nil {
		out = h.sessions.Flashes(c.Writer, c.Request)
	}
	if sc.Notice != "" {
		out = append(out, sc.Notice)
	}
	return out
}

// Dashboard renders the landing page: the principal, its connections and
// the default connection, or a login link for anonymous visitors. A
// snapshot that cannot be built renders as anonymous with a notice.
func (h *Handlers) Dashboard(c *gin.Context) {
	sc := middleware.SafeContext(c)
	c.HTML(http.StatusOK, "dashboard.html", pageData{
		Title:      "Dashboard",
		Safe:       sc,
		Notices:    h.notices(c, sc),
		LoginPath:  h.opts.LoginPath,
		LogoutPath: h.opts.LogoutPath,
	})
}

// Me godoc
// @ID          me
// @Summary     Current user
// @Description Returns the safe snapshot of the current user and their connections. When the snapshot cannot be built the response is anonymous, degraded=true and carries a notice.
// @Tags        Session
// @Produce     json
//
// @Success     200  {object} view.SafeContext
// @Failure     401  {object} handlers.ErrorResponse "Login required"
// @Router      /me [get]
func (h *Handlers) Me(c *gin.Context) {
	sc := middleware.SafeContext(c)
	if sc.Degraded {
		c.Header("Cache-Control", "no-store")
	}
	ok(c, http.StatusOK, sc)
}
