// Login and logout handlers.
//
// POST /login accepts a form post from the login page or a JSON body from
// API clients. Browsers are redirected; API clients get JSON.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-session-guard/internal/auth"
	"github.com/tbourn/go-session-guard/internal/http/middleware"
	"github.com/tbourn/go-session-guard/internal/services"
	"github.com/tbourn/go-session-guard/internal/view"
)

// LoginRequest is the login payload (JSON or form-encoded).
type LoginRequest struct {
	// Login is a username or email address.
	Login string `json:"login" form:"login" binding:"required" example:"admin"`
	// Password is checked against the stored bcrypt hash.
	Password string `json:"password" form:"password" binding:"required" example:"correct-horse"`
}

// LoginResponse is returned to API clients after a successful login.
type LoginResponse struct {
	User view.PrincipalView `json:"user"`
}

func (h *Handlers) renderLogin(c *gin.Context, status int, login, errMsg string) {
	sc := view.Anonymous()
	c.HTML(status, "login.html", pageData{
		Title:      "Log in",
		Safe:       sc,
		Notices:    h.notices(c, sc),
		LoginPath:  h.opts.LoginPath,
		LogoutPath: h.opts.LogoutPath,
		Error:      errMsg,
		Login:      login,
	})
}

// LoginForm renders the login page. Logged-in users are sent to the
// landing page.
func (h *Handlers) LoginForm(c *gin.Context) {
	if _, found := auth.CurrentPrincipal(c); found {
		c.Redirect(http.StatusSeeOther, h.opts.SafePath)
		return
	}
	h.renderLogin(c, http.StatusOK, "", "")
}

// Login verifies a username (or email) and password and starts a cookie
// session. Form posts are redirected to the landing page; JSON clients get
// a LoginResponse. Failures never say whether the login name exists.
func (h *Handlers) Login(c *gin.Context) {
	html := auth.WantsHTML(c.Request)

	var req LoginRequest
	if err := c.ShouldBind(&req); err != nil {
		if html {
			h.renderLogin(c, http.StatusBadRequest, req.Login, "Enter your username and password.")
			return
		}
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "login and password are required")
		return
	}

	u, err := h.accounts.Authenticate(c.Request.Context(), req.Login, req.Password)
	if errors.Is(err, services.ErrInvalidCredentials) {
		middleware.LoggerFrom(c).Info().Msg("login rejected")
		if html {
			h.renderLogin(c, http.StatusUnauthorized, req.Login, "Invalid username or password.")
			return
		}
		fail(c, http.StatusUnauthorized, ErrCodeInvalidCredentials, "invalid login or password")
		return
	}
	if err != nil {
		internalError(c, err, ErrCodeInternal, "could not log in")
		return
	}

	if err := h.sessions.Login(c.Writer, c.Request, u.ID); err != nil {
		internalError(c, err, ErrCodeInternal, "could not start session")
		return
	}
	middleware.LoggerFrom(c).Info().Uint("user_id", u.ID).Msg("login succeeded")

	if html {
		c.Redirect(http.StatusSeeOther, h.opts.SafePath)
		return
	}
	ok(c, http.StatusOK, LoginResponse{User: view.PrincipalView{
		ID:          u.ID,
		DisplayName: view.Clean(u.Username),
		Role:        string(u.Role),
		RoleLabel:   view.RoleLabel(u.Role),
	}})
}

// Logout ends the cookie session. Browsers are redirected to the login
// page; API clients get 204.
func (h *Handlers) Logout(c *gin.Context) {
	if err := h.sessions.Logout(c.Writer, c.Request); err != nil {
		internalError(c, err, ErrCodeInternal, "could not end session")
		return
	}
	if auth.WantsHTML(c.Request) {
		c.Redirect(http.StatusSeeOther, h.opts.LoginPath)
		return
	}
	noContent(c)
}
