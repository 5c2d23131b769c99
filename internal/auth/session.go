// Package auth provides cookie-backed login sessions and the middleware that
// resolves the current principal for a request.
//
// The cookie only carries the user identifier (and one-shot flash notices).
// The principal itself is loaded per request through a principal.Loader, so
// nothing entity-shaped survives between requests.
package auth

import (
	"errors"
	"net/http"

	"github.com/gorilla/sessions"
)

const (
	// SessionName is the cookie name used for login sessions.
	SessionName = "sg_session"

	valueUserID = "user_id"
)

// ErrNotLoggedIn is returned by UserID when the cookie carries no identity.
var ErrNotLoggedIn = errors.New("not logged in")

// Options configures the session cookie.
type Options struct {
	Secret []byte // HMAC key, at least 32 bytes
	MaxAge int    // seconds
	Secure bool
}

// Sessions reads and writes login sessions.
type Sessions struct {
	store sessions.Store
}

// NewSessions builds a cookie store signed with opts.Secret.
func NewSessions(opts Options) *Sessions {
	store := sessions.NewCookieStore(opts.Secret)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   opts.MaxAge,
		HttpOnly: true,
		Secure:   opts.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &Sessions{store: store}
}

// get returns the request's session. A cookie that fails verification
// yields a fresh session that replaces it on the next save.
func (s *Sessions) get(r *http.Request) *sessions.Session {
	sess, _ := s.store.Get(r, SessionName)
	if sess == nil {
		sess = sessions.NewSession(s.store, SessionName)
		sess.Options = &sessions.Options{Path: "/", HttpOnly: true, SameSite: http.SameSiteLaxMode}
		sess.IsNew = true
	}
	return sess
}

// Login binds userID to the session cookie.
func (s *Sessions) Login(w http.ResponseWriter, r *http.Request, userID uint) error {
	sess := s.get(r)
	sess.Values[valueUserID] = userID
	return sess.Save(r, w)
}

// Logout clears the identity and expires the cookie immediately.
func (s *Sessions) Logout(w http.ResponseWriter, r *http.Request) error {
	sess := s.get(r)
	delete(sess.Values, valueUserID)
	sess.Options.MaxAge = -1
	return sess.Save(r, w)
}

// EndWithNotice drops the identity but keeps the cookie alive so that
// notice survives to the next page.
func (s *Sessions) EndWithNotice(w http.ResponseWriter, r *http.Request, notice string) error {
	sess := s.get(r)
	delete(sess.Values, valueUserID)
	if notice != "" {
		sess.AddFlash(notice)
	}
	return sess.Save(r, w)
}

// UserID returns the identifier stored by Login.
func (s *Sessions) UserID(r *http.Request) (uint, error) {
	id, ok := s.get(r).Values[valueUserID].(uint)
	if !ok || id == 0 {
		return 0, ErrNotLoggedIn
	}
	return id, nil
}

// AddFlash queues a one-shot notice for the next page render.
func (s *Sessions) AddFlash(w http.ResponseWriter, r *http.Request, msg string) error {
	sess := s.get(r)
	sess.AddFlash(msg)
	return sess.Save(r, w)
}

// Flashes pops the queued notices.
func (s *Sessions) Flashes(w http.ResponseWriter, r *http.Request) []string {
	sess := s.get(r)
	raw := sess.Flashes()
	if len(raw) == 0 {
		return nil
	}
	_ = sess.Save(r, w)
	out := make([]string, 0, len(raw))
	for _, f := range raw {
		if msg, ok := f.(string); ok {
			out = append(out, msg)
		}
	}
	return out
}
