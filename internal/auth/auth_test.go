package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-session-guard/internal/dbsession"
	"github.com/tbourn/go-session-guard/internal/domain"
	"github.com/tbourn/go-session-guard/internal/principal"
	"github.com/tbourn/go-session-guard/internal/recovery"
)

func init() { gin.SetMode(gin.TestMode) }

func newSessions() *Sessions {
	return NewSessions(Options{Secret: []byte(strings.Repeat("k", 32)), MaxAge: 3600})
}

// cookiesFrom replays every Set-Cookie of rec onto a new request.
func cookiesFrom(rec *httptest.ResponseRecorder, req *http.Request) *http.Request {
	for _, ck := range rec.Result().Cookies() {
		req.AddCookie(ck)
	}
	return req
}

func TestSessions_LoginUserIDLogout(t *testing.T) {
	s := newSessions()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := s.UserID(r); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("expected ErrNotLoggedIn, got %v", err)
	}

	rec := httptest.NewRecorder()
	if err := s.Login(rec, httptest.NewRequest(http.MethodPost, "/login", nil), 42); err != nil {
		t.Fatalf("Login: %v", err)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != SessionName || !cookies[0].HttpOnly {
		t.Fatalf("unexpected cookies: %+v", cookies)
	}

	r2 := cookiesFrom(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	id, err := s.UserID(r2)
	if err != nil || id != 42 {
		t.Fatalf("UserID = %d, %v", id, err)
	}

	rec2 := httptest.NewRecorder()
	r3 := cookiesFrom(rec, httptest.NewRequest(http.MethodPost, "/logout", nil))
	if err := s.Logout(rec2, r3); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	out := rec2.Result().Cookies()
	if len(out) != 1 || out[0].MaxAge >= 0 {
		t.Fatalf("expected expiring cookie, got %+v", out)
	}
}

func TestSessions_TamperedCookie(t *testing.T) {
	s := newSessions()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: SessionName, Value: "forged"})
	if _, err := s.UserID(r); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("forged cookie must not authenticate, got %v", err)
	}

	other := NewSessions(Options{Secret: []byte(strings.Repeat("x", 32)), MaxAge: 60})
	rec := httptest.NewRecorder()
	_ = other.Login(rec, httptest.NewRequest(http.MethodPost, "/", nil), 1)
	r2 := cookiesFrom(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if _, err := s.UserID(r2); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("cookie signed with another key must not authenticate, got %v", err)
	}
}

func TestSessions_Flashes(t *testing.T) {
	s := newSessions()
	rec := httptest.NewRecorder()
	if err := s.AddFlash(rec, httptest.NewRequest(http.MethodGet, "/", nil), "hello"); err != nil {
		t.Fatalf("AddFlash: %v", err)
	}

	rec2 := httptest.NewRecorder()
	r := cookiesFrom(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	got := s.Flashes(rec2, r)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("Flashes = %v", got)
	}

	// Popped: the cookie written by Flashes carries none.
	r3 := cookiesFrom(rec2, httptest.NewRequest(http.MethodGet, "/", nil))
	if again := s.Flashes(httptest.NewRecorder(), r3); len(again) != 0 {
		t.Fatalf("flashes should be consumed, got %v", again)
	}
}

func newEngine(s *Sessions, load principal.Loader) *gin.Engine {
	r := gin.New()
	r.Use(LoadPrincipal(s, load))
	r.GET("/who", func(c *gin.Context) {
		p, ok := CurrentPrincipal(c)
		if !ok {
			c.String(http.StatusOK, "anonymous")
			return
		}
		uid, _ := c.Get("userID")
		c.String(http.StatusOK, "user:%d:%v", p.ID(), uid)
	})
	r.GET("/private", RequireLogin("/login"), func(c *gin.Context) { c.String(http.StatusOK, "secret") })
	return r
}

func loggedInRequest(t *testing.T, s *Sessions, path string, id uint) *http.Request {
	t.Helper()
	rec := httptest.NewRecorder()
	if err := s.Login(rec, httptest.NewRequest(http.MethodPost, "/login", nil), id); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return cookiesFrom(rec, httptest.NewRequest(http.MethodGet, path, nil))
}

func TestLoadPrincipal(t *testing.T) {
	s := newSessions()
	rec := recovery.NewHandler(dbsession.NewManager(nil))
	load := func(_ context.Context, id uint) (*principal.Principal, error) {
		switch id {
		case 1:
			return principal.New(rec, &domain.User{ID: 1}), nil
		case 2:
			return nil, &dbsession.PrincipalUnavailableError{UserID: 2, Err: dbsession.ErrRowGone}
		default:
			return nil, dbsession.ErrStoreUnavailable
		}
	}
	engine := newEngine(s, load)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/who", nil))
	if w.Body.String() != "anonymous" {
		t.Fatalf("no cookie: got %q", w.Body.String())
	}

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, loggedInRequest(t, s, "/who", 1))
	if w.Body.String() != "user:1:1" {
		t.Fatalf("valid principal: got %q", w.Body.String())
	}

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, loggedInRequest(t, s, "/who", 2))
	if w.Body.String() != "anonymous" {
		t.Fatalf("unavailable principal should continue anonymously, got %q", w.Body.String())
	}
	next := cookiesFrom(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if _, err := s.UserID(next); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("identity should be dropped, got %v", err)
	}
	if notes := s.Flashes(httptest.NewRecorder(), next); len(notes) != 1 || notes[0] != ReauthNotice {
		t.Fatalf("expected re-auth notice, got %v", notes)
	}

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, loggedInRequest(t, s, "/who", 3))
	if w.Body.Len() != 0 {
		t.Fatalf("store failure must abort before the handler, got %q", w.Body.String())
	}
}

func TestRequireLogin(t *testing.T) {
	s := newSessions()
	engine := newEngine(s, func(context.Context, uint) (*principal.Principal, error) {
		return nil, dbsession.ErrPrincipalUnavailable
	})

	// Browser: redirect.
	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	if w.Code != http.StatusSeeOther || w.Header().Get("Location") != "/login" {
		t.Fatalf("expected 303 to /login, got %d %q", w.Code, w.Header().Get("Location"))
	}

	// API: 401 envelope.
	req = httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Accept", "application/json")
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body["code"] != "reauth_required" {
		t.Fatalf("unexpected body %s (%v)", w.Body.String(), err)
	}
}

func TestWantsHTML(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if WantsHTML(r) {
		t.Fatalf("no Accept header should not prefer HTML")
	}
	r.Header.Set("Accept", "text/html")
	if !WantsHTML(r) {
		t.Fatalf("text/html should prefer HTML")
	}
}
