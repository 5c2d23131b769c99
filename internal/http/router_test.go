package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-session-guard/internal/config"
	"github.com/tbourn/go-session-guard/internal/domain"
	"github.com/tbourn/go-session-guard/internal/http/middleware"
	"github.com/tbourn/go-session-guard/internal/repo"
)

func init() { gin.SetMode(gin.TestMode) }

const testPassword = "correct-horse"

// newTestDB opens a migrated temp-file SQLite store (pure Go, no CGO) with
// one active user.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "router.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Logger = logger.Default.LogMode(logger.Silent)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	hash, _ := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	u := &domain.User{Username: "ada", Email: "ada@example.com", PasswordHash: string(hash), Role: domain.RoleAdmin, IsActive: true}
	if err := repo.CreateUser(context.Background(), db, u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return db
}

func testConfig() config.Config {
	return config.Config{
		APIBasePath:      "/api/v1",
		LogRedact:        true,
		RateRPS:          100,
		RateBurst:        10,
		LoginRateRPS:     100,
		LoginRateBurst:   10,
		Session:          config.SessionConfig{Secret: strings.Repeat("s", 32), MaxAge: time.Hour},
		CredentialKey:    strings.Repeat("ab", 32),
		LoginPath:        "/login",
		LogoutPath:       "/logout",
		SafeRedirectPath: "/",
		IdempotencyTTL:   time.Hour,
		OTEL:             config.OTELConfig{ServiceName: "test-svc"},
	}
}

func newRouter(t *testing.T, cfg config.Config) (*gin.Engine, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	r := gin.New()
	if err := RegisterRoutes(r, db, cfg); err != nil {
		t.Fatalf("RegisterRoutes: %v", err)
	}
	return r, db
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func jsonRequest(method, path string, body any) *http.Request {
	var rdr io.Reader = http.NoBody
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func login(t *testing.T, r *gin.Engine) []*http.Cookie {
	t.Helper()
	w := serve(r, jsonRequest(http.MethodPost, "/login", map[string]string{"login": "ada", "password": testPassword}))
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}
	return w.Result().Cookies()
}

func TestRegisterRoutes_RejectsBadCredentialKey(t *testing.T) {
	cfg := testConfig()
	cfg.CredentialKey = "not-hex"
	if err := RegisterRoutes(gin.New(), newTestDB(t), cfg); err == nil {
		t.Fatalf("expected credential key error")
	}
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	r, _ := newRouter(t, testConfig())

	w := serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}
	if rid := w.Header().Get("X-Request-ID"); rid == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}

	w = serve(r, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "dbsession_handles_open") {
		t.Fatalf("GET /metrics bad: code=%d", w.Code)
	}

	w = serve(r, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}

	w = serve(r, httptest.NewRequest(http.MethodPost, "/health", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_HealthReportsStoreOutage(t *testing.T) {
	r, db := newRouter(t, testConfig())
	sqlDB, _ := db.DB()
	_ = sqlDB.Close()

	w := serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("health with closed store = %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	cfg := testConfig()
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	r, _ := newRouter(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.com")
	w := serve(r, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("allowlisted origins may send cookies, got %q", got)
	}
}

func TestRegisterRoutes_SessionFlow(t *testing.T) {
	r, _ := newRouter(t, testConfig())

	// Anonymous API calls are rejected.
	w := serve(r, httptest.NewRequest(http.MethodGet, "/api/v1/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous /me = %d", w.Code)
	}

	ck := login(t, r)
	req := jsonRequest(http.MethodPost, "/api/v1/connections", map[string]any{
		"name": "studio", "platform_type": "pixelfed", "instance_url": "https://pixelfed.example", "access_token": "tok",
	})
	for _, c := range ck {
		req.AddCookie(c)
	}
	if w := serve(r, req); w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	for _, c := range ck {
		req.AddCookie(c)
	}
	w = serve(r, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"is_default":true`) {
		t.Fatalf("me: %d %s", w.Code, w.Body.String())
	}

	// Dashboard renders HTML with the CSP header.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/html")
	for _, c := range ck {
		req.AddCookie(c)
	}
	w = serve(r, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "studio") {
		t.Fatalf("dashboard: %d", w.Code)
	}
	if w.Header().Get("Content-Security-Policy") == "" {
		t.Fatalf("CSP header missing on HTML page")
	}
}

func TestRegisterRoutes_ConfiguredLogoutPath(t *testing.T) {
	cfg := testConfig()
	cfg.LogoutPath = "/signout"
	r, _ := newRouter(t, cfg)
	ck := login(t, r)

	withCookies := func(req *http.Request) *http.Request {
		for _, c := range ck {
			req.AddCookie(c)
		}
		return req
	}

	page := httptest.NewRequest(http.MethodGet, "/", nil)
	page.Header.Set("Accept", "text/html")
	w := serve(r, withCookies(page))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `action="/signout"`) {
		t.Fatalf("dashboard should post to the configured logout path: %d", w.Code)
	}

	if w := serve(r, withCookies(httptest.NewRequest(http.MethodPost, "/logout", nil))); w.Code != http.StatusNotFound {
		t.Fatalf("POST /logout = %d; want 404", w.Code)
	}
	w = serve(r, withCookies(httptest.NewRequest(http.MethodPost, "/signout", nil)))
	if w.Code != http.StatusNoContent {
		t.Fatalf("POST /signout = %d", w.Code)
	}

	me := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	for _, c := range w.Result().Cookies() {
		me.AddCookie(c)
	}
	if w := serve(r, me); w.Code != http.StatusUnauthorized {
		t.Fatalf("session survived logout: %d", w.Code)
	}
}

func TestRegisterRoutes_LoginRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.LoginRateRPS = 0
	cfg.LoginRateBurst = 2
	r, _ := newRouter(t, cfg)

	body := map[string]string{"login": "ada", "password": "wrong-password"}
	for i := 0; i < 2; i++ {
		if w := serve(r, jsonRequest(http.MethodPost, "/login", body)); w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d = %d", i, w.Code)
		}
	}
	if w := serve(r, jsonRequest(http.MethodPost, "/login", body)); w.Code != http.StatusTooManyRequests {
		t.Fatalf("third attempt = %d; want 429", w.Code)
	}
}

func TestRegisterRoutes_IdempotentReplay(t *testing.T) {
	r, _ := newRouter(t, testConfig())
	ck := login(t, r)

	create := func() *httptest.ResponseRecorder {
		req := jsonRequest(http.MethodPost, "/api/v1/connections", map[string]any{
			"name": "news", "platform_type": "mastodon", "instance_url": "https://mastodon.example", "access_token": "tok",
		})
		req.Header.Set(middleware.HeaderIdempotencyKey, "create-news-1")
		for _, c := range ck {
			req.AddCookie(c)
		}
		return serve(r, req)
	}
	first := create()
	if first.Code != http.StatusCreated {
		t.Fatalf("first create: %d %s", first.Code, first.Body.String())
	}
	second := create()
	if second.Code != http.StatusCreated || second.Header().Get(middleware.HeaderIdempotencyReplayed) != "true" {
		t.Fatalf("replay: %d %v", second.Code, second.Header())
	}
	var a, b domain.PlatformConnection
	_ = json.Unmarshal(first.Body.Bytes(), &a)
	_ = json.Unmarshal(second.Body.Bytes(), &b)
	if a.ID == 0 || a.ID != b.ID {
		t.Fatalf("replay returned connection %d; want %d", b.ID, a.ID)
	}
}

func TestRegisterRoutes_SwaggerToggle(t *testing.T) {
	r, _ := newRouter(t, testConfig())
	if w := serve(r, httptest.NewRequest(http.MethodGet, "/swagger/doc.json", nil)); w.Code != http.StatusNotFound {
		t.Fatalf("swagger disabled but served: %d", w.Code)
	}

	cfg := testConfig()
	cfg.SwaggerEnabled = true
	r, _ = newRouter(t, cfg)
	w := serve(r, httptest.NewRequest(http.MethodGet, "/swagger/doc.json", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "/connections") {
		t.Fatalf("swagger doc: %d", w.Code)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	r := gin.New()
	// tiny cap to trigger MaxBytesReader
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		_, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := serve(r, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB"))) // 12 bytes
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	r := gin.New()
	root := &r.RouterGroup

	groupWithPrefix(root, "/").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(root, "").GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	groupWithPrefix(root, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		w := serve(r, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK || w.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, w.Code, w.Body.String())
		}
	}
}

func Test_connectionRepoShim_Proxies(t *testing.T) {
	db := newTestDB(t)
	shim := connectionRepoShim{}
	ctx := context.Background()

	var u domain.User
	if err := db.First(&u).Error; err != nil {
		t.Fatalf("user: %v", err)
	}
	mk := func(name string, def bool) *domain.PlatformConnection {
		c := &domain.PlatformConnection{UserID: u.ID, Name: name, PlatformType: domain.PlatformMastodon,
			InstanceURL: "https://m.example", AccessTokenEnc: "e", AccessTokenNonce: "n", IsActive: true, IsDefault: def}
		if err := shim.CreateConnection(ctx, db, c); err != nil {
			t.Fatalf("CreateConnection %s: %v", name, err)
		}
		return c
	}
	a := mk("a", true)
	b := mk("b", false)

	if n, err := shim.CountConnections(ctx, db, u.ID); err != nil || n != 2 {
		t.Fatalf("CountConnections = %d, %v", n, err)
	}
	if all, err := shim.ListConnections(ctx, db, u.ID); err != nil || len(all) != 2 {
		t.Fatalf("ListConnections = %d, %v", len(all), err)
	}
	if page, err := shim.ListConnectionsPage(ctx, db, u.ID, 1, 1); err != nil || len(page) != 1 || page[0].ID != b.ID {
		t.Fatalf("ListConnectionsPage = %v, %v", page, err)
	}
	if n, ts, err := shim.ConnectionsStats(ctx, db, u.ID); err != nil || n != 2 || ts == nil {
		t.Fatalf("ConnectionsStats = %d %v %v", n, ts, err)
	}
	if err := shim.ClearDefaults(ctx, db, u.ID, b.ID); err != nil {
		t.Fatalf("ClearDefaults: %v", err)
	}
	if err := shim.UpdateConnectionFields(ctx, db, b.ID, u.ID, map[string]any{"is_default": true}); err != nil {
		t.Fatalf("UpdateConnectionFields: %v", err)
	}
	got, err := shim.GetConnection(ctx, db, a.ID, u.ID)
	if err != nil || got.IsDefault {
		t.Fatalf("GetConnection = %+v, %v", got, err)
	}
	if first, err := shim.FirstActiveConnection(ctx, db, u.ID, a.ID); err != nil || first.ID != b.ID {
		t.Fatalf("FirstActiveConnection = %+v, %v", first, err)
	}
	if err := shim.DeleteConnection(ctx, db, a.ID, u.ID); err != nil {
		t.Fatalf("DeleteConnection: %v", err)
	}

	now := time.Now()
	if _, err := shim.CreateIdempotency(ctx, db, u.ID, "POST /api/v1/connections", "k", b.ID, http.StatusCreated, time.Hour); err != nil {
		t.Fatalf("CreateIdempotency: %v", err)
	}
	if rec, err := shim.GetIdempotency(ctx, db, u.ID, "POST /api/v1/connections", "k", now); err != nil || rec.ResourceID != b.ID {
		t.Fatalf("GetIdempotency = %+v, %v", rec, err)
	}
}
