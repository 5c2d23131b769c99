package handlers

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/tbourn/go-session-guard/internal/auth"
	"github.com/tbourn/go-session-guard/internal/domain"
	"github.com/tbourn/go-session-guard/internal/repo"
	"github.com/tbourn/go-session-guard/internal/view"
)

// seedTwo gives the fixture user two connections, the second one default.
func (f *fixture) seedTwo(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, c := range []*domain.PlatformConnection{
		{UserID: f.user.ID, Name: "studio", PlatformType: domain.PlatformPixelfed, InstanceURL: "https://pixelfed.example", AccessTokenEnc: "e", AccessTokenNonce: "n", IsActive: true},
		{UserID: f.user.ID, Name: "news", PlatformType: domain.PlatformMastodon, InstanceURL: "https://mastodon.example", AccessTokenEnc: "e", AccessTokenNonce: "n", IsActive: true, IsDefault: true},
	} {
		if err := repo.CreateConnection(ctx, f.db, c); err != nil {
			t.Fatalf("seed %s: %v", c.Name, err)
		}
	}
}

func TestMe_PrincipalWithTwoConnections(t *testing.T) {
	f := newFixture(t)
	f.seedTwo(t)

	w := f.do(f.cookies(t), http.MethodGet, "/api/v1/me", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("me: %d %s", w.Code, w.Body.String())
	}
	sc := decode[view.SafeContext](t, w)
	if !sc.Authenticated || sc.Degraded || sc.Principal == nil || sc.Principal.ID != 42 {
		t.Fatalf("unexpected context: %+v", sc)
	}
	if len(sc.Connections) != 2 {
		t.Fatalf("connections = %d; want 2", len(sc.Connections))
	}
	if sc.DefaultConnection == nil || sc.DefaultConnection.Name != "news" || sc.DefaultConnection.Host != "mastodon.example" {
		t.Fatalf("default = %+v", sc.DefaultConnection)
	}
	if strings.Contains(w.Body.String(), "access_token") {
		t.Fatalf("credentials leaked: %s", w.Body.String())
	}
}

func TestDashboard_Anonymous(t *testing.T) {
	f := newFixture(t)
	w := f.browse(nil, "/")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `href="/login"`) {
		t.Fatalf("anonymous dashboard: %d %s", w.Code, w.Body.String())
	}
}

func TestDashboard_ListsConnections(t *testing.T) {
	f := newFixture(t)
	f.seedTwo(t)

	w := f.browse(f.cookies(t), "/")
	body := w.Body.String()
	for _, want := range []string{"Welcome, ada", "Connections (2)", "studio", "news", "(default)", "Reviewer"} {
		if !strings.Contains(body, want) {
			t.Errorf("dashboard missing %q", want)
		}
	}
}

func TestDashboard_PrincipalDeletedBetweenRequests(t *testing.T) {
	f := newFixture(t)
	ck := f.cookies(t)
	if err := repo.DeleteUser(context.Background(), f.db, f.user.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	w := f.browse(ck, "/")
	if w.Code != http.StatusOK {
		t.Fatalf("dashboard: %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, auth.ReauthNotice) || !strings.Contains(body, `href="/login"`) {
		t.Fatalf("expected anonymous page with notice: %s", body)
	}

	// The dropped session no longer reaches the API.
	if w := f.do(w.Result().Cookies(), http.MethodGet, "/api/v1/me", nil, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("api after drop: %d", w.Code)
	}
}
