// Package view builds the plain-data bundle handed to templates and JSON
// responses. Nothing in a SafeContext refers back to live entities, so
// rendering can never trigger a store access.
package view

import (
	"context"
	"html"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tbourn/go-session-guard/internal/domain"
	"github.com/tbourn/go-session-guard/internal/principal"
)

// DegradedNotice is the inline notice shown when the principal could not be
// rendered for this request.
const DegradedNotice = "Your session was refreshed. Please retry your last action."

const maxDisplayRunes = 64

var (
	strict     *bluemonday.Policy
	strictOnce sync.Once
)

// PrincipalView is the safe snapshot of the current user.
type PrincipalView struct {
	ID          uint   `json:"id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	RoleLabel   string `json:"role_label"`
}

// ConnectionSummary is the safe snapshot of one platform connection.
type ConnectionSummary struct {
	ID        uint   `json:"id"`
	Name      string `json:"name"`
	Platform  string `json:"platform"`
	Host      string `json:"host"`
	Username  string `json:"username,omitempty"`
	IsActive  bool   `json:"is_active"`
	IsDefault bool   `json:"is_default"`
}

// SafeContext is what presentation code receives instead of the principal.
type SafeContext struct {
	Authenticated     bool                `json:"authenticated"`
	Principal         *PrincipalView      `json:"principal,omitempty"`
	Connections       []ConnectionSummary `json:"connections"`
	DefaultConnection *ConnectionSummary  `json:"default_connection,omitempty"`
	Degraded          bool                `json:"degraded"`
	Notice            string              `json:"notice,omitempty"`
}

// Anonymous is the context for requests without a principal.
func Anonymous() SafeContext {
	return SafeContext{Connections: []ConnectionSummary{}}
}

// Degraded is the anonymous context flagged for an inline notice.
func Degraded(notice string) SafeContext {
	sc := Anonymous()
	sc.Degraded = true
	sc.Notice = notice
	return sc
}

// Build snapshots p and its connections. A nil principal yields Anonymous.
// Errors from the proxy are returned unchanged; the caller decides whether
// to degrade.
func Build(ctx context.Context, p *principal.Principal) (SafeContext, error) {
	if p == nil {
		return Anonymous(), nil
	}
	u, err := p.Entity(ctx)
	if err != nil {
		return SafeContext{}, err
	}
	conns, err := p.Connections(ctx)
	if err != nil {
		return SafeContext{}, err
	}

	sc := SafeContext{
		Authenticated: true,
		Principal: &PrincipalView{
			ID:          u.ID,
			DisplayName: Clean(u.Username),
			Role:        string(u.Role),
			RoleLabel:   RoleLabel(u.Role),
		},
		Connections: make([]ConnectionSummary, 0, len(conns)),
	}
	for _, c := range conns {
		sc.Connections = append(sc.Connections, Summarize(c))
	}
	if def := principal.PickDefault(conns); def != nil {
		s := Summarize(*def)
		sc.DefaultConnection = &s
	}
	return sc, nil
}

// Summarize converts a connection into its safe form. Credentials are never
// copied.
func Summarize(c domain.PlatformConnection) ConnectionSummary {
	return ConnectionSummary{
		ID:        c.ID,
		Name:      Clean(c.Name),
		Platform:  string(c.PlatformType),
		Host:      Clean(c.Host()),
		Username:  Clean(c.Username),
		IsActive:  c.IsActive,
		IsDefault: c.IsDefault,
	}
}

// RoleLabel returns the human-readable label for r.
func RoleLabel(r domain.Role) string {
	if !r.Valid() {
		return "Unknown"
	}
	// Casers keep state; one per call.
	return cases.Title(language.English).String(string(r))
}

// Clean strips markup from user-supplied text and clips it for display.
// The result is plain text; templates escape it on output.
func Clean(s string) string {
	strictOnce.Do(func() { strict = bluemonday.StrictPolicy() })
	out := strings.TrimSpace(html.UnescapeString(strict.Sanitize(s)))
	if utf8.RuneCountInString(out) > maxDisplayRunes {
		r := []rune(out)
		out = string(r[:maxDisplayRunes-1]) + "…"
	}
	return out
}
