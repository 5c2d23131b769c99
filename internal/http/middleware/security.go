// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides SecurityHeaders, a hardening middleware that attaches a
// conservative set of HTTP security headers. The service answers both JSON
// API clients and browsers (dashboard and login form), so a
// Content-Security-Policy is sent only to requests that accept HTML.
//
// Design notes:
//   - HSTS is opt-in and only applied when the request is actually HTTPS
//   - Authenticated pages must not be cached by shared caches (NoStore)
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-session-guard/internal/auth"
)

// DefaultContentSecurityPolicy allows only same-origin resources and inline
// styles (used by the dashboard template).
const DefaultContentSecurityPolicy = "default-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; " +
	"form-action 'self'; frame-ancestors 'none'; base-uri 'none'"

// SecurityOptions configures HTTP security headers emitted by SecurityHeaders.
//
// EnableHSTS controls whether to emit Strict-Transport-Security for HTTPS
// requests (never for plain HTTP). Only enable when traffic is HTTPS
// end-to-end (including between proxy and app).
//
// HSTSMaxAge is the lifetime for HSTS. Defaults to 180 days.
//
// NoStore adds Cache-Control: no-store (plus legacy Pragma/Expires).
//
// EnablePolicy sends Permissions-Policy and X-Permitted-Cross-Domain-Policies.
//
// ContentSecurityPolicy is sent to HTML requests. Empty disables it.
type SecurityOptions struct {
	EnableHSTS            bool          // set true only when traffic is HTTPS end-to-end
	HSTSMaxAge            time.Duration // e.g., 180 * 24h
	NoStore               bool          // add Cache-Control: no-store
	EnablePolicy          bool          // include Permissions-Policy, etc.
	ContentSecurityPolicy string        // e.g., DefaultContentSecurityPolicy
}

// SecurityHeaders returns a Gin middleware that adds security headers to
// each response.
//
// Behavior:
//   - Always sets:
//     X-Content-Type-Options: nosniff
//     X-Frame-Options: DENY
//     Referrer-Policy: no-referrer
//   - When EnablePolicy: Permissions-Policy and
//     X-Permitted-Cross-Domain-Policies: none
//   - When NoStore: Cache-Control: no-store, Pragma: no-cache, Expires: 0
//   - When EnableHSTS and the request is HTTPS:
//     Strict-Transport-Security: max-age=<seconds>; includeSubDomains; preload
//   - When ContentSecurityPolicy is set and the client accepts HTML:
//     Content-Security-Policy
//   - If X-Request-ID is present, exposes it via Access-Control-Expose-Headers
//     so browser clients can read it.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour).Seconds())
	}
	hsts := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains; preload"

	return func(c *gin.Context) {
		h := c.Writer.Header()

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if opt.EnablePolicy {
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
		}

		if opt.NoStore {
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		}

		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}

		if opt.ContentSecurityPolicy != "" && auth.WantsHTML(c.Request) {
			h.Set("Content-Security-Policy", opt.ContentSecurityPolicy)
		}

		if rid := h.Get(requestIDHeader); rid != "" {
			const hdr = "Access-Control-Expose-Headers"
			cur := h.Get(hdr)
			if cur == "" {
				h.Set(hdr, requestIDHeader)
			} else if !strings.Contains(cur, requestIDHeader) {
				h.Set(hdr, cur+", "+requestIDHeader)
			}
		}

		c.Next()
	}
}

// isHTTPS reports whether the incoming request used HTTPS either directly
// (r.TLS != nil) or via a reverse proxy that set X-Forwarded-Proto: https.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
