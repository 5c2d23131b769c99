// Package templates embeds the HTML pages served by the dashboard and login
// handlers.
package templates

import (
	"embed"
	"html/template"
)

//go:embed *.html
var files embed.FS

// Load parses every embedded page. Pages are addressed by file name, e.g.
// "dashboard.html".
func Load() (*template.Template, error) {
	return template.ParseFS(files, "*.html")
}

// MustLoad is Load for process start-up; it panics on a malformed template.
func MustLoad() *template.Template {
	return template.Must(Load())
}
