// Package web renders the Civitas sign-in page.
package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"

	oauthCore "Civitas/internal/core/oauth"
)

//go:embed templates/*.html
var templatesFS embed.FS

var templateFuncs = template.FuncMap{
	"methodLabel": methodLabel,
}

// methodLabel names how the session was established
func methodLabel(m oauthCore.Method) string {
	switch m {
	case oauthCore.MethodOAuth:
		return "OAuth"
	case oauthCore.MethodPassword:
		return "app password"
	case oauthCore.MethodDemo:
		return "demo"
	default:
		return string(m)
	}
}

// Templates holds the parsed page templates
type Templates struct {
	templates *template.Template
}

// NewTemplates parses the embedded templates
func NewTemplates() (*Templates, error) {
	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	return &Templates{templates: tmpl}, nil
}

// Render executes the named template into a buffer and writes it only on
// success, so a failing template never leaves a half-written page behind.
func (t *Templates) Render(w http.ResponseWriter, name string, data any) error {
	tmpl := t.templates.Lookup(name)
	if tmpl == nil {
		return fmt.Errorf("template %q not found", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("failed to execute template %q: %w", name, err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, err := buf.WriteTo(w)
	return err
}
