package view

import (
	"embed"
	"html/template"
	"io"

	"blocksuite-view/server/internal/config"
	"blocksuite-view/server/internal/payload"
)

//go:embed templates/*.html
var templateFS embed.FS

// StaticFS holds the client script served under /static/.
//
//go:embed static
var StaticFS embed.FS

var templates = template.Must(
	template.New("view").Funcs(payload.FuncMap()).ParseFS(templateFS, "templates/*.html"),
)

// Document is the HTML shell around a rendered view.
type Document struct {
	Title      string
	Body       template.HTML
	StyleURLs  []string
	ScriptURLs []string
	// Editor reports whether the editor client script should be loaded.
	Editor bool
}

// RenderDocument writes a complete HTML page.
func RenderDocument(w io.Writer, doc Document) error {
	return templates.ExecuteTemplate(w, "page.html", doc)
}

// ConfigurePage is the data of the configuration screen.
type ConfigurePage struct {
	View      string
	Table     string
	Step      string
	Form      Form
	CSRFToken string
	Saved     bool
}

// RenderConfigure writes the configuration form body.
func RenderConfigure(w io.Writer, page ConfigurePage) error {
	return templates.ExecuteTemplate(w, "configure.html", page)
}

// RenderIndex writes the list of views.
func RenderIndex(w io.Writer, views []config.ViewDef) error {
	return templates.ExecuteTemplate(w, "index.html", views)
}
