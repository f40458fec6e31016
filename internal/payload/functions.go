package payload

import (
	"errors"
	"html/template"
	"sort"
)

// Argument describes one parameter of a template function.
type Argument struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Function is a helper made available to templates and listed at /functions.
type Function struct {
	Name        string                         `json:"name"`
	Description string                         `json:"description"`
	Arguments   []Argument                     `json:"arguments"`
	IsAsync     bool                           `json:"isAsync"`
	Run         func(args ...any) (any, error) `json:"-"`
}

// JSONToHTMLName is the name templates use for ToHTML.
const JSONToHTMLName = "blocksuite_json_to_html"

var errArgCount = errors.New("expected exactly one argument")

// Functions lists the registered template functions, sorted by name.
func Functions() []Function {
	fns := []Function{
		{
			Name:        JSONToHTMLName,
			Description: "Convert a BlockSuite JSON document to escaped HTML",
			Arguments:   []Argument{{Name: "content", Type: "String"}},
			Run: func(args ...any) (any, error) {
				if len(args) != 1 {
					return nil, errArgCount
				}
				return ToHTML(args[0]), nil
			},
		},
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].Name < fns[j].Name })
	return fns
}

// FuncMap exposes the registered functions to html/template.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		JSONToHTMLName: ToHTML,
	}
}
