package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
)

// ViewOptions is the stored configuration of one editor view.
type ViewOptions struct {
	JSONField        string `json:"json_field"`
	ReadOnly         bool   `json:"read_only,omitempty"`
	MultiplePages    bool   `json:"multiple_pages,omitempty"`
	EdgelessSwitcher bool   `json:"edgeless_switcher,omitempty"`
	Autosave         bool   `json:"autosave,omitempty"`
}

// ViewDef binds a view name to a table and its options.
type ViewDef struct {
	Name          string      `json:"name"`
	Table         string      `json:"table"`
	Configuration ViewOptions `json:"configuration"`
}

type viewsFile struct {
	Views []ViewDef `json:"views"`
}

var errViewNameRequired = errors.New("view name is required")

// LoadViews reads a JSONC views file. A missing file is an empty set.
func LoadViews(path string) ([]ViewDef, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-provided path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read views %s: %w", path, err)
	}
	views, err := ParseViews(data)
	if err != nil {
		return nil, fmt.Errorf("views %s: %w", path, err)
	}
	return views, nil
}

// ParseViews decodes JSONC (comments and trailing commas allowed).
func ParseViews(data []byte) ([]ViewDef, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONC: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()
	var file viewsFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	seen := make(map[string]bool, len(file.Views))
	for _, v := range file.Views {
		if v.Name == "" {
			return nil, errViewNameRequired
		}
		if seen[v.Name] {
			return nil, fmt.Errorf("duplicate view %q", v.Name)
		}
		seen[v.Name] = true
	}
	return file.Views, nil
}

// SaveViews replaces the views file atomically. Comments in the previous
// file are not preserved.
func SaveViews(path string, views []ViewDef) error {
	if views == nil {
		views = []ViewDef{}
	}
	data, err := json.MarshalIndent(viewsFile{Views: views}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode views: %w", err)
	}
	data = append(data, '\n')
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write views %s: %w", path, err)
	}
	return nil
}
