package view

import (
	"sort"
	"sync"

	"blocksuite-view/server/internal/config"
)

// Registry holds the configured views. When path is set every change is
// written back to the views file.
type Registry struct {
	mu    sync.RWMutex
	path  string
	views map[string]config.ViewDef
}

func NewRegistry(path string, defs []config.ViewDef) *Registry {
	views := make(map[string]config.ViewDef, len(defs))
	for _, d := range defs {
		views[d.Name] = d
	}
	return &Registry{path: path, views: views}
}

// LoadRegistry reads path (JSONC) into a new Registry.
func LoadRegistry(path string) (*Registry, error) {
	defs, err := config.LoadViews(path)
	if err != nil {
		return nil, err
	}
	return NewRegistry(path, defs), nil
}

func (r *Registry) Get(name string) (config.ViewDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.views[name]
	return def, ok
}

// List returns all views sorted by name.
func (r *Registry) List() []config.ViewDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked()
}

func (r *Registry) sortedLocked() []config.ViewDef {
	out := make([]config.ViewDef, 0, len(r.views))
	for _, d := range r.views {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Put adds or replaces a view. The in-memory set only changes when the file
// write succeeds.
func (r *Registry) Put(def config.ViewDef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, existed := r.views[def.Name]
	r.views[def.Name] = def
	if r.path == "" {
		return nil
	}
	if err := config.SaveViews(r.path, r.sortedLocked()); err != nil {
		if existed {
			r.views[def.Name] = prev
		} else {
			delete(r.views, def.Name)
		}
		return err
	}
	return nil
}
