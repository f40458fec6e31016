package view

import (
	"context"
	"errors"
	"net/url"
	"slices"

	"blocksuite-view/server/internal/config"
	"blocksuite-view/server/internal/storage"
)

// Form field types understood by the configuration form.
const (
	InputString = "String"
	InputBool   = "Bool"
)

// FormField is one input of a configuration step.
type FormField struct {
	Name     string   `json:"name"`
	Label    string   `json:"label"`
	Type     string   `json:"type"`
	Options  []string `json:"options,omitempty"`
	Required bool     `json:"required,omitempty"`
}

// Form is the rendered state of a configuration step.
type Form struct {
	Fields []FormField        `json:"fields"`
	Values config.ViewOptions `json:"values"`
	Errors FieldErrors        `json:"errors,omitempty"`
}

// Step is one page of the configuration workflow.
type Step struct {
	Name string
	Form func(table storage.Table) Form
}

// ConfigurationWorkflow returns the steps an admin goes through to configure
// an editor view. There is a single step.
func ConfigurationWorkflow() []Step {
	return []Step{{Name: "Configuration", Form: ConfigurationForm}}
}

// DocumentFields lists the fields of table that can hold a document. The
// ownership field is never one of them.
func DocumentFields(table storage.Table) []string {
	var names []string
	for _, f := range table.Fields {
		if f.Type.HoldsDocument() && f.Name != table.OwnershipField {
			names = append(names, f.Name)
		}
	}
	return names
}

// ConfigurationForm builds the form for table.
func ConfigurationForm(table storage.Table) Form {
	return Form{
		Fields: []FormField{
			{Name: "json_field", Label: "BlockSuite JSON field", Type: InputString, Options: DocumentFields(table), Required: true},
			{Name: "read_only", Label: "Read-only", Type: InputBool},
			{Name: "multiple_pages", Label: "Multiple pages", Type: InputBool},
			{Name: "edgeless_switcher", Label: "Show edgeless switcher", Type: InputBool},
			{Name: "autosave", Label: "Auto-save", Type: InputBool},
		},
	}
}

// Apply validates submitted values against the form. On failure the
// returned error is FieldErrors.
func (f Form) Apply(values url.Values) (config.ViewOptions, error) {
	errs := FieldErrors{}
	var opts config.ViewOptions
	for _, field := range f.Fields {
		raw := values.Get(field.Name)
		switch field.Type {
		case InputBool:
			setBool(&opts, field.Name, parseCheckbox(raw))
		case InputString:
			if raw == "" {
				if field.Required {
					errs[field.Name] = "required"
				}
				continue
			}
			if len(field.Options) > 0 && !slices.Contains(field.Options, raw) {
				errs[field.Name] = "not one of the allowed options"
				continue
			}
			if field.Name == "json_field" {
				opts.JSONField = raw
			}
		}
	}
	if len(errs) > 0 {
		return opts, errs
	}
	return opts, nil
}

func parseCheckbox(raw string) bool {
	switch raw {
	case "on", "true", "1", "yes":
		return true
	}
	return false
}

func setBool(opts *config.ViewOptions, name string, v bool) {
	switch name {
	case "read_only":
		opts.ReadOnly = v
	case "multiple_pages":
		opts.MultiplePages = v
	case "edgeless_switcher":
		opts.EdgelessSwitcher = v
	case "autosave":
		opts.Autosave = v
	}
}

// ConfigureForm returns the configuration form for a view, prefilled with
// its current options. tableName is only used for views that do not exist
// yet.
func (s *Service) ConfigureForm(ctx context.Context, viewName, tableName string) (Form, config.ViewDef, error) {
	def, err := s.resolveDef(viewName, tableName)
	if err != nil {
		return Form{}, config.ViewDef{}, err
	}
	table, err := s.table(ctx, def.Table)
	if err != nil {
		return Form{}, config.ViewDef{}, err
	}
	form := ConfigurationForm(table)
	form.Values = def.Configuration
	return form, def, nil
}

// Configure validates values and stores the view configuration.
func (s *Service) Configure(ctx context.Context, viewName, tableName string, values url.Values) (Form, config.ViewDef, error) {
	form, def, err := s.ConfigureForm(ctx, viewName, tableName)
	if err != nil {
		return Form{}, config.ViewDef{}, err
	}
	opts, err := form.Apply(values)
	if err != nil {
		var fe FieldErrors
		if errors.As(err, &fe) {
			form.Values = opts
			form.Errors = fe
		}
		return form, def, newError(KindBadRequest, "invalid configuration", err)
	}
	def.Configuration = opts
	if err := s.views.Put(def); err != nil {
		return form, def, newError(KindInternal, "store configuration", err)
	}
	form.Values = opts
	s.logger.Info().Str("view", def.Name).Str("table", def.Table).Str("json_field", opts.JSONField).Msg("view configured")
	return form, def, nil
}

func (s *Service) resolveDef(viewName, tableName string) (config.ViewDef, error) {
	if viewName == "" {
		return config.ViewDef{}, newError(KindBadRequest, "view name is required", nil)
	}
	if def, ok := s.views.Get(viewName); ok {
		return def, nil
	}
	if tableName == "" {
		return config.ViewDef{}, newError(KindNotFound, "view "+viewName+" not found", nil)
	}
	return config.ViewDef{Name: viewName, Table: tableName}, nil
}

// Checked reports whether the Bool input name is set in the form values.
func (f Form) Checked(name string) bool {
	switch name {
	case "read_only":
		return f.Values.ReadOnly
	case "multiple_pages":
		return f.Values.MultiplePages
	case "edgeless_switcher":
		return f.Values.EdgelessSwitcher
	case "autosave":
		return f.Values.Autosave
	}
	return false
}

// Value returns the current value of the String input name.
func (f Form) Value(name string) string {
	if name == "json_field" {
		return f.Values.JSONField
	}
	return ""
}
