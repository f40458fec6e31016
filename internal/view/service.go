// Package view implements the document editor view: configuration, the
// access-checked render, and the save operation behind the page.
package view

import (
	"bytes"
	"context"
	"errors"
	"html/template"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"

	"blocksuite-view/server/internal/access"
	"blocksuite-view/server/internal/config"
	"blocksuite-view/server/internal/log"
	"blocksuite-view/server/internal/payload"
	"blocksuite-view/server/internal/storage"
)

// DisplayStateForm is false: the view is addressed by row id only and has no
// filter form.
const DisplayStateForm = false

// StateFields returns the filter fields the view accepts. It has none.
func StateFields() []FormField { return []FormField{} }

type Service struct {
	store  storage.Store
	views  *Registry
	logger zerolog.Logger
}

func NewService(store storage.Store, views *Registry) *Service {
	return &Service{
		store:  store,
		views:  views,
		logger: log.WithComponent("view"),
	}
}

func (s *Service) Views() *Registry { return s.views }

// State is the request state a view runs with.
type State struct {
	ID int64
}

// ParseState reads the row id from query values. A missing or empty id
// means "new document".
func ParseState(q url.Values) (State, error) {
	raw := q.Get("id")
	if raw == "" {
		return State{}, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return State{}, newError(KindBadRequest, "id must be a non-negative integer", nil)
	}
	return State{ID: id}, nil
}

// Page is everything the view template needs.
type Page struct {
	View             string
	ReadOnly         bool
	MultiplePages    bool
	EdgelessSwitcher bool
	Autosave         bool
	ShowNewDoc       bool
	ShowSaveButton   bool
	SaveButtonID     string
	Bootstrap        Bootstrap
}

// Bootstrap is handed to the client script as JSON.
type Bootstrap struct {
	ReadOnly      bool             `json:"readOnly"`
	MultiplePages bool             `json:"multiplePages"`
	Autosave      bool             `json:"autosave"`
	CurrentID     string           `json:"currentId"`
	SaveURL       string           `json:"saveUrl"`
	Field         string           `json:"field"`
	CSRFToken     string           `json:"csrfToken"`
	SaveButtonID  string           `json:"saveButtonId"`
	Initial       *payload.Payload `json:"initial"`
}

const saveButtonID = "blocksuite-save"

// SaveURL is the path the client posts documents to.
func SaveURL(viewName string) string {
	return "/view/" + url.PathEscape(viewName) + "/save"
}

// ViewURL is the page path for a row of a view.
func ViewURL(viewName string, id int64) string {
	u := "/view/" + url.PathEscape(viewName)
	if id != 0 {
		u += "?id=" + strconv.FormatInt(id, 10)
	}
	return u
}

func (s *Service) def(name string) (config.ViewDef, error) {
	def, ok := s.views.Get(name)
	if !ok {
		return config.ViewDef{}, newError(KindNotFound, "view "+name+" not found", nil)
	}
	return def, nil
}

func (s *Service) table(ctx context.Context, name string) (storage.Table, error) {
	table, err := s.store.GetTable(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Table{}, newError(KindInternal, "table not found", err)
		}
		return storage.Table{}, newError(KindInternal, "load table", err)
	}
	return table, nil
}

// fetchRow returns nil when there is no id or the row cannot be read.
func (s *Service) fetchRow(ctx context.Context, logger zerolog.Logger, table string, id int64) *storage.Row {
	if id == 0 {
		return nil
	}
	row, err := s.store.GetRow(ctx, table, id)
	if err != nil {
		logger.Debug().Err(err).Str(log.FieldTable, table).Int64(log.FieldRowID, id).Msg("row unavailable, rendering without document")
		return nil
	}
	return &row
}

// BuildPage evaluates access for user and returns the page model. A nil page
// with a nil error means the user may not see the view.
func (s *Service) BuildPage(ctx context.Context, viewName string, state State, user storage.User, csrfToken string) (*Page, error) {
	def, err := s.def(viewName)
	if err != nil {
		return nil, err
	}
	table, err := s.table(ctx, def.Table)
	if err != nil {
		return nil, err
	}
	logger := log.WithContext(ctx, s.logger).With().Str(log.FieldView, viewName).Logger()
	cfg := def.Configuration
	row := s.fetchRow(ctx, logger, table.Name, state.ID)

	render, readOnly := access.Gate(access.Decide(user, table, row), cfg.ReadOnly)
	if !render {
		return nil, nil
	}

	var initial *payload.Payload
	currentID := ""
	if row != nil {
		currentID = strconv.FormatInt(row.ID, 10)
		raw := row.Value(cfg.JSONField)
		if p, ok := payload.Decode(raw); ok {
			initial = &p
		} else if raw != nil {
			logger.Warn().Int64(log.FieldRowID, row.ID).Str(log.FieldField, cfg.JSONField).Msg("stored document unreadable, seeding empty document")
		}
	}

	return &Page{
		View:             viewName,
		ReadOnly:         readOnly,
		MultiplePages:    cfg.MultiplePages,
		EdgelessSwitcher: cfg.EdgelessSwitcher,
		Autosave:         cfg.Autosave,
		ShowNewDoc:       !readOnly && cfg.MultiplePages,
		ShowSaveButton:   !readOnly && (!cfg.Autosave || currentID == ""),
		SaveButtonID:     saveButtonID,
		Bootstrap: Bootstrap{
			ReadOnly:      readOnly,
			MultiplePages: cfg.MultiplePages,
			Autosave:      cfg.Autosave,
			CurrentID:     currentID,
			SaveURL:       SaveURL(viewName),
			Field:         cfg.JSONField,
			CSRFToken:     csrfToken,
			SaveButtonID:  saveButtonID,
			Initial:       initial,
		},
	}, nil
}

// Run renders the view for user. It returns an empty string when the user
// may not read the row and the view is not read-only.
func (s *Service) Run(ctx context.Context, viewName string, state State, user storage.User, csrfToken string) (template.HTML, error) {
	page, err := s.BuildPage(ctx, viewName, state, user, csrfToken)
	if err != nil || page == nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, "view.html", page); err != nil {
		return "", newError(KindInternal, "render view", err)
	}
	return template.HTML(buf.String()), nil
}

type sourcePage struct {
	View    string
	ID      int64
	Content string
}

// Source renders the stored document as preformatted JSON under the same
// access rules as Run.
func (s *Service) Source(ctx context.Context, viewName string, state State, user storage.User) (template.HTML, error) {
	def, err := s.def(viewName)
	if err != nil {
		return "", err
	}
	table, err := s.table(ctx, def.Table)
	if err != nil {
		return "", err
	}
	logger := log.WithContext(ctx, s.logger).With().Str(log.FieldView, viewName).Logger()
	row := s.fetchRow(ctx, logger, table.Name, state.ID)
	if render, _ := access.Gate(access.Decide(user, table, row), def.Configuration.ReadOnly); !render {
		return "", nil
	}
	data := sourcePage{View: viewName}
	if row != nil {
		data.ID = row.ID
		if text := row.StringValue(def.Configuration.JSONField); text != "" {
			data.Content = text
		} else if raw := row.Value(def.Configuration.JSONField); raw != nil {
			data.Content = string(raw)
		}
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, "source.html", data); err != nil {
		return "", newError(KindInternal, "render source", err)
	}
	return template.HTML(buf.String()), nil
}
