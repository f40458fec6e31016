// Package httpapi exposes the editor views over HTTP.
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"blocksuite-view/server/internal/auth"
	"blocksuite-view/server/internal/log"
	"blocksuite-view/server/internal/payload"
	"blocksuite-view/server/internal/view"
)

type jsonResponse map[string]any

type errorResponse struct {
	Error string `json:"error"`
}

// Options configures page assets and the save rate limit.
type Options struct {
	StyleURLs    []string
	ScriptURLs   []string
	SaveRequests int
	SaveWindow   time.Duration
}

type Server struct {
	views *view.Service
	auth  *auth.Manager
	opts  Options
}

func NewServer(views *view.Service, authManager *auth.Manager, opts Options) *Server {
	return &Server{views: views, auth: authManager, opts: opts}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(log.Middleware())
	r.Use(metricsMiddleware)

	r.Get("/healthz", handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	static, err := fs.Sub(view.StaticFS, "static")
	if err != nil {
		panic(fmt.Sprintf("static assets: %v", err))
	}
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(static))))
	r.Handle("/auth/callback", s.auth.CallbackHandler())
	r.Get("/logout", s.auth.LogoutHandler())
	r.Post("/logout", s.auth.LogoutHandler())

	r.Group(func(r chi.Router) {
		r.Use(s.auth.OIDCMiddleware(publicPath))
		r.Use(s.auth.WithUser)
		r.Use(s.auth.RequireCSRF)

		r.Get("/login", s.auth.LoginHandler())
		r.Get("/", s.handleIndex)
		r.Get("/functions", handleFunctions)
		r.Get("/view/{viewname}", s.handleView)
		r.Get("/view/{viewname}/source", s.handleSource)
		r.With(s.saveRateLimit()...).Post("/view/{viewname}/save", s.handleSave)

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Get("/views", s.handleListViews)
			r.Get("/views/{viewname}/configure", s.handleConfigureForm)
			r.Post("/views/{viewname}/configure", s.handleConfigure)
		})
	})
	return r
}

// publicPath lets anonymous users reach views of public tables; only login
// and admin pages force the identity provider.
func publicPath(r *http.Request) bool {
	return r.URL.Path != "/login" && !strings.HasPrefix(r.URL.Path, "/admin")
}

func (s *Server) saveRateLimit() []func(http.Handler) http.Handler {
	if s.opts.SaveRequests <= 0 || s.opts.SaveWindow <= 0 {
		return nil
	}
	window := s.opts.SaveWindow
	return []func(http.Handler) http.Handler{
		httprate.Limit(
			s.opts.SaveRequests,
			window,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
				writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many requests"})
			}),
		),
	}
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.UserFromContext(r.Context()).RoleID != 1 {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "admin role required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var body bytes.Buffer
	if err := view.RenderIndex(&body, s.views.Views().List()); err != nil {
		writeError(w, err)
		return
	}
	s.writeDocument(w, http.StatusOK, view.Document{Title: "Documents", Body: template.HTML(body.String())})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "viewname")
	state, err := view.ParseState(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := s.auth.CSRFToken(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := s.views.Run(r.Context(), name, state, auth.UserFromContext(r.Context()), token)
	if err != nil {
		viewRenders.WithLabelValues(s.viewLabel(name), "error").Inc()
		writeError(w, err)
		return
	}
	outcome := "rendered"
	if body == "" {
		outcome = "denied"
	}
	viewRenders.WithLabelValues(s.viewLabel(name), outcome).Inc()
	s.writeDocument(w, http.StatusOK, view.Document{
		Title:      name,
		Body:       body,
		StyleURLs:  s.opts.StyleURLs,
		ScriptURLs: s.opts.ScriptURLs,
		Editor:     body != "",
	})
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "viewname")
	state, err := view.ParseState(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := s.views.Source(r.Context(), name, state, auth.UserFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeDocument(w, http.StatusOK, view.Document{Title: name, Body: body, StyleURLs: s.opts.StyleURLs})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "viewname")
	var req view.SaveRequest
	if err := decodeJSON(r, &req); err != nil {
		logger := log.WithComponentFromContext(r.Context(), "httpapi")
		logger.Warn().Err(err).Str(log.FieldView, name).Msg("save decode error")
		documentSaves.WithLabelValues(s.viewLabel(name), "bad_request").Inc()
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	result, err := s.views.Save(r.Context(), name, auth.UserFromContext(r.Context()), req)
	if err != nil {
		documentSaves.WithLabelValues(s.viewLabel(name), view.KindOf(err).String()).Inc()
		writeError(w, err)
		return
	}
	if result.Created {
		documentSaves.WithLabelValues(s.viewLabel(name), "created").Inc()
		http.Redirect(w, r, view.ViewURL(name, result.ID), http.StatusFound)
		return
	}
	documentSaves.WithLabelValues(s.viewLabel(name), "updated").Inc()
	writeJSON(w, http.StatusOK, jsonResponse{"id": result.ID})
}

func handleFunctions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jsonResponse{"functions": payload.Functions()})
}

type viewInfo struct {
	Name             string           `json:"name"`
	Table            string           `json:"table"`
	Configuration    any              `json:"configuration"`
	DisplayStateForm bool             `json:"displayStateForm"`
	StateFields      []view.FormField `json:"stateFields"`
}

func (s *Server) handleListViews(w http.ResponseWriter, r *http.Request) {
	defs := s.views.Views().List()
	out := make([]viewInfo, 0, len(defs))
	for _, d := range defs {
		out = append(out, viewInfo{
			Name:             d.Name,
			Table:            d.Table,
			Configuration:    d.Configuration,
			DisplayStateForm: view.DisplayStateForm,
			StateFields:      view.StateFields(),
		})
	}
	writeJSON(w, http.StatusOK, jsonResponse{"views": out})
}

func (s *Server) handleConfigureForm(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "viewname")
	form, def, err := s.views.ConfigureForm(r.Context(), name, r.URL.Query().Get("table"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.renderConfigure(w, r, http.StatusOK, name, def.Table, form, false)
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "viewname")
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	form, def, err := s.views.Configure(r.Context(), name, r.PostForm.Get("table"), r.PostForm)
	if err != nil {
		if view.KindOf(err) == view.KindBadRequest && len(form.Fields) > 0 {
			s.renderConfigure(w, r, http.StatusBadRequest, name, def.Table, form, false)
			return
		}
		writeError(w, err)
		return
	}
	s.renderConfigure(w, r, http.StatusOK, name, def.Table, form, true)
}

func (s *Server) renderConfigure(w http.ResponseWriter, r *http.Request, status int, name, table string, form view.Form, saved bool) {
	token, err := s.auth.CSRFToken(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body bytes.Buffer
	if err := view.RenderConfigure(&body, view.ConfigurePage{
		View:      name,
		Table:     table,
		Step:      view.ConfigurationWorkflow()[0].Name,
		Form:      form,
		CSRFToken: token,
		Saved:     saved,
	}); err != nil {
		writeError(w, err)
		return
	}
	s.writeDocument(w, status, view.Document{Title: "Configure " + name, Body: template.HTML(body.String()), StyleURLs: s.opts.StyleURLs})
}

func (s *Server) writeDocument(w http.ResponseWriter, status int, doc view.Document) {
	var buf bytes.Buffer
	if err := view.RenderDocument(&buf, doc); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jsonResponse{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func statusFor(err error) int {
	switch view.KindOf(err) {
	case view.KindBadRequest:
		return http.StatusBadRequest
	case view.KindForbidden:
		return http.StatusForbidden
	case view.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	msg := "internal error"
	var ve *view.Error
	if errors.As(err, &ve) {
		msg = ve.Error()
		if ve.Kind == view.KindInternal && ve.Msg != "" {
			// Wrapped storage errors stay in the log.
			msg = ve.Msg
		}
	}
	writeJSON(w, statusFor(err), errorResponse{Error: msg})
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(payload)
}
