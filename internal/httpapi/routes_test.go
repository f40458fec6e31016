package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"blocksuite-view/server/internal/auth"
	"blocksuite-view/server/internal/config"
	"blocksuite-view/server/internal/storage"
	"blocksuite-view/server/internal/view"
)

const testSessionKey = "test-session-key-with-enough-bytes!!"

var csrfPattern = regexp.MustCompile(`"csrfToken":"([0-9a-f-]+)"`)

type testEnv struct {
	server *httptest.Server
	client *http.Client
	store  storage.Store
	views  *view.Registry
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	store, err := storage.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.Init(t.Context()); err != nil {
		t.Fatalf("init sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.EnsureTable(t.Context(), storage.Table{
		Name: "notes",
		Fields: []storage.Field{
			{Name: "body", Type: storage.FieldJSON},
			{Name: "owner", Type: storage.FieldString},
		},
		MinRoleRead:    80,
		MinRoleWrite:   80,
		OwnershipField: "owner",
	}); err != nil {
		t.Fatalf("ensure table: %v", err)
	}
	return store
}

// newTestEnv starts a server where every request runs as user with role.
func newTestEnv(t *testing.T, user string, role int, opts Options) *testEnv {
	t.Helper()
	store := newTestStore(t)
	registry := view.NewRegistry(filepath.Join(t.TempDir(), "views.jsonc"), []config.ViewDef{
		{Name: "editor", Table: "notes", Configuration: config.ViewOptions{JSONField: "body"}},
		{Name: "reader", Table: "notes", Configuration: config.ViewOptions{JSONField: "body", ReadOnly: true}},
	})
	manager, err := auth.NewManager(auth.Config{
		SessionKey: testSessionKey,
		DevUser:    user,
		DevRole:    role,
	}, store)
	if err != nil {
		t.Fatalf("auth manager: %v", err)
	}
	server := httptest.NewServer(NewServer(view.NewService(store, registry), manager, opts).Routes())
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &testEnv{
		server: server,
		client: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		store: store,
		views: registry,
	}
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := e.client.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

// csrfToken loads the editor page so the session carries a token.
func (e *testEnv) csrfToken(t *testing.T) string {
	t.Helper()
	return e.csrfTokenFrom(t, "/view/editor")
}

func (e *testEnv) csrfTokenFrom(t *testing.T, path string) string {
	t.Helper()
	resp, body := e.get(t, path)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("view status: got %d", resp.StatusCode)
	}
	match := csrfPattern.FindStringSubmatch(body)
	if match == nil {
		t.Fatalf("csrf token missing from page")
	}
	return match[1]
}

func (e *testEnv) save(t *testing.T, viewName, token string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/view/"+viewName+"/save", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(auth.CSRFHeader, token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	var payload errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return payload.Error
}

var doc = map[string]any{"docs": []any{map[string]any{"meta": map[string]any{"id": "page1"}}}}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, "member", 80, Options{})
	resp, body := env.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	if !strings.Contains(body, `"status": "ok"`) {
		t.Fatalf("body: %s", body)
	}
}

func TestViewPageBootstrap(t *testing.T) {
	env := newTestEnv(t, "member", 80, Options{ScriptURLs: []string{"https://cdn.example/blocksuite.js"}})
	resp, body := env.get(t, "/view/editor")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	for _, want := range []string{
		`id="affine-editor-container"`,
		`"saveUrl":"/view/editor/save"`,
		`"currentId":""`,
		`https://cdn.example/blocksuite.js`,
		`/static/js/blocksuite-view.js`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("page missing %q", want)
		}
	}
}

func TestViewPageDeniedForPublic(t *testing.T) {
	env := newTestEnv(t, "", 0, Options{})
	resp, body := env.get(t, "/view/editor")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	if strings.Contains(body, "affine-editor-container") {
		t.Fatalf("public user should not get the editor")
	}
}

func TestViewInvalidID(t *testing.T) {
	env := newTestEnv(t, "member", 80, Options{})
	resp, _ := env.get(t, "/view/editor?id=abc")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
}

func TestUnknownViewNotFound(t *testing.T) {
	env := newTestEnv(t, "member", 80, Options{})
	resp, _ := env.get(t, "/view/missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
}

func TestSaveCreateRedirectsThenUpdateReturnsID(t *testing.T) {
	env := newTestEnv(t, "member", 80, Options{})
	token := env.csrfToken(t)

	resp := env.save(t, "editor", token, map[string]any{"id": "", "content": doc})
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("create status: got %d", resp.StatusCode)
	}
	location := resp.Header.Get("Location")
	u, err := url.Parse(location)
	if err != nil {
		t.Fatalf("location: %v", err)
	}
	if u.Path != "/view/editor" || u.Query().Get("id") == "" {
		t.Fatalf("location: got %q", location)
	}
	id := u.Query().Get("id")

	row, err := env.store.GetRow(context.Background(), "notes", mustAtoi(t, id))
	if err != nil {
		t.Fatalf("get row: %v", err)
	}
	if row.StringValue("owner") != "member" {
		t.Fatalf("owner: got %q", row.StringValue("owner"))
	}

	resp = env.save(t, "editor", token, map[string]any{"id": id, "content": doc})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status: got %d", resp.StatusCode)
	}
	var out struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID != mustAtoi(t, id) {
		t.Fatalf("id: got %d want %s", out.ID, id)
	}

	_, body := env.get(t, "/view/editor?id="+id)
	if !strings.Contains(body, `"currentId":"`+id+`"`) {
		t.Fatalf("page should carry the row id")
	}
}

func TestSaveRequiresCSRFToken(t *testing.T) {
	env := newTestEnv(t, "member", 80, Options{})
	env.csrfToken(t)

	resp := env.save(t, "editor", "", map[string]any{"content": doc})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	resp = env.save(t, "editor", "not-the-token", map[string]any{"content": doc})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status with wrong token: got %d", resp.StatusCode)
	}
}

func TestSaveErrors(t *testing.T) {
	env := newTestEnv(t, "member", 80, Options{})
	token := env.csrfToken(t)

	cases := []struct {
		name   string
		view   string
		body   any
		status int
	}{
		{name: "read only view", view: "reader", body: map[string]any{"content": doc}, status: http.StatusForbidden},
		{name: "unknown view", view: "missing", body: map[string]any{"content": doc}, status: http.StatusNotFound},
		{name: "missing row", view: "editor", body: map[string]any{"id": 9999, "content": doc}, status: http.StatusNotFound},
		{name: "negative id", view: "editor", body: map[string]any{"id": -1, "content": doc}, status: http.StatusBadRequest},
		{name: "unknown key", view: "editor", body: map[string]any{"content": doc, "extra": true}, status: http.StatusBadRequest},
		{name: "non document field", view: "editor", body: map[string]any{"content": doc, "field": "nope"}, status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.save(t, tc.view, token, tc.body)
			if resp.StatusCode != tc.status {
				t.Fatalf("status: got %d want %d", resp.StatusCode, tc.status)
			}
			if msg := decodeError(t, resp); msg == "" {
				t.Fatalf("error message should be set")
			}
		})
	}
}

func TestSaveOwnerOnlyForPublicRole(t *testing.T) {
	env := newTestEnv(t, "guest", 100, Options{})
	insert := func(owner string) int64 {
		id, err := env.store.InsertRow(context.Background(), "notes", map[string]json.RawMessage{
			"owner": json.RawMessage(`"` + owner + `"`),
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		return id
	}
	own := insert("guest")
	foreign := insert("someone-else")
	token := env.csrfTokenFrom(t, "/view/editor?id="+itoa(own))

	if resp := env.save(t, "editor", token, map[string]any{"id": own, "content": doc}); resp.StatusCode != http.StatusOK {
		t.Fatalf("own row: got %d", resp.StatusCode)
	}
	if resp := env.save(t, "editor", token, map[string]any{"id": foreign, "content": doc}); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign row: got %d", resp.StatusCode)
	}
	if resp := env.save(t, "editor", token, map[string]any{"content": doc}); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("create: got %d", resp.StatusCode)
	}

	_, body := env.get(t, "/view/editor?id="+itoa(foreign))
	if strings.Contains(body, "affine-editor-container") {
		t.Fatalf("foreign row should not render")
	}
}

func TestSaveRateLimited(t *testing.T) {
	env := newTestEnv(t, "member", 80, Options{SaveRequests: 1, SaveWindow: time.Minute})
	token := env.csrfToken(t)

	resp := env.save(t, "editor", token, map[string]any{"content": doc})
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("first save: got %d", resp.StatusCode)
	}
	resp = env.save(t, "editor", token, map[string]any{"content": doc})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second save: got %d", resp.StatusCode)
	}
}

func TestSourcePage(t *testing.T) {
	env := newTestEnv(t, "member", 80, Options{})
	id, err := env.store.InsertRow(context.Background(), "notes", map[string]json.RawMessage{
		"owner": json.RawMessage(`"member"`),
		"body":  json.RawMessage(`{"docs":[{"title":"<b>x</b>"}]}`),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	resp, body := env.get(t, "/view/editor/source?id="+itoa(id))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "<pre>") || strings.Contains(body, "<b>x</b>") {
		t.Fatalf("source should be escaped inside pre: %s", body)
	}
}

func TestFunctions(t *testing.T) {
	env := newTestEnv(t, "member", 80, Options{})
	resp, body := env.get(t, "/functions")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "blocksuite_json_to_html") {
		t.Fatalf("functions: %s", body)
	}
}

func TestAdminRequiresAdminRole(t *testing.T) {
	env := newTestEnv(t, "member", 80, Options{})
	resp, _ := env.get(t, "/admin/views")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
}

func TestAdminConfigureView(t *testing.T) {
	env := newTestEnv(t, "root", 1, Options{})
	resp, body := env.get(t, "/admin/views/editor/configure")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("form status: got %d", resp.StatusCode)
	}
	match := regexp.MustCompile(`name="_csrf" value="([0-9a-f-]+)"`).FindStringSubmatch(body)
	if match == nil {
		t.Fatalf("form should carry a csrf token")
	}

	form := url.Values{
		"_csrf":      {match[1]},
		"json_field": {"body"},
		"autosave":   {"on"},
	}
	resp, err := env.client.PostForm(env.server.URL+"/admin/views/editor/configure", form)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("configure status: got %d", resp.StatusCode)
	}
	def, ok := env.views.Get("editor")
	if !ok {
		t.Fatalf("view should exist")
	}
	if !def.Configuration.Autosave || def.Configuration.ReadOnly {
		t.Fatalf("configuration: got %+v", def.Configuration)
	}

	form.Set("json_field", "owner-missing")
	resp, err = env.client.PostForm(env.server.URL+"/admin/views/editor/configure", form)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid configure status: got %d", resp.StatusCode)
	}
}

func TestMetricsFoldUnknownViews(t *testing.T) {
	env := newTestEnv(t, "member", 80, Options{})
	env.get(t, "/view/editor")
	unknownBefore := testutil.ToFloat64(viewRenders.WithLabelValues(unknownView, "error"))
	series := testutil.CollectAndCount(viewRenders)

	for _, name := range []string{"missing-a", "missing-b", "missing-c"} {
		resp, _ := env.get(t, "/view/"+name)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status for %s: got %d", name, resp.StatusCode)
		}
	}

	if got := testutil.CollectAndCount(viewRenders); got != series {
		t.Fatalf("series count: got %d want %d", got, series)
	}
	if got := testutil.ToFloat64(viewRenders.WithLabelValues(unknownView, "error")); got != unknownBefore+3 {
		t.Fatalf("unknown renders: got %v want %v", got, unknownBefore+3)
	}
	if got := testutil.ToFloat64(viewRenders.WithLabelValues("editor", "rendered")); got < 1 {
		t.Fatalf("editor renders: got %v", got)
	}
}

func mustAtoi(t *testing.T, s string) int64 {
	t.Helper()
	var id int64
	if err := json.Unmarshal([]byte(s), &id); err != nil {
		t.Fatalf("parse id %q: %v", s, err)
	}
	return id
}

func itoa(id int64) string {
	data, _ := json.Marshal(id)
	return string(data)
}
