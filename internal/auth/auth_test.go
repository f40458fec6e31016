package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	baseliboidc "github.com/aggregat4/go-baselib-services/v4/oidc"

	"blocksuite-view/server/internal/storage"
)

type memoryUsers struct {
	users map[string]storage.User
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{users: map[string]storage.User{}}
}

func (m *memoryUsers) GetUser(_ context.Context, id string) (storage.User, error) {
	u, ok := m.users[id]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (m *memoryUsers) EnsureUser(_ context.Context, user storage.User) (storage.User, error) {
	if u, ok := m.users[user.ID]; ok {
		return u, nil
	}
	m.users[user.ID] = user
	return user, nil
}

type failingUsers struct{}

func (failingUsers) GetUser(context.Context, string) (storage.User, error) {
	return storage.User{}, errors.New("database is locked")
}

func (failingUsers) EnsureUser(context.Context, storage.User) (storage.User, error) {
	return storage.User{}, errors.New("database is locked")
}

// Not valid base64, so it is used as raw key bytes.
const testKey = "test-session-key-with-enough-bytes!!"

func TestNewManagerRejectsPartialOIDC(t *testing.T) {
	if _, err := NewManager(Config{IssuerURL: "https://issuer"}, newMemoryUsers()); err == nil {
		t.Fatalf("expected error for partial oidc config")
	}
	if _, err := NewManager(Config{}, nil); err == nil {
		t.Fatalf("expected error without user store")
	}
}

func TestParseSessionKey(t *testing.T) {
	if _, err := parseSessionKey("short"); err == nil {
		t.Fatalf("short key accepted")
	}
	key, err := parseSessionKey(testKey)
	if err != nil || len(key) != len(testKey) {
		t.Fatalf("raw key: %v len=%d", err, len(key))
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(testKey + testKey))
	key, err = parseSessionKey(encoded)
	if err != nil || len(key) != 2*len(testKey) {
		t.Fatalf("base64 key: %v len=%d", err, len(key))
	}
	random, err := parseSessionKey("")
	if err != nil || len(random) != 32 {
		t.Fatalf("random key: %v len=%d", err, len(random))
	}
}

func TestDeriveCookieKeysDiffer(t *testing.T) {
	hashKey, blockKey := deriveCookieKeys([]byte(testKey))
	if string(hashKey) == string(blockKey) {
		t.Fatalf("hash and block keys must differ")
	}
}

func TestWithUserAnonymous(t *testing.T) {
	m, err := NewManager(Config{SessionKey: testKey}, newMemoryUsers())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	var got storage.User
	handler := m.WithUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = UserFromContext(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if got.ID != "" || got.RoleID != 100 {
		t.Fatalf("expected anonymous user, got %+v", got)
	}
}

func TestWithUserDevUser(t *testing.T) {
	users := newMemoryUsers()
	m, err := NewManager(Config{SessionKey: testKey, DevUser: "dev", DevRole: 40}, users)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	var got storage.User
	handler := m.WithUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = UserFromContext(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if got.ID != "dev" || got.RoleID != 40 {
		t.Fatalf("unexpected user %+v", got)
	}
	if _, ok := users.users["dev"]; !ok {
		t.Fatalf("dev user should be stored")
	}
	if !m.IsAuthenticated(httptest.NewRequest(http.MethodGet, "/", nil)) {
		t.Fatalf("dev mode is always authenticated")
	}
}

func TestWithUserStoreFailureIsServerError(t *testing.T) {
	m, err := NewManager(Config{SessionKey: testKey, DevUser: "dev"}, failingUsers{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	called := false
	handler := m.WithUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d", rec.Code)
	}
	if called {
		t.Fatalf("next handler should not run")
	}
}

func TestCSRFTokenReplacesUnreadableSession(t *testing.T) {
	m, err := NewManager(Config{SessionKey: testKey}, newMemoryUsers())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: baseliboidc.STDSessionCookieName, Value: "garbage"})
	rec := httptest.NewRecorder()
	token, err := m.CSRFToken(rec, req)
	if err != nil {
		t.Fatalf("csrf token: %v", err)
	}
	if token == "" || rec.Header().Get("Set-Cookie") == "" {
		t.Fatalf("expected a fresh token and cookie, got %q", token)
	}
}

func TestCSRFRoundTrip(t *testing.T) {
	m, err := NewManager(Config{SessionKey: testKey}, newMemoryUsers())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	issue := httptest.NewRecorder()
	token, err := m.CSRFToken(issue, httptest.NewRequest(http.MethodGet, "/view/x", nil))
	if err != nil || token == "" {
		t.Fatalf("issue token: %q %v", token, err)
	}
	cookies := issue.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatalf("session cookie not set")
	}

	protected := m.RequireCSRF(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(header string) int {
		req := httptest.NewRequest(http.MethodPost, "/view/x/save", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		for _, c := range cookies {
			req.AddCookie(c)
		}
		if header != "" {
			req.Header.Set(CSRFHeader, header)
		}
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send(token); code != http.StatusNoContent {
		t.Fatalf("valid token: got %d", code)
	}
	if code := send("wrong"); code != http.StatusForbidden {
		t.Fatalf("wrong token: got %d", code)
	}
	if code := send(""); code != http.StatusForbidden {
		t.Fatalf("missing token: got %d", code)
	}

	// The token is stable for the session.
	again := httptest.NewRequest(http.MethodGet, "/view/x", nil)
	for _, c := range cookies {
		again.AddCookie(c)
	}
	second, err := m.CSRFToken(httptest.NewRecorder(), again)
	if err != nil || second != token {
		t.Fatalf("token changed: %q vs %q (%v)", second, token, err)
	}
}

func TestCSRFFormField(t *testing.T) {
	m, err := NewManager(Config{SessionKey: testKey}, newMemoryUsers())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	issue := httptest.NewRecorder()
	token, err := m.CSRFToken(issue, httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/admin/views/x/configure", strings.NewReader(CSRFFormField+"="+token))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range issue.Result().Cookies() {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	m.RequireCSRF(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("form token: got %d", rec.Code)
	}
}

func TestSafeMethodsSkipCSRF(t *testing.T) {
	m, err := NewManager(Config{SessionKey: testKey}, newMemoryUsers())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	rec := httptest.NewRecorder()
	m.RequireCSRF(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET should pass: got %d", rec.Code)
	}
}

func TestOIDCMiddlewareDisabledIsPassThrough(t *testing.T) {
	m, err := NewManager(Config{SessionKey: testKey}, newMemoryUsers())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if m.OIDCEnabled() {
		t.Fatalf("oidc should be disabled")
	}
	rec := httptest.NewRecorder()
	m.OIDCMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("got %d", rec.Code)
	}
}
