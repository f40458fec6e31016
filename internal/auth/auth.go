package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	baseliboidc "github.com/aggregat4/go-baselib-services/v4/oidc"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"

	"blocksuite-view/server/internal/access"
	"blocksuite-view/server/internal/log"
	"blocksuite-view/server/internal/storage"
)

type contextKey string

const (
	userContextKey contextKey = "auth.user"

	sessionUserID    = "user_id"
	sessionCSRFToken = "csrf_token"

	// CSRFHeader carries the token on fetch requests.
	CSRFHeader = "CSRF-Token"
	// CSRFFormField carries the token on form posts.
	CSRFFormField = "_csrf"
)

type Config struct {
	IssuerURL      string
	ClientID       string
	ClientSecret   string
	RedirectURL    string
	SessionKey     string
	SessionTTL     time.Duration
	CookieSecure   bool
	CookieSameSite http.SameSite
	CookieDomain   string
	FallbackURL    string
	// DefaultRole is given to users created on first OIDC login.
	DefaultRole int
	// DevUser, when set, replaces OIDC: every request runs as this user.
	DevUser string
	DevRole int
}

// UserStore is the part of storage the auth layer needs.
type UserStore interface {
	GetUser(ctx context.Context, id string) (storage.User, error)
	EnsureUser(ctx context.Context, user storage.User) (storage.User, error)
}

type Manager struct {
	oidcConfig    *baseliboidc.OidcConfiguration
	sessionStore  *sessions.CookieStore
	cookieOptions *sessions.Options
	fallbackURL   string
	users         UserStore
	defaultRole   int
	devUser       storage.User
}

func NewManager(cfg Config, users UserStore) (*Manager, error) {
	oidcEnabled := cfg.IssuerURL != "" || cfg.ClientID != "" || cfg.RedirectURL != ""
	if oidcEnabled && (cfg.IssuerURL == "" || cfg.ClientID == "" || cfg.RedirectURL == "") {
		return nil, errors.New("oidc issuer, client id, and redirect url are required")
	}
	if oidcEnabled && cfg.DevUser != "" {
		return nil, errors.New("dev user cannot be combined with oidc")
	}
	if users == nil {
		return nil, errors.New("user store is required")
	}
	masterKey, err := parseSessionKey(cfg.SessionKey)
	if err != nil {
		return nil, err
	}
	hashKey, blockKey := deriveCookieKeys(masterKey)
	store := sessions.NewCookieStore(hashKey, blockKey)
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 30 * 24 * time.Hour
	}
	if cfg.CookieSameSite == 0 {
		cfg.CookieSameSite = http.SameSiteLaxMode
	}
	if cfg.DefaultRole == 0 {
		cfg.DefaultRole = 80
	}
	if cfg.DevRole == 0 {
		cfg.DevRole = 1
	}
	options := &sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   cfg.CookieSecure,
		SameSite: cfg.CookieSameSite,
		Domain:   cfg.CookieDomain,
	}
	store.Options = options
	store.MaxAge(options.MaxAge)

	m := &Manager{
		sessionStore:  store,
		cookieOptions: options,
		fallbackURL:   cfg.FallbackURL,
		users:         users,
		defaultRole:   cfg.DefaultRole,
	}
	if oidcEnabled {
		m.oidcConfig = baseliboidc.CreateOidcConfiguration(cfg.IssuerURL, cfg.ClientID, cfg.ClientSecret, cfg.RedirectURL)
	}
	if cfg.DevUser != "" {
		m.devUser = storage.User{ID: cfg.DevUser, RoleID: cfg.DevRole}
	}
	return m, nil
}

// OIDCEnabled reports whether requests are authenticated through OIDC.
func (m *Manager) OIDCEnabled() bool {
	return m.oidcConfig != nil
}

// OIDCMiddleware redirects unauthenticated requests to the identity
// provider unless skipper returns true. Without OIDC it is a pass-through.
func (m *Manager) OIDCMiddleware(skipper func(r *http.Request) bool) func(http.Handler) http.Handler {
	if m.oidcConfig == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return m.oidcConfig.CreateOidcAuthenticationMiddleware(m.IsAuthenticated, skipper)
}

func (m *Manager) CallbackHandler() http.Handler {
	if m.oidcConfig == nil {
		return http.NotFoundHandler()
	}
	delegate := baseliboidc.CreateSTDSessionBasedOidcDelegate(m.handleIDToken, m.fallbackURL)
	return m.oidcConfig.CreateOidcCallbackHandler(delegate)
}

func (m *Manager) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		http.Redirect(w, r, "/", http.StatusFound)
	}
}

func (m *Manager) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		session, err := m.sessionStore.Get(r, baseliboidc.STDSessionCookieName)
		if err == nil {
			session.Options = cloneOptions(m.cookieOptions)
			session.Options.MaxAge = -1
			_ = session.Save(r, w)
		}
		http.Redirect(w, r, "/", http.StatusFound)
	}
}

// WithUser resolves the acting user and stores it in the request context.
// Requests without a session run as the anonymous public user.
func (m *Manager) WithUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := log.WithComponentFromContext(r.Context(), "auth")
		user := access.Anonymous()
		if m.devUser.ID != "" {
			stored, err := m.users.EnsureUser(r.Context(), m.devUser)
			if err != nil {
				logger.Error().Err(err).Msg("load dev user")
				http.Error(w, "user lookup failed", http.StatusInternalServerError)
				return
			}
			user = stored
		} else if userID, ok := m.userIDFromSession(r); ok {
			stored, err := m.users.GetUser(r.Context(), userID)
			switch {
			case err == nil:
				user = stored
			case errors.Is(err, storage.ErrNotFound):
				stored, err = m.users.EnsureUser(r.Context(), storage.User{ID: userID, RoleID: m.defaultRole})
				if err != nil {
					logger.Error().Err(err).Msg("create user")
					http.Error(w, "user lookup failed", http.StatusInternalServerError)
					return
				}
				user = stored
			default:
				logger.Error().Err(err).Msg("load user")
				http.Error(w, "user lookup failed", http.StatusInternalServerError)
				return
			}
		}
		ctx := ContextWithUser(r.Context(), user)
		if user.ID != "" {
			ctx = log.ContextWithUserID(ctx, user.ID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Manager) IsAuthenticated(r *http.Request) bool {
	if m.devUser.ID != "" {
		return true
	}
	userID, _ := m.userIDFromSession(r)
	return userID != ""
}

// UserFromContext returns the acting user, anonymous when none was set.
func UserFromContext(ctx context.Context) storage.User {
	user, ok := ctx.Value(userContextKey).(storage.User)
	if !ok {
		return access.Anonymous()
	}
	return user
}

func ContextWithUser(ctx context.Context, user storage.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// CSRFToken returns the session's CSRF token, creating and saving one when
// missing. It must run before the response body is written.
func (m *Manager) CSRFToken(w http.ResponseWriter, r *http.Request) (string, error) {
	session, err := m.sessionStore.Get(r, baseliboidc.STDSessionCookieName)
	if err != nil {
		// An undecodable cookie still yields a fresh session to write.
		logger := log.WithComponentFromContext(r.Context(), "auth")
		logger.Debug().Err(err).Msg("replacing unreadable session")
	}
	if token, ok := session.Values[sessionCSRFToken].(string); ok && token != "" {
		return token, nil
	}
	token := uuid.NewString()
	session.Options = cloneOptions(m.cookieOptions)
	session.Values[sessionCSRFToken] = token
	if err := session.Save(r, w); err != nil {
		return "", err
	}
	return token, nil
}

// RequireCSRF rejects unsafe requests whose token does not match the
// session's token.
func (m *Manager) RequireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		expected := ""
		if session, err := m.sessionStore.Get(r, baseliboidc.STDSessionCookieName); err == nil {
			expected, _ = session.Values[sessionCSRFToken].(string)
		}
		got := r.Header.Get(CSRFHeader)
		if got == "" {
			got = r.PostFormValue(CSRFFormField)
		}
		if expected == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"invalid csrf token"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Manager) handleIDToken(w http.ResponseWriter, r *http.Request, idToken *oidc.IDToken) error {
	var claims struct {
		Subject string `json:"sub"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return err
	}
	if claims.Subject == "" {
		return errors.New("id token missing sub claim")
	}
	if _, err := m.users.EnsureUser(r.Context(), storage.User{ID: claims.Subject, RoleID: m.defaultRole}); err != nil {
		return err
	}
	session, err := m.sessionStore.Get(r, baseliboidc.STDSessionCookieName)
	if err != nil {
		return err
	}
	session.Options = cloneOptions(m.cookieOptions)
	session.Values[sessionUserID] = claims.Subject
	return session.Save(r, w)
}

func (m *Manager) userIDFromSession(r *http.Request) (string, bool) {
	session, err := m.sessionStore.Get(r, baseliboidc.STDSessionCookieName)
	if err != nil {
		return "", false
	}
	userID, ok := session.Values[sessionUserID].(string)
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}

func parseSessionKey(raw string) ([]byte, error) {
	if raw == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		return key, nil
	}
	trimmed := strings.TrimSpace(raw)
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		if len(decoded) < 32 {
			return nil, errors.New("session key must decode to at least 32 bytes")
		}
		return decoded, nil
	}
	if len(trimmed) < 32 {
		return nil, errors.New("session key must be at least 32 characters or base64")
	}
	return []byte(trimmed), nil
}

func deriveCookieKeys(masterKey []byte) ([]byte, []byte) {
	hashKey := hmacSHA256(masterKey, []byte("auth"))
	blockKey := hmacSHA256(masterKey, []byte("enc"))
	return hashKey, blockKey
}

func hmacSHA256(key []byte, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func cloneOptions(opts *sessions.Options) *sessions.Options {
	if opts == nil {
		return &sessions.Options{}
	}
	copy := *opts
	return &copy
}
