// Package config loads the server configuration (YAML plus environment
// overrides) and the view definitions file (JSONC).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Role thresholds follow the usual convention: a lower id is more privileged.
const (
	RoleAdmin  = 1
	RoleStaff  = 40
	RoleUser   = 80
	RolePublic = 100
)

type Config struct {
	Addr      string          `yaml:"addr"`
	DBPath    string          `yaml:"db_path"`
	ViewsPath string          `yaml:"views_path"`
	Log       LogConfig       `yaml:"log"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Editor    EditorConfig    `yaml:"editor"`
	Tables    []TableConfig   `yaml:"tables"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// RedisConfig enables the row cache when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type AuthConfig struct {
	IssuerURL    string `yaml:"issuer_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
	SessionKey   string `yaml:"session_key"`
	CookieSecure bool   `yaml:"cookie_secure"`
	// DefaultRole is assigned to OIDC subjects on first login.
	DefaultRole int `yaml:"default_role"`
	// DevUser bypasses OIDC and treats every request as this user.
	DevUser string `yaml:"dev_user"`
	DevRole int    `yaml:"dev_role"`
}

// OIDCEnabled reports whether any OIDC setting is present.
func (a AuthConfig) OIDCEnabled() bool {
	return a.IssuerURL != "" || a.ClientID != "" || a.RedirectURL != ""
}

type RateLimitConfig struct {
	SaveRequests int           `yaml:"save_requests"`
	Window       time.Duration `yaml:"window"`
}

// EditorConfig lists the editor bundle assets loaded on view pages.
type EditorConfig struct {
	ScriptURLs []string `yaml:"script_urls"`
	StyleURLs  []string `yaml:"style_urls"`
}

type TableConfig struct {
	Name           string        `yaml:"name"`
	MinRoleRead    int           `yaml:"min_role_read"`
	MinRoleWrite   int           `yaml:"min_role_write"`
	OwnershipField string        `yaml:"ownership_field"`
	Fields         []FieldConfig `yaml:"fields"`
}

type FieldConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Addr:      ":8080",
		DBPath:    "blocksuite-view.db",
		ViewsPath: "views.jsonc",
		Redis: RedisConfig{
			TTL: 5 * time.Minute,
		},
		Auth: AuthConfig{
			DefaultRole: RoleUser,
		},
		RateLimit: RateLimitConfig{
			SaveRequests: 120,
			Window:       time.Minute,
		},
	}
}

// Load reads path on top of Default, then applies environment overrides.
// An empty path or a missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("config file contains multiple documents or trailing content")
	}
	return nil
}

var fieldTypes = map[string]bool{
	"JSON":    true,
	"String":  true,
	"Text":    true,
	"Integer": true,
	"Bool":    true,
}

// Validate checks cross-field constraints that the decoder cannot express.
func Validate(cfg Config) error {
	if cfg.DBPath == "" {
		return errors.New("db_path is required")
	}
	a := cfg.Auth
	if a.OIDCEnabled() && (a.IssuerURL == "" || a.ClientID == "" || a.RedirectURL == "") {
		return errors.New("auth: issuer_url, client_id and redirect_url must be set together")
	}
	if a.OIDCEnabled() && a.DevUser != "" {
		return errors.New("auth: dev_user cannot be combined with OIDC")
	}
	if a.DefaultRole != 0 && !validRole(a.DefaultRole) {
		return fmt.Errorf("auth: default_role %d out of range", a.DefaultRole)
	}
	if a.DevRole != 0 && !validRole(a.DevRole) {
		return fmt.Errorf("auth: dev_role %d out of range", a.DevRole)
	}
	seen := make(map[string]bool, len(cfg.Tables))
	for _, t := range cfg.Tables {
		if t.Name == "" {
			return errors.New("tables: name is required")
		}
		if seen[t.Name] {
			return fmt.Errorf("tables: duplicate table %q", t.Name)
		}
		seen[t.Name] = true
		if !validRole(t.MinRoleRead) || !validRole(t.MinRoleWrite) {
			return fmt.Errorf("tables: %s: role thresholds must be within %d..%d", t.Name, RoleAdmin, RolePublic)
		}
		fields := make(map[string]bool, len(t.Fields))
		for _, f := range t.Fields {
			if f.Name == "" || f.Name == "id" {
				return fmt.Errorf("tables: %s: invalid field name %q", t.Name, f.Name)
			}
			if fields[f.Name] {
				return fmt.Errorf("tables: %s: duplicate field %q", t.Name, f.Name)
			}
			if !fieldTypes[f.Type] {
				return fmt.Errorf("tables: %s.%s: unknown type %q", t.Name, f.Name, f.Type)
			}
			fields[f.Name] = true
		}
		if t.OwnershipField != "" && !fields[t.OwnershipField] {
			return fmt.Errorf("tables: %s: ownership_field %q is not a field", t.Name, t.OwnershipField)
		}
	}
	return nil
}

func validRole(role int) bool {
	return role >= RoleAdmin && role <= RolePublic
}
