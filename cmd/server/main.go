package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"blocksuite-view/server/internal/auth"
	"blocksuite-view/server/internal/cache"
	"blocksuite-view/server/internal/config"
	"blocksuite-view/server/internal/httpapi"
	"blocksuite-view/server/internal/log"
	"blocksuite-view/server/internal/storage"
	"blocksuite-view/server/internal/view"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the YAML config file")
	addr := pflag.String("addr", "", "listen address (overrides config)")
	dbPath := pflag.String("db", "", "SQLite database path (overrides config)")
	viewsPath := pflag.String("views", "", "views JSONC file (overrides config)")
	pflag.Parse()

	log.Configure(log.Config{})
	logger := log.WithComponent("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	log.SetLevel(cfg.Log.Level)
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *viewsPath != "" {
		cfg.ViewsPath = *viewsPath
	}

	if err := run(cfg); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

func run(cfg config.Config) error {
	logger := log.WithComponent("main")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sqlite, err := storage.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	var store storage.Store = sqlite
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return err
	}
	if cfg.Redis.Addr != "" {
		client, err := cache.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			_ = store.Close()
			return err
		}
		store = cache.New(store, client, cfg.Redis.TTL)
		logger.Info().Str("addr", cfg.Redis.Addr).Dur("ttl", cfg.Redis.TTL).Msg("row cache enabled")
	}
	defer func() { _ = store.Close() }()

	for _, t := range cfg.Tables {
		if err := store.EnsureTable(ctx, tableFromConfig(t)); err != nil {
			return err
		}
	}

	registry, err := view.LoadRegistry(cfg.ViewsPath)
	if err != nil {
		return err
	}
	authManager, err := auth.NewManager(auth.Config{
		IssuerURL:    cfg.Auth.IssuerURL,
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		RedirectURL:  cfg.Auth.RedirectURL,
		SessionKey:   cfg.Auth.SessionKey,
		CookieSecure: cfg.Auth.CookieSecure,
		DefaultRole:  cfg.Auth.DefaultRole,
		DevUser:      cfg.Auth.DevUser,
		DevRole:      cfg.Auth.DevRole,
	}, store)
	if err != nil {
		return err
	}

	api := httpapi.NewServer(view.NewService(store, registry), authManager, httpapi.Options{
		StyleURLs:    cfg.Editor.StyleURLs,
		ScriptURLs:   cfg.Editor.ScriptURLs,
		SaveRequests: cfg.RateLimit.SaveRequests,
		SaveWindow:   cfg.RateLimit.Window,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Addr).
			Int("views", len(registry.List())).
			Bool("oidc", authManager.OIDCEnabled()).
			Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func tableFromConfig(t config.TableConfig) storage.Table {
	fields := make([]storage.Field, 0, len(t.Fields))
	for _, f := range t.Fields {
		fields = append(fields, storage.Field{Name: f.Name, Type: storage.FieldType(f.Type)})
	}
	return storage.Table{
		Name:           t.Name,
		Fields:         fields,
		MinRoleRead:    t.MinRoleRead,
		MinRoleWrite:   t.MinRoleWrite,
		OwnershipField: t.OwnershipField,
	}
}
