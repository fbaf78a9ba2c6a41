// Package app wires all Cadenced subsystems into a running application.
//
// The App struct owns the full lifecycle: New loads alternate character
// configs and connects the chat history store, Run starts the HTTP server
// hosting the WebSocket Hub, and Shutdown tears everything down in order.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cadencevoice/cadenced/internal/chathistory"
	"github.com/cadencevoice/cadenced/internal/config"
	"github.com/cadencevoice/cadenced/internal/health"
	"github.com/cadencevoice/cadenced/internal/hub"
	"github.com/cadencevoice/cadenced/internal/orchestrator"
	"github.com/cadencevoice/cadenced/internal/svccontext"
	"github.com/cadencevoice/cadenced/pkg/provider/embeddings"
)

// shutdownTimeout bounds how long Shutdown waits for the HTTP server to
// drain in-flight connections before forcing a close.
const shutdownTimeout = 10 * time.Second

// App owns the HTTP server, the WebSocket Hub, and the chat history store.
type App struct {
	cfg *config.Config

	altsMu sync.RWMutex
	alts   map[string]config.CharacterConfig

	history       hub.HistoryStore
	historyCloser func()
	hub           *hub.Hub
	server        *http.Server

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryStore injects a chat history store instead of connecting one
// from cfg.System.HistoryPostgresDSN.
func WithHistoryStore(h hub.HistoryStore) Option {
	return func(a *App) { a.history = h }
}

// New builds an App: it loads the default character config's alternates
// (spec §4.8, config §6 config_alts_dir), connects the chat history store,
// and constructs the Hub and its HTTP server. It does not start listening;
// call [App.Run] for that.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, alts: make(map[string]config.CharacterConfig)}
	for _, o := range opts {
		o(a)
	}

	if err := a.loadAlts(); err != nil {
		return nil, fmt.Errorf("app: load config alts: %w", err)
	}

	if a.history == nil && cfg.System.EnableHistory {
		if cfg.System.HistoryPostgresDSN == "" {
			return nil, fmt.Errorf("app: system.enable_history is true but system.history_postgres_dsn is empty")
		}

		var embedder embeddings.Provider
		if cfg.System.HistoryEmbeddings.Provider != "" {
			var err error
			embedder, err = reg.CreateEmbeddings(cfg.System.HistoryEmbeddings)
			if err != nil {
				return nil, fmt.Errorf("app: build history embeddings provider: %w", err)
			}
		}

		store, err := chathistory.New(ctx, cfg.System.HistoryPostgresDSN, embedder)
		if err != nil {
			return nil, fmt.Errorf("app: connect chat history store: %w", err)
		}
		a.history = store
		a.historyCloser = store.Close
	}

	deps := hub.Deps{
		System:     cfg.System,
		LookupChar: a.lookupCharacter,
		SvcDeps: svccontext.Deps{
			Registry:         reg,
			WakeWordsOn:      cfg.System.WakeWordsEnabled,
			WelcomeTemplates: cfg.System.WelcomeTemplates,
		},
		History: a.history,
	}
	if appender, ok := a.history.(orchestrator.History); ok {
		deps.SvcDeps.History = appender
	}
	a.hub = hub.New(deps)

	mux := http.NewServeMux()
	mux.Handle("/ws", a.hub)
	mux.HandleFunc("GET /toolhealth", a.handleToolHealth)
	health.New(health.Checker{
		Name:  "hub",
		Check: func(context.Context) error { return nil },
	}).Register(mux)

	a.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.System.Host, cfg.System.Port),
		Handler: mux,
	}

	return a, nil
}

// loadAlts reads every CharacterConfig document under cfg.ConfigAltsDir
// (when set) so switch-config messages can resolve them without touching
// the filesystem on the connection's own goroutine.
func (a *App) loadAlts() error {
	if a.cfg.ConfigAltsDir == "" {
		return nil
	}
	entries, err := os.ReadDir(a.cfg.ConfigAltsDir)
	if err != nil {
		return fmt.Errorf("read %q: %w", a.cfg.ConfigAltsDir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		path := filepath.Join(a.cfg.ConfigAltsDir, e.Name())
		cc, err := config.LoadCharacterConfig(path)
		if err != nil {
			return err
		}
		a.alts[cc.ConfUID] = cc
		slog.Info("loaded alternate character config", "conf_uid", cc.ConfUID, "path", path)
	}
	return nil
}

func isYAML(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

// lookupCharacter implements [hub.CharacterLookup]. [hub.DefaultConfUID]
// always resolves to the root config's character; any other conf_uid must
// name an alternate loaded from config_alts_dir.
func (a *App) lookupCharacter(confUID string) (config.CharacterConfig, error) {
	if confUID == "" || confUID == hub.DefaultConfUID {
		return a.cfg.Character, nil
	}
	a.altsMu.RLock()
	cc, ok := a.alts[confUID]
	a.altsMu.RUnlock()
	if !ok {
		return config.CharacterConfig{}, fmt.Errorf("app: unknown conf_uid %q", confUID)
	}
	return cc, nil
}

// Hub returns the running WebSocket Hub.
func (a *App) Hub() *hub.Hub { return a.hub }

// handleToolHealth reports the measured latency, error rate, and assigned
// [types.BudgetTier] of every MCP tool across all live connections, sourced
// from each connection's [mcp.Host.ToolHealth] (see internal/mcp/mcphost).
// This is reporting only: tier never gates tool availability.
func (a *App) handleToolHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(a.hub.ToolHealth()); err != nil {
		http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails to serve.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", a.server.Addr)
		errCh <- a.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// Shutdown stops accepting new connections, closes every live connection,
// and releases the chat history store.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()

		if err := a.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
			shutdownErr = err
		}

		a.hub.Shutdown()

		if a.historyCloser != nil {
			a.historyCloser()
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
