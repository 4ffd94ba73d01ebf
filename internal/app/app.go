// Package app assembles a jia process from a workspace and its config.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"jia/internal/config"
	"jia/internal/db"
	"jia/internal/engine"
	"jia/internal/migrate"
	"jia/internal/precompute"
	"jia/internal/reconcile"
	"jia/internal/repo"
	"jia/internal/server"
)

// App holds the wired components of one workspace.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Engine    engine.Engine
	Compute   precompute.Client
	Registry  *prometheus.Registry
	Logger    *log.Logger
}

// Options tune Open. Zero values use the workspace config and stderr.
type Options struct {
	Config    *config.Config
	LogOutput io.Writer
	// Compute replaces the client built from config.
	Compute precompute.Client
}

// Open migrates the workspace database and wires the engine.
func Open(ctx context.Context, workspace string, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOrDefault(workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger := NewLogger(out, cfg.Log.Level)

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client := opts.Compute
	if client == nil {
		client, err = NewComputeClient(cfg.Compute, reg)
		if err != nil {
			conn.Close()
			return nil, err
		}
	}
	metrics, err := reconcile.NewMetrics(reg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	return &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Engine:    engine.New(conn, cfg, client, logger, metrics),
		Compute:   client,
		Registry:  reg,
		Logger:    logger,
	}, nil
}

// NewLogger returns a timestamped logger at the named level. Unknown levels
// fall back to info.
func NewLogger(w io.Writer, level string) *log.Logger {
	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	})
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = log.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// NewComputeClient builds the precompute client for the configured mode.
// Remote calls are counted on reg when it is not nil.
func NewComputeClient(cfg config.ComputeConfig, reg prometheus.Registerer) (precompute.Client, error) {
	var inner precompute.Client
	switch cfg.Mode {
	case config.ComputeModeHTTP:
		c := precompute.NewHTTPClient(cfg.URL, time.Duration(cfg.TimeoutSeconds)*time.Second)
		c.APIKey = cfg.APIKey
		inner = c
	case config.ComputeModeMemory, "":
		inner = precompute.NewMemory()
	default:
		return nil, fmt.Errorf("unknown compute mode %q", cfg.Mode)
	}
	if reg == nil {
		return inner, nil
	}
	return precompute.NewInstrumented(inner, reg)
}

// Handler returns the HTTP API for this app.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:   a.Engine,
		BasePath: a.Config.Server.BasePath,
		Auth: server.AuthConfig{
			JWTSecret:        a.Config.Auth.JWTSecret,
			AllowActorHeader: a.Config.Auth.AllowActorHeader,
		},
		Gatherer:   a.Registry,
		Registerer: a.Registry,
		Logger:     a.Logger.WithPrefix("http"),
	})
}

// Webhooks returns the dispatcher for the configured hooks.
func (a *App) Webhooks() *server.WebhookDispatcher {
	return server.NewWebhookDispatcher(a.Repo, a.Config.Webhooks, a.Logger)
}

func (a *App) Close() error {
	return a.DB.Close()
}
