// Package app assembles a ready engine from a workspace: config, logger,
// store, migrations, metrics and the notification fanout.
package app

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Kecupro/SoftwareManage-sub001/internal/attachments"
	"github.com/Kecupro/SoftwareManage-sub001/internal/config"
	"github.com/Kecupro/SoftwareManage-sub001/internal/db"
	"github.com/Kecupro/SoftwareManage-sub001/internal/engine"
	"github.com/Kecupro/SoftwareManage-sub001/internal/metrics"
	"github.com/Kecupro/SoftwareManage-sub001/internal/migrate"
	"github.com/Kecupro/SoftwareManage-sub001/internal/notify"
)

type Options struct {
	Workspace  string
	ConfigPath string
	// LogOutput defaults to stderr.
	LogOutput io.Writer
}

type App struct {
	Config      *config.Config
	DB          *sql.DB
	Engine      engine.Engine
	Log         *slog.Logger
	Metrics     *metrics.Metrics
	Attachments attachments.Store
	relay       notify.Relay
}

// LoadConfig reads an explicit config file when set, otherwise the
// workspace's sm.yml, otherwise defaults.
func LoadConfig(opts Options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.Load(opts.Workspace)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Database.Workspace == "" {
		cfg.Database.Workspace = opts.Workspace
	}
	return cfg, cfg.Validate()
}

// NewLogger builds the slog logger described by the logging section.
func NewLogger(cfg *config.Config, out io.Writer) *slog.Logger {
	if out == nil {
		out = os.Stderr
	}
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, hopts))
	}
	return slog.New(slog.NewTextHandler(out, hopts))
}

// Open wires the whole stack. Callers must Close the returned App.
func Open(opts Options) (*App, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	return OpenWithConfig(cfg, opts.LogOutput)
}

func OpenWithConfig(cfg *config.Config, logOut io.Writer) (*App, error) {
	log := NewLogger(cfg, logOut)
	conn, err := db.Open(db.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN, Workspace: cfg.Database.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn, cfg.Database.Driver); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	relay, err := notify.NewRelay(cfg.Notify)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notification relay: %w", err)
	}

	m := metrics.New()
	eng := engine.New(conn, cfg)
	eng.Log = log
	eng.Metrics = m
	eng.Notifier = &notify.Notifier{
		Directory: eng.Directory,
		Sink:      eng.Repo,
		Relay:     relay,
		Log:       log.With("component", "notify"),
		Metrics:   m,
	}

	dir := cfg.Attachments.Dir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(db.Path(cfg.Database.Workspace)), "files")
	}
	baseURL := cfg.Attachments.BaseURL
	if baseURL == "" {
		baseURL = path.Join("/", cfg.Server.BasePath, "files")
	}
	log.Debug("workspace opened", "driver", cfg.Database.Driver, "relay", cfg.Notify.Relay)
	return &App{
		Config:      cfg,
		DB:          conn,
		Engine:      eng,
		Log:         log,
		Metrics:     m,
		Attachments: attachments.LocalStore{Dir: dir, BaseURL: baseURL},
		relay:       relay,
	}, nil
}

func (a *App) Close() error {
	var errs []error
	if a.relay != nil {
		errs = append(errs, a.relay.Close())
	}
	errs = append(errs, a.DB.Close())
	return errors.Join(errs...)
}
