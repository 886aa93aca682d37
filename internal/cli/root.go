// Package cli provides the hordectl operator command line.
package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/hordetrack/internal/cache"
	"github.com/kiranshivaraju/hordetrack/internal/config"
	"github.com/kiranshivaraju/hordetrack/internal/horde"
	"github.com/kiranshivaraju/hordetrack/internal/jobs"
	"github.com/kiranshivaraju/hordetrack/internal/logging"
	"github.com/kiranshivaraju/hordetrack/internal/ratelimit"
	"github.com/kiranshivaraju/hordetrack/internal/store"
)

// Version is set at build time.
var Version = "0.1.0"

// Backend is what the commands operate on.
type Backend struct {
	Store   store.Store
	Manager *jobs.Manager
	Close   func()
}

// Opener connects a Backend for the loaded configuration.
type Opener func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error)

type state struct {
	open    Opener
	verbose bool

	cfg     *config.Config
	logger  *slog.Logger
	closeLg func() error
	backend *Backend
}

// connect opens the backend on first use.
func (s *state) connect(ctx context.Context) (*Backend, error) {
	if s.backend != nil {
		return s.backend, nil
	}
	b, err := s.open(ctx, s.cfg, s.logger)
	if err != nil {
		return nil, err
	}
	s.backend = b
	return b, nil
}

// close releases the backend and the log file. It is safe to call more than once.
func (s *state) close() {
	if s.backend != nil && s.backend.Close != nil {
		s.backend.Close()
	}
	s.backend = nil
	if s.closeLg != nil {
		s.closeLg()
		s.closeLg = nil
	}
}

// NewRootCmd builds the hordectl command tree. open is called lazily by commands that need
// the database. The returned cleanup releases what the command opened and must run after
// Execute, also when it failed: cobra skips post-run hooks on error.
func NewRootCmd(open Opener) (*cobra.Command, func()) {
	st := &state{open: open}

	root := &cobra.Command{
		Use:   "hordectl",
		Short: "Operate a hordetrack deployment",
		Long: `hordectl runs maintenance tasks against the hordetrack database and the Horde:
purging old jobs, polling a job to completion, managing API keys and applying migrations.

Configuration comes from the same environment variables as the server.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			level := cfg.Log.Level
			if st.verbose {
				level = slog.LevelDebug
			}
			st.cfg = cfg
			st.logger, st.closeLg = logging.Setup(cfg.Log.File, level)
			return nil
		},
	}

	root.PersistentFlags().BoolVarP(&st.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newPurgeCmd(st))
	root.AddCommand(newPollCmd(st))
	root.AddCommand(newStatusCmd(st))
	root.AddCommand(newKeysCmd(st))
	root.AddCommand(newMigrateCmd(st))
	return root, st.close
}

// Execute runs hordectl against the configured Postgres, Redis and Horde.
func Execute() error {
	root, cleanup := NewRootCmd(OpenBackend)
	defer cleanup()
	return root.Execute()
}

// OpenBackend connects Postgres and the Horde client. Redis is optional here: when it
// cannot be reached, status snapshots are skipped.
func OpenBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	pgStore := store.NewPostgresStore(pool)
	closers := []func(){pool.Close}

	var statusCache cache.Cache
	if rc, err := cache.NewRedisCache(cfg.Redis.URL); err != nil {
		logger.Warn("redis unavailable, status snapshots disabled", "error", err)
	} else if err := rc.Ping(ctx); err != nil {
		logger.Warn("redis unavailable, status snapshots disabled", "error", err)
		rc.Close()
	} else {
		statusCache = rc
		closers = append(closers, func() { rc.Close() })
	}

	client := horde.NewHTTPClient(cfg.Horde.BaseURL, cfg.Horde.APIKey, cfg.Horde.ClientAgent, cfg.Horde.Timeout)
	limiter := ratelimit.New(ratelimit.Config{
		MaxRequests: cfg.Limiter.MaxRequests,
		Window:      cfg.Limiter.Window,
		Cooldown:    cfg.Limiter.Cooldown,
		MinInterval: cfg.Limiter.MinInterval,
	})
	opts := []jobs.Option{jobs.WithLogger(logger)}
	if statusCache != nil {
		opts = append(opts, jobs.WithStatusCache(statusCache))
	}
	tracker := jobs.NewStoreTracker(pgStore, statusCache, cfg.Server.JobStatusCacheTTL, logger)

	return &Backend{
		Store:   pgStore,
		Manager: jobs.NewManager(client, pgStore, tracker, limiter, opts...),
		Close: func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		},
	}, nil
}
