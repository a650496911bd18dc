package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/schaermu/b2sync/internal/config"
	"github.com/schaermu/b2sync/internal/container"
	"github.com/schaermu/b2sync/internal/content"
	"github.com/schaermu/b2sync/internal/git"
	"github.com/schaermu/b2sync/internal/metrics"
	"github.com/schaermu/b2sync/internal/remote"
	"github.com/schaermu/b2sync/internal/savequeue"
	b2sync "github.com/schaermu/b2sync/internal/sync"
	"github.com/schaermu/b2sync/internal/workspace"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "b2sync",
	Short: "Mirror remote website content into a local folder tree",
	Long: `b2sync mirrors the components, styles and controllers of a remote content
store into a local workspace, one folder per remote entry.

Local edits are saved back to the remote store with save or watch. Remote
changes are pulled on demand or, with serve, whenever the store sends a
change notification.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "b2sync %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./"+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	rootCmd.AddCommand(versionCmd)
}

// app is an open workspace plus everything the commands need to act on it.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	ws       *workspace.Workspace
	engine   *b2sync.Engine
	registry *prometheus.Registry
	metrics  metrics.Metrics

	mu       sync.Mutex
	failures []error
}

// openApp loads the configuration and opens the workspace. The caller must
// close the app.
func openApp(ctx context.Context, pullOpts b2sync.Options) (*app, error) {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	token, err := cfg.Token()
	if err != nil {
		return nil, err
	}
	client, err := remote.NewClient(cfg.Remote.Endpoint, token, cfg.Remote.Timeout, logger)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, metrics: metrics.NewNoop()}
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = metrics.NewPrometheus(a.registry)
	}

	a.ws, err = workspace.Open(ctx, workspace.Options{
		Root:    cfg.Workspace.Root,
		Remote:  client,
		Entries: cfg.Workspace.Entries,
		Git:     git.NewShellClient(),
		Metrics: a.metrics,
		OnPass:  a.recordPass,
	}, logger)
	if err != nil {
		return nil, err
	}

	pullOpts.BatchSize = cfg.Sync.BatchSize
	pullOpts.Concurrency = cfg.Sync.Concurrency
	pullOpts.Prune = pullOpts.Prune || cfg.Sync.Prune
	pullOpts.Progress = func(p b2sync.Progress) {
		logger.Info("pull progress", "container", p.Container, "kind", p.Kind.Plural(), "done", p.Done, "total", p.Total)
	}
	a.engine = b2sync.NewEngine(pullOpts, logger)
	return a, nil
}

func (a *app) recordPass(name string, r savequeue.PassReport) {
	if err := r.Err(); err != nil {
		a.mu.Lock()
		a.failures = append(a.failures, fmt.Errorf("%s: %w", name, err))
		a.mu.Unlock()
	}
}

// saveFailures returns the failed saves recorded since the app was opened.
func (a *app) saveFailures() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return errors.Join(a.failures...)
}

func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	return a.ws.Close(ctx)
}

// containers returns the named containers, or all of them when names is empty.
func (a *app) containers(names []string) ([]*container.Container, error) {
	if len(names) == 0 {
		return a.ws.Containers(), nil
	}
	var out []*container.Container
	for _, name := range names {
		c, err := a.ws.Container(name)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// locate resolves a file path argument to its container and object.
func (a *app) locate(arg string) (*container.Container, content.Ref, error) {
	abs, err := filepath.Abs(arg)
	if err != nil {
		return nil, content.Ref{}, fmt.Errorf("failed to resolve %s: %w", arg, err)
	}
	return a.ws.Locate(abs)
}

// withApp opens the app, runs fn and closes the app, keeping the first error.
func withApp(pullOpts b2sync.Options, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := openApp(ctx, pullOpts)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	closeErr := a.close()
	if runErr != nil {
		return runErr
	}
	return closeErr
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Logs go to stderr; stdout carries command output.
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = config.DefaultPath
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"endpoint", cfg.Remote.Endpoint,
		"root", cfg.Workspace.Root,
		"entries", cfg.Workspace.Entries)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
