// ============================================================================
// actorq CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree around one actor registry
//
// Command Structure:
//   actorq                         # Root command
//   ├── run                        # Start workers, admin API, metrics, health
//   ├── enqueue                    # Send messages to a running process
//   │   └── --file, -f             # JSON file with messages
//   ├── status                     # Pool and queue counters of a running process
//   ├── actors                     # Actors registered in this binary
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   ├── --version
//   └── --help
//
// enqueue file format:
//   [
//     {"actor": "add", "args": [1, 2], "kwargs": {}, "options": {"delay": 1000}}
//   ]
//
// run Command:
//   1. Load config file and configure logging
//   2. Apply per-actor overrides from the config
//   3. Start the controller (broker + worker pool)
//   4. Start metrics, admin and health servers as enabled
//   5. Wait for SIGINT / SIGTERM and shut down gracefully
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/actorq/internal/config"
	"github.com/ChuLiYu/actorq/internal/controller"
	"github.com/ChuLiYu/actorq/internal/metrics"
	"github.com/ChuLiYu/actorq/internal/server"
	"github.com/ChuLiYu/actorq/pkg/actor"
	"github.com/ChuLiYu/actorq/pkg/types"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "configs/default.yaml"

// EnqueueEntry is one element of an enqueue file.
type EnqueueEntry struct {
	Actor   string               `json:"actor"`
	Args    []any                `json:"args"`
	Kwargs  map[string]any       `json:"kwargs"`
	Options types.MessageOptions `json:"options"`
}

type app struct {
	registry   *actor.Registry
	configFile string
	adminURL   string
	stop       <-chan struct{} // nil = wait for a signal
}

// BuildCLI returns the command tree for a binary whose actors are
// registered on registry.
func BuildCLI(registry *actor.Registry) *cobra.Command {
	return newApp(registry).root()
}

func newApp(registry *actor.Registry) *app {
	return &app{registry: registry}
}

func (a *app) root() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "actorq",
		Short: "actorq: a background task runtime built on actors",
		Long: `actorq runs registered actors over in-process queues with:
- delays, priorities and retries with exponential backoff
- time and age limits
- dead letters, optionally persisted with bbolt
- Prometheus metrics, an HTTP admin API and gRPC health checks`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", DefaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&a.adminURL, "admin", "", "admin API base URL (default: derived from admin.addr)")

	rootCmd.AddCommand(a.buildRunCommand())
	rootCmd.AddCommand(a.buildEnqueueCommand())
	rootCmd.AddCommand(a.buildStatusCommand())
	rootCmd.AddCommand(a.buildActorsCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func (a *app) buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the worker pool and its servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSystem(cmd.OutOrStdout())
		},
	}
}

func (a *app) runSystem(out io.Writer) error {
	cfg, err := loadConfig(a.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	unknown, err := cfg.ApplyActors(a.registry)
	if err != nil {
		return err
	}
	for _, name := range unknown {
		logger.Warn("Config overrides an unknown actor", "actor", name)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	ctrl, err := controller.NewController(a.registry, controller.FromFile(cfg, collector, logger))
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		go func() {
			logger.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				logger.Error("Metrics server error", "err", err)
			}
		}()
	}

	var admin *server.Server
	if cfg.Admin.Enabled {
		admin = server.NewServer(&server.Options{Addr: cfg.Admin.Addr, Logger: logger}, ctrl.Broker(), ctrl.Pool())
		if err := admin.Run(); err != nil {
			if stopErr := ctrl.Stop(); stopErr != nil {
				logger.Error("Shutdown finished with errors", "err", stopErr)
			}
			return fmt.Errorf("failed to start admin server: %w", err)
		}
	}

	if cfg.Health.Enabled {
		go func() {
			if err := ctrl.Health().Serve(ctx, cfg.Health.Port); err != nil {
				logger.Error("Health server error", "err", err)
			}
		}()
	}

	logger.Info("System started successfully", "actors", len(a.registry.Actors()))

	a.wait()
	logger.Info("Received shutdown signal, stopping gracefully...")

	if admin != nil {
		admin.Close()
	}
	cancel()
	if err := ctrl.Stop(); err != nil {
		logger.Error("Shutdown finished with errors", "err", err)
	}

	logger.Info("System stopped. Goodbye!")
	return nil
}

func (a *app) wait() {
	if a.stop != nil {
		<-a.stop
		return
	}
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
}

// ============================================================================
// enqueue
// ============================================================================

func (a *app) buildEnqueueCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue messages from a JSON file",
		Long:  "Read message definitions from a JSON file and send them to a running process through its admin API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("message file is required (use --file or -f)")
			}
			return a.enqueueMessages(cmd.Context(), cmd.OutOrStdout(), file)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file containing messages")
	cmd.MarkFlagRequired("file")

	return cmd
}

func readEnqueueFile(path string) ([]EnqueueEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read message file: %w", err)
	}

	var entries []EnqueueEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse message file: %w", err)
	}
	for i, e := range entries {
		if e.Actor == "" {
			return nil, fmt.Errorf("entry %d: actor is required", i)
		}
	}
	return entries, nil
}

func (a *app) enqueueMessages(ctx context.Context, out io.Writer, path string) error {
	entries, err := readEnqueueFile(path)
	if err != nil {
		return err
	}

	client, err := a.client()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var failed []error
	for _, e := range entries {
		resp, err := client.Send(ctx, e.Actor, server.SendMessageBody{
			Args:    e.Args,
			Kwargs:  e.Kwargs,
			Options: e.Options,
		})
		if err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", e.Actor, err))
			fmt.Fprintf(out, "Failed to send message to %s: %v\n", e.Actor, err)
			continue
		}
		fmt.Fprintf(out, "Enqueued %s on %s (%s)\n", resp.MessageId, resp.Queue, e.Actor)
	}

	fmt.Fprintf(out, "Successfully enqueued %d/%d messages\n", len(entries)-len(failed), len(entries))
	return errors.Join(failed...)
}

// ============================================================================
// status
// ============================================================================

func (a *app) buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pool and queue status",
		Long:  "Display worker pool counters and per-queue statistics of a running process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.showStatus(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func (a *app) showStatus(ctx context.Context, out io.Writer) error {
	client, err := a.client()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	status, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch status: %w", err)
	}

	p := status.Pool
	fmt.Fprintln(out, "Worker Pool:")
	fmt.Fprintf(out, "  ├─ Workers:       %d (%d busy)\n", p.Workers, p.Busy)
	fmt.Fprintf(out, "  ├─ Paused:        %t\n", p.Paused)
	fmt.Fprintf(out, "  ├─ Processed:     %d\n", p.Processed)
	fmt.Fprintf(out, "  ├─ Failed:        %d\n", p.Failed)
	fmt.Fprintf(out, "  ├─ Retried:       %d\n", p.Retried)
	fmt.Fprintf(out, "  ├─ Skipped:       %d\n", p.Skipped)
	fmt.Fprintf(out, "  ├─ Aborted:       %d\n", p.Aborted)
	fmt.Fprintf(out, "  └─ Dead-lettered: %d\n", p.DeadLettered)
	fmt.Fprintln(out)

	names := make([]string, 0, len(status.Queues))
	for name := range status.Queues {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(out, "Queues:")
	if len(names) == 0 {
		fmt.Fprintln(out, "  └─ (none)")
	}
	for i, name := range names {
		q := status.Queues[name]
		branch := "├─"
		if i == len(names)-1 {
			branch = "└─"
		}
		fmt.Fprintf(out, "  %s %-16s ready=%d delayed=%d in_flight=%d dead=%d\n",
			branch, name, q.Ready, q.Delayed, q.InFlight, q.DeadLettered)
	}
	return nil
}

// ============================================================================
// actors
// ============================================================================

func (a *app) buildActorsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "actors",
		Short: "List the actors registered in this binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.listActors(cmd.OutOrStdout())
		},
	}
}

func (a *app) listActors(out io.Writer) error {
	actors := a.registry.Actors()
	if len(actors) == 0 {
		fmt.Fprintln(out, "No actors registered")
		return nil
	}
	for _, act := range actors {
		fmt.Fprintf(out, "%-24s queue=%s priority=%d\n", act.Name(), act.QueueName(), act.Priority())
	}
	return nil
}

// ============================================================================
// helpers
// ============================================================================

func (a *app) client() (*server.Client, error) {
	if a.adminURL != "" {
		return server.NewClient(a.adminURL), nil
	}

	cfg, err := loadConfig(a.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return server.NewClient(adminBaseURL(cfg.Admin.Addr)), nil
}

// adminBaseURL turns a listen address into a URL a local client can use.
func adminBaseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

// loadConfig reads path, falling back to defaults when the default path
// does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil && path == DefaultConfigPath && errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}
