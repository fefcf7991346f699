package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/BlackRoad-OS/blackroad-cron/internal/config"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitRuntimeError
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(exitCode(err))
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "blackroad-cron",
		Short: "blackroad-cron - scheduled HTTP job dispatcher",
		Long: `blackroad-cron evaluates 5-field cron schedules per job and timezone,
calls each job's endpoint with timeouts and retries, and keeps execution
history. Jobs are managed through a JSON API under /api.

Configuration comes from defaults, an optional --config file and
environment variables (TICK_INTERVAL, WORKER_POOL_SIZE, STORE_DRIVER,
DATABASE_URL, SQLITE_PATH, REDIS_ADDR, METRICS_ENABLED, ...).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (yaml, toml or json)")

	load := func() (config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return cfg, &exitError{code: exitInvalidConfig, err: err}
		}
		if err := config.Validate(cfg); err != nil {
			return cfg, &exitError{code: exitInvalidConfig, err: errors.Wrap(err, "configuration error")}
		}
		return cfg, nil
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the scheduler, dispatcher and API server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				return runServe(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Validate configuration (no connections made)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := load(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "configuration valid")
				return nil
			},
		},
		&cobra.Command{
			Use:   "config",
			Short: "Print effective configuration as JSON (secrets masked)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load(configPath)
				if err != nil {
					return &exitError{code: exitInvalidConfig, err: err}
				}
				data, err := cfg.MaskedJSON()
				if err != nil {
					return errors.Wrap(err, "failed to marshal config")
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "blackroad-cron version %s (commit: %s)\n", version, commit)
			},
		},
	)
	return root
}
