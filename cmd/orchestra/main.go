package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"orchestra/internal/config"
	"orchestra/internal/core"
	"orchestra/internal/logging"
)

var (
	verbose   bool
	jsonOut   bool
	timeout   time.Duration
	sessionID string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "orchestra",
	Short: "Route a request to the best agent and refine the answer until it is good enough",
	Long: `orchestra runs one request through the security check, the agent auction
and the self-evaluating build loop, using the backend configured in the
environment (LLM_PROVIDER=fake works offline).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		level := cfg.Log.Level
		if verbose {
			level = "debug"
		} else if level == "" || level == "info" {
			level = "warn"
		}
		logger, err = logging.New(level, cfg.Log.JSON)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print machine-readable JSON")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall deadline")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", "cli", "caller identity used for trust")

	rootCmd.AddCommand(askCmd, bidsCmd)
}

// commandContext returns a context cancelled on SIGINT/SIGTERM or after --timeout.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func buildOrchestrator(ctx context.Context) (*core.Orchestrator, func(), error) {
	return core.Build(ctx, cfg, logger)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
