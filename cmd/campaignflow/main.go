// Command campaignflow runs campaign-production workers and submits,
// inspects and cancels campaign workflow instances.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/petrijr/campaignflow/internal/config"
	"github.com/petrijr/campaignflow/internal/logging"
)

// app carries the state shared by all subcommands.
type app struct {
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "campaignflow",
		Short: "Durable campaign-production orchestration",
		Long: `campaignflow drives marketing briefs through the campaign-production
pipeline: intake, script drafting, asset collection, scheduling and
publishing. Each stage is retried with backoff, and a restarted worker
replays an instance from its recorded history instead of redoing finished
stages.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if a.verbose {
				cfg.Logging.Level = zapcore.DebugLevel.String()
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "campaignflow.yaml", "Path to the YAML config file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newWorkerCmd(a),
		newEnqueueCmd(a),
		newStatusCmd(a),
		newCancelCmd(a),
		newHistoryCmd(a),
		newListCmd(a),
		newRequeueCmd(a),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
