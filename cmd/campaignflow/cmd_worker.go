package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/petrijr/campaignflow/internal/campaign"
	"github.com/petrijr/campaignflow/pkg/api"
	"github.com/petrijr/campaignflow/pkg/worker"
)

func newWorkerCmd(a *app) *cobra.Command {
	var (
		queue       string
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a campaign worker until interrupted",
		Long: `Connects to the configured backend, retrying with backoff while it is
unreachable, registers the campaign workflows and activities and serves the
task queue. SIGINT or SIGTERM stops dequeuing and waits for in-flight tasks;
interrupted instances are replayed by the next worker.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := a.logger

			undo, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof))
			if err != nil {
				logger.Warn("maxprocs_failed", zap.Error(err))
			}
			defer undo()

			b, err := connectBackend(ctx, a.cfg, logger)
			if err != nil {
				return fmt.Errorf("connect backend: %w", err)
			}
			defer func() { _ = b.Close() }()

			metrics := &api.BasicMetrics{}
			eng := newEngine(b, api.NewCompositeObserver(
				api.NewLoggingObserver(logger),
				metrics,
			), logger)

			acts := &campaign.Activities{Scripts: b.scripts}
			if err := campaign.Register(eng, acts, a.cfg.CampaignSettings()); err != nil {
				return fmt.Errorf("register campaign: %w", err)
			}

			wc := a.cfg.WorkerConfig()
			if queue != "" {
				wc.Queue = queue
			}
			if concurrency > 0 {
				wc.Concurrency = concurrency
			}

			err = worker.New(eng, b.dial, wc, worker.WithLogger(logger)).Run(ctx)

			s := metrics.Snapshot()
			logger.Info("worker_metrics",
				zap.Int64("workflows_started", s.WorkflowsStarted),
				zap.Int64("workflows_completed", s.WorkflowsCompleted),
				zap.Int64("workflows_failed", s.WorkflowsFailed),
				zap.Int64("workflows_cancelled", s.WorkflowsCancelled),
				zap.Int64("activity_attempts", s.ActivityAttempts),
				zap.Int64("activity_retries", s.ActivityRetries),
				zap.Duration("avg_stage_duration", s.AvgStageDuration),
			)
			return err
		},
	}
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Task queue to serve (overrides worker.task_queue)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Tasks handled at once (overrides worker.concurrency)")
	return cmd
}
