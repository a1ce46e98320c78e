package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/petrijr/campaignflow/internal/taskqueue"
)

func newRequeueCmd(a *app) *cobra.Command {
	var queue string
	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Return claimed but unacknowledged tasks to the queue",
		Long: `Requeue releases every task of the queue that a worker dequeued but never
acknowledged, for example after that worker was killed. Run it only while
no worker is consuming the queue: a task still being handled would be
delivered twice. Prints the number of tasks released.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			r, ok := s.tasks.(taskqueue.Requeuer)
			if !ok {
				return fmt.Errorf("backend %s does not support requeue", a.cfg.Backend.Kind)
			}
			if queue == "" {
				queue = a.cfg.Worker.TaskQueue
			}
			n, err := r.Requeue(ctx, queue)
			if err != nil {
				return fmt.Errorf("requeue %s: %w", queue, err)
			}
			a.logger.Info("tasks_requeued", zap.String("queue", queue), zap.Int("count", n))
			_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
			return err
		},
	}
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Task queue (defaults to worker.task_queue)")
	return cmd
}
