package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/campaignflow/internal/campaign"
	"github.com/petrijr/campaignflow/internal/taskqueue"
	"github.com/petrijr/campaignflow/pkg/api"
	"github.com/petrijr/campaignflow/pkg/worker"
)

// session is an open backend plus a client over it.
type session struct {
	backend *backend
	engine  api.Engine
	client  *worker.Client
	tasks   taskqueue.Queue
	queue   io.Closer
}

func (s *session) Close() {
	if s.queue != nil {
		_ = s.queue.Close()
	}
	_ = s.backend.Close()
}

// openSession connects once, without backoff: a command line client should
// fail fast.
func (a *app) openSession(ctx context.Context) (*session, error) {
	b, err := openBackend(ctx, a.cfg)
	if err != nil {
		return nil, err
	}
	eng := newEngine(b, nil, a.logger)
	if err := campaign.RegisterWorkflows(eng, a.cfg.CampaignSettings()); err != nil {
		_ = b.Close()
		return nil, err
	}
	q, err := b.dial(ctx)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("open task queue: %w", err)
	}
	s := &session{backend: b, engine: eng, client: worker.NewClient(eng, q), tasks: q}
	if c, ok := q.(io.Closer); ok {
		s.queue = c
	}
	return s, nil
}

type instanceView struct {
	ID              string      `json:"id"`
	Workflow        string      `json:"workflow"`
	Queue           string      `json:"queue,omitempty"`
	Status          api.Status  `json:"status"`
	CurrentStage    int         `json:"current_stage"`
	Error           string      `json:"error,omitempty"`
	Kind            string      `json:"kind,omitempty"`
	CancelRequested bool        `json:"cancel_requested,omitempty"`
	CancelReason    string      `json:"cancel_reason,omitempty"`
	Input           api.Payload `json:"input,omitempty"`
	Payload         api.Payload `json:"payload,omitempty"`
	CreatedAt       *time.Time  `json:"created_at,omitempty"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	FinishedAt      *time.Time  `json:"finished_at,omitempty"`
	Deadline        *time.Time  `json:"deadline,omitempty"`
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func viewInstance(inst *api.WorkflowInstance) instanceView {
	v := instanceView{
		ID:              inst.ID,
		Workflow:        inst.Name,
		Queue:           inst.Queue,
		Status:          inst.Status,
		CurrentStage:    inst.CurrentStage,
		Kind:            string(inst.Kind),
		CancelRequested: inst.CancelRequested,
		CancelReason:    inst.CancelReason,
		Input:           inst.Input,
		Payload:         inst.Payload,
		CreatedAt:       timeOrNil(inst.CreatedAt),
		StartedAt:       timeOrNil(inst.StartedAt),
		FinishedAt:      timeOrNil(inst.FinishedAt),
		Deadline:        timeOrNil(inst.Deadline),
	}
	if inst.Err != nil {
		v.Error = inst.Err.Error()
	}
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newEnqueueCmd(a *app) *cobra.Command {
	var (
		workflow   string
		queue      string
		brief      string
		title      string
		launchDate string
		rawInput   string
		at         string
		wait       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit a brief to a campaign workflow",
		Long: `Records a PENDING instance and queues it for the workers. No worker
needs to be running. Prints the instance ID, or the final instance when
--wait is set.`,
		Example: `  campaignflow enqueue --brief b-42 --title "Spring launch"
  campaignflow enqueue --workflow campaign-intake --input '{"brief_id":"b-7"}' --wait 1m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			input := api.Payload{}
			if rawInput != "" {
				if err := json.Unmarshal([]byte(rawInput), &input); err != nil {
					return fmt.Errorf("parse --input: %w", err)
				}
			}
			if brief != "" {
				input["brief_id"] = brief
			}
			if title != "" {
				input["title"] = title
			}
			if launchDate != "" {
				input["launch_date"] = launchDate
			}
			if input.String("brief_id") == "" {
				return fmt.Errorf("a brief is required (--brief or brief_id in --input)")
			}

			var notBefore time.Time
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("parse --at: %w", err)
				}
				notBefore = t
			}
			if queue == "" {
				queue = a.cfg.Worker.TaskQueue
			}

			ctx := cmd.Context()
			s, err := a.openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := s.client.EnqueueAt(ctx, queue, workflow, input, notBefore)
			if err != nil {
				return err
			}
			if wait <= 0 {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
				return err
			}

			wctx, cancel := context.WithTimeout(ctx, wait)
			defer cancel()
			inst, err := s.client.Wait(wctx, id, 0)
			if inst != nil {
				if perr := printJSON(cmd.OutOrStdout(), viewInstance(inst)); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVarP(&workflow, "workflow", "w", campaign.WorkflowName, "Workflow to start")
	f.StringVarP(&queue, "queue", "q", "", "Task queue (default worker.task_queue)")
	f.StringVarP(&brief, "brief", "b", "", "Brief ID")
	f.StringVar(&title, "title", "", "Campaign title")
	f.StringVar(&launchDate, "launch-date", "", "Launch date (RFC 3339)")
	f.StringVar(&rawInput, "input", "", "Full input payload as a JSON object")
	f.StringVar(&at, "at", "", "Hold the start back until this time (RFC 3339)")
	f.DurationVar(&wait, "wait", 0, "Wait up to this long for the instance to finish")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Show the state of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			inst, err := s.client.Status(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), viewInstance(inst))
		},
	}
}

func newCancelCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <instance-id>",
		Short: "Cancel an instance",
		Long: `A PENDING instance is cancelled at once. A RUNNING one is flagged and its
worker stops at the next stage boundary or sooner. Cancelling a finished
instance has no effect.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			inst, err := s.client.Cancel(ctx, args[0], reason)
			if inst != nil {
				if perr := printJSON(cmd.OutOrStdout(), viewInstance(inst)); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "cancelled from command line", "Cancellation reason")
	return cmd
}

type outcomeView struct {
	Seq        int         `json:"seq"`
	Stage      string      `json:"stage"`
	Activity   string      `json:"activity"`
	Status     string      `json:"status"`
	Attempts   int         `json:"attempts"`
	Output     api.Payload `json:"output,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Kind       string      `json:"kind,omitempty"`
	RecordedAt time.Time   `json:"recorded_at"`
}

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <instance-id>",
		Short: "Show the recorded stage outcomes of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			outcomes, err := s.client.History(ctx, args[0])
			if err != nil {
				return err
			}
			views := make([]outcomeView, 0, len(outcomes))
			for _, o := range outcomes {
				views = append(views, outcomeView{
					Seq:        o.Seq,
					Stage:      o.Stage,
					Activity:   o.Activity,
					Status:     string(o.Status),
					Attempts:   o.Attempts,
					Output:     o.Output,
					Reason:     o.Reason,
					Kind:       string(o.Kind),
					RecordedAt: o.RecordedAt,
				})
			}
			return printJSON(cmd.OutOrStdout(), views)
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	var (
		workflow string
		status   string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances, optionally filtered by workflow and status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			insts, err := s.engine.ListInstances(ctx, api.InstanceListOptions{
				WorkflowName: workflow,
				Status:       api.Status(strings.ToUpper(status)),
			})
			if err != nil {
				return err
			}
			views := make([]instanceView, 0, len(insts))
			for _, inst := range insts {
				views = append(views, viewInstance(inst))
			}
			return printJSON(cmd.OutOrStdout(), views)
		},
	}
	cmd.Flags().StringVarP(&workflow, "workflow", "w", "", "Only this workflow")
	cmd.Flags().StringVarP(&status, "status", "s", "", "Only this status (pending, running, completed, failed, cancelled)")
	return cmd
}
