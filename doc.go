// Package campaignflow is a durable orchestration core for campaign
// production: it drives each marketing brief through a fixed sequence of
// stages, retrying failed stages with backoff and recording every outcome
// so an interrupted instance can be replayed rather than redone.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Engine
//  2. Activity
//  3. FlowBuilder
//  4. Worker
//  5. LocalRunner
//
// # Engine
//
// The Engine registers workflow definitions and activities, persists
// instances and their stage history, and provides APIs to:
//   - create, run and execute instances
//   - cancel pending or running instances
//   - resume failed instances from the stage that failed
//   - read instance state and history
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//
// An instance is PENDING until a worker starts it, RUNNING while stages
// execute, and ends COMPLETED, FAILED or CANCELLED. Terminal instances are
// never mutated again.
//
// # Activity
//
// An activity is the unit of side-effecting work behind a stage:
//
//	type ActivityFunc func(ctx context.Context, input Payload) (Payload, error)
//
// Activity wraps a typed function so inputs and outputs are plain structs.
// Each activity carries a per-attempt timeout and a retry policy; a stage
// may override both. Activities should be idempotent: ActivityInfo carries
// a key that is stable across retries and replays of the same stage.
//
// Returning an error wrapped with NonRetryable, or one listed in the
// policy's NonRetryableErrors, fails the stage without further attempts.
//
// # FlowBuilder
//
// FlowBuilder defines a workflow as an ordered list of stages:
//
//	campaignflow.New("campaign-intake").
//	    Activity(campaignflow.Activity("intake_activity", intake, opts)).
//	    Stage("intake", "intake_activity").
//	    Deadline(24 * time.Hour).
//	    MustRegister(engine)
//
// # Worker
//
// A Worker (package pkg/worker) connects to a task queue through a backoff
// connector, validates the registry and serves start and cancel tasks with
// bounded concurrency. Failing workflows never stop the loop. Shutting a
// worker down leaves its instances RUNNING; the next worker replays them
// from history.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine, queue and worker into a single,
// process-local helper useful for development and unit testing. It is
// intentionally not crash-durable.
//
// The campaign-production workflow itself lives in internal/campaign and is
// served by the campaignflow command.
package campaignflow
