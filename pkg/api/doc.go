// Package api contains the core building blocks of the campaignflow
// orchestration core: workflow and activity definitions, the error taxonomy,
// retry policies and the Observer used to report lifecycle events.
//
// Most users interact with the higher-level campaignflow package, which
// re-exports selected types and helpers from this package. The api package
// is intended for custom integrations and for the engine internals.
//
// # Workflow Definitions
//
// A workflow is a strict sequence of stages. Each stage invokes exactly one
// registered activity with the accumulated payload and, on success, merges
// the activity's output into that payload before the next stage starts.
// No stage is skipped and stage N+1 never starts before the outcome of
// stage N is recorded.
//
// Definitions are registered with an engine before instances can be
// created for them.
//
// # Activities
//
// Activities are the only place side effects happen. They are:
//
//   - bounded by a per-attempt timeout
//   - retried according to their RetryPolicy
//   - handed an ActivityInfo whose IdempotencyKey is stable across retries
//     and replays of the same stage
//
// # Errors
//
// Every failure is one of ActivityTimeout, ActivityFailure, RetriesExhausted,
// DeadlineExceeded, Cancelled or ConnectionExhausted. Use errors.Is with the
// Err* sentinels or Classify to inspect them.
//
// # Observability
//
// The Observer interface receives workflow, stage and activity attempt
// events. LoggingObserver writes them through zap, BasicMetrics counts them
// and CompositeObserver fans out to several observers.
package api
