// Package worker provides the long-lived process that drives campaign
// workflows forward.
//
// A Worker obtains its task-queue connection through a connector.Connector,
// so an unreachable backend is retried with linear backoff instead of
// failing the process. Once connected it validates the engine's registry
// (every stage bound to a registered activity) and then serves one named
// queue:
//
//   - start-workflow tasks run (or replay and continue) an instance
//   - cancel-workflow tasks cancel an instance
//
// Tasks are handled concurrently up to Config.Concurrency. A failing or
// panicking task is logged and acknowledged; it never stops the loop. A
// dequeue error marks the connection lost and reconnects.
//
// # Submitting work
//
// Client is the producer side. Enqueue records a PENDING instance and queues
// a start task for it, which works whether or not any worker is running:
//
//	client := worker.NewClient(eng, queue)
//	id, err := client.Enqueue(ctx, "campaign-production", "campaign-production", api.Payload{"brief_id": "b-1"})
//	inst, err := client.Wait(ctx, id, time.Second)
//
// # Shutdown
//
// Cancelling the context passed to Run stops dequeuing and waits for
// in-flight tasks. Interrupted instances stay RUNNING and their tasks are
// not acknowledged; the next delivery replays them from history.
package worker
