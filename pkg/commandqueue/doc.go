// Package commandqueue runs tasks in named lanes with a per-lane concurrency
// limit.
//
// Invariants:
// - Tasks in the same lane start in FIFO order.
// - At most the lane's concurrency limit of tasks run at once.
// - A task whose context is cancelled while still queued never runs.
//
// hiplan routes every outbound generation call through one lane so the limit
// applies across sessions rather than per session.
//
// Usage:
//
//	queue := commandqueue.New(logger)
//	defer queue.Close()
//	queue.SetConcurrency("generation", 4)
//	result, err := queue.Enqueue(ctx, "generation", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	})
package commandqueue
