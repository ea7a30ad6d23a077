// Package agent runs planning sessions.
//
// A Controller owns every session it starts. Each session runs on its own
// goroutine through the states CREATED, PLANNING, ACTING and OBSERVING
// until it ends COMPLETED or FAILED, publishing one event per transition
// and appending plan, act and observe records to the trace store.
//
// Invariants:
//   - The iteration counter grows by one per PLANNING entry and never
//     exceeds the session budget.
//   - A session sees one capability snapshot for its whole life.
//   - A cancelled session starts no further phase; an in-flight capability
//     call finishes on its own and its result is discarded.
//
// Usage:
//
//	ctrl, _ := agent.New(agent.Config{...})
//	id, _ := ctrl.StartSession(ctx, "add 2 and 3", agent.Budget{})
//	res, _ := ctrl.Wait(ctx, id)
package agent
