package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/hiplan/pkg/capability"
	"github.com/harun/hiplan/pkg/generation"
	"github.com/harun/hiplan/pkg/planner"
	"github.com/harun/hiplan/pkg/stepexecutor"
)

// Failure reasons reported on failed sessions.
const (
	ReasonCapabilityUnavailable = planner.ReasonCapabilityUnavailable
	ReasonPlanningFailed        = planner.ReasonPlanningFailed
	ReasonGenerationExhausted   = "generation exhausted"
	ReasonBudgetExceeded        = "budget exceeded"
	ReasonCancelled             = "cancelled"
	ReasonGoalUnreachable       = "goal unreachable"
	ReasonTraceStore            = "trace store unavailable"
)

var (
	// ErrCancelled is the cause of a session cancelled through Cancel or
	// Shutdown.
	ErrCancelled = errors.New("session cancelled")
	// ErrEmptyGoal rejects a goal that is blank.
	ErrEmptyGoal = errors.New("goal is required")
	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")
	// ErrShuttingDown rejects new sessions after Shutdown.
	ErrShuttingDown = errors.New("controller is shutting down")

	errGoalUnreachable = errors.New("no runnable step left and the goal is not reached")
	errTraceStore      = errors.New("trace store unavailable")
)

// BudgetExceeded reports which session budget ran out.
type BudgetExceeded struct {
	Kind  string // "iterations" or "duration"
	Limit any
	Used  any
}

func (e *BudgetExceeded) Error() string {
	return fmt.Sprintf("%s budget exceeded: used %v of %v", e.Kind, e.Used, e.Limit)
}

func iterationsExceeded(limit, used int) *BudgetExceeded {
	return &BudgetExceeded{Kind: "iterations", Limit: limit, Used: used}
}

func durationExceeded(limit, used time.Duration) *BudgetExceeded {
	return &BudgetExceeded{Kind: "duration", Limit: limit, Used: used.Round(time.Millisecond)}
}

// failureReason maps the error that ended a session to its reason.
func failureReason(err error) string {
	var budget *BudgetExceeded
	var perr *planner.Error
	switch {
	case errors.As(err, &budget):
		return ReasonBudgetExceeded
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, generation.ErrExhausted):
		return ReasonGenerationExhausted
	case errors.Is(err, capability.ErrUnavailable):
		return ReasonCapabilityUnavailable
	case errors.Is(err, errTraceStore), errors.Is(err, stepexecutor.ErrRecordFailed):
		return ReasonTraceStore
	case errors.Is(err, errGoalUnreachable):
		return ReasonGoalUnreachable
	case errors.As(err, &perr):
		return perr.Reason
	default:
		return ReasonPlanningFailed
	}
}
