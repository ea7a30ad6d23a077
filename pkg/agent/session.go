package agent

import (
	"context"
	"sync"
	"time"

	"github.com/harun/hiplan/pkg/capability"
	"github.com/harun/hiplan/pkg/planner"
	"github.com/harun/hiplan/pkg/tracestore"
)

// State is a session lifecycle state.
type State string

const (
	StateCreated   State = "CREATED"
	StatePlanning  State = "PLANNING"
	StateActing    State = "ACTING"
	StateObserving State = "OBSERVING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether the session has ended.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Budget bounds a session. Zero fields take the controller defaults.
type Budget struct {
	MaxIterations int           `json:"max_iterations"`
	MaxDuration   time.Duration `json:"max_duration"`
}

// Session is a point-in-time copy of a session's state.
type Session struct {
	ID         string    `json:"id"`
	Goal       string    `json:"goal"`
	State      State     `json:"state"`
	Iteration  int       `json:"iteration"`
	Budget     Budget    `json:"budget"`
	Result     string    `json:"result,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Result is the outcome of a session. Pending is set while it runs.
type Result struct {
	SessionID  string    `json:"session_id"`
	Goal       string    `json:"goal"`
	Status     State     `json:"status"`
	Pending    bool      `json:"pending"`
	Output     string    `json:"output,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	Iterations int       `json:"iterations"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	// Trace and Plan are filled by Controller.Result only.
	Trace []tracestore.StepRecord `json:"trace,omitempty"`
	Plan  *planner.Tree           `json:"plan,omitempty"`
}

func (s Session) result() Result {
	return Result{
		SessionID:  s.ID,
		Goal:       s.Goal,
		Status:     s.State,
		Pending:    !s.State.Terminal(),
		Output:     s.Result,
		Reason:     s.Reason,
		Error:      s.Error,
		Iterations: s.Iteration,
		CreatedAt:  s.CreatedAt,
		FinishedAt: s.FinishedAt,
	}
}

func (s Session) record() tracestore.SessionRecord {
	return tracestore.SessionRecord{
		ID:         s.ID,
		Goal:       s.Goal,
		Status:     string(s.State),
		Reason:     s.Reason,
		Result:     s.Result,
		Iterations: s.Iteration,
		CreatedAt:  s.CreatedAt,
		FinishedAt: s.FinishedAt,
	}
}

func resultFromRecord(rec tracestore.SessionRecord) Result {
	status := State(rec.Status)
	return Result{
		SessionID:  rec.ID,
		Goal:       rec.Goal,
		Status:     status,
		Pending:    !status.Terminal(),
		Output:     rec.Result,
		Reason:     rec.Reason,
		Iterations: rec.Iterations,
		CreatedAt:  rec.CreatedAt,
		FinishedAt: rec.FinishedAt,
	}
}

// session is the controller's handle on one run. Only the run goroutine
// writes state; readers take copies under mu.
type session struct {
	mu    sync.RWMutex
	state Session
	tree  *planner.Tree

	snapshot *capability.Snapshot
	started  time.Time
	cancel   context.CancelCauseFunc
	done     chan struct{}
}

func (s *session) copy() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *session) update(fn func(*Session)) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	s.state.UpdatedAt = time.Now()
	return s.state
}

func (s *session) setTree(tree *planner.Tree) {
	s.mu.Lock()
	s.tree = tree
	s.mu.Unlock()
}

// Tree returns a copy of the current plan tree or nil before the first
// plan.
func (s *session) Tree() *planner.Tree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tree == nil {
		return nil
	}
	return s.tree.Clone()
}
