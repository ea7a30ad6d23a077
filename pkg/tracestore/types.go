// Package tracestore persists the step records, plan snapshots and session
// summaries of every session. Records are append-only and carry a gapless
// per-session sequence assigned by the store.
package tracestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a session or snapshot does not exist.
var ErrNotFound = errors.New("not found")

// Phase is the controller phase that produced a record.
type Phase string

const (
	PhasePlan    Phase = "plan"
	PhaseAct     Phase = "act"
	PhaseObserve Phase = "observe"
)

// Outcome of a step.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeError Outcome = "error"
)

// StepRecord is one entry of a session trace.
type StepRecord struct {
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	NodeID    string          `json:"node_id,omitempty"`
	Phase     Phase           `json:"phase"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Outcome   Outcome         `json:"outcome"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Duration  time.Duration   `json:"duration"`
}

// PlanSnapshot is the serialized plan tree after a planning phase.
type PlanSnapshot struct {
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	Iteration int             `json:"iteration"`
	Tree      json.RawMessage `json:"tree"`
	CreatedAt time.Time       `json:"created_at"`
}

// SessionRecord is the archived summary of a finished session.
type SessionRecord struct {
	ID         string    `json:"id"`
	Goal       string    `json:"goal"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Result     string    `json:"result,omitempty"`
	Iterations int       `json:"iterations"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// SearchResult is a record matched by Search with its relevance.
type SearchResult struct {
	Record       StepRecord `json:"record"`
	Score        float64    `json:"score"`
	VectorScore  *float64   `json:"vector_score,omitempty"`
	KeywordScore *float64   `json:"keyword_score,omitempty"`
}

// Store is the trace/plan persistence port. Appends from many sessions may
// run concurrently; within one session records keep call order.
type Store interface {
	// Append assigns the next sequence number for rec.SessionID and
	// persists the record, returning it with Seq set.
	Append(ctx context.Context, rec StepRecord) (StepRecord, error)
	SaveSnapshot(ctx context.Context, snap PlanSnapshot) error
	SaveSession(ctx context.Context, sess SessionRecord) error
	Records(ctx context.Context, sessionID string) ([]StepRecord, error)
	Snapshots(ctx context.Context, sessionID string) ([]PlanSnapshot, error)
	LatestSnapshot(ctx context.Context, sessionID string) (PlanSnapshot, error)
	Session(ctx context.Context, sessionID string) (SessionRecord, error)
	// Search ranks records by similarity to query. An empty sessionID
	// searches every session.
	Search(ctx context.Context, sessionID, query string, limit int) ([]SearchResult, error)
	Close() error
}

func validateRecord(rec StepRecord) error {
	if rec.SessionID == "" {
		return errors.New("session ID is required")
	}
	switch rec.Phase {
	case PhasePlan, PhaseAct, PhaseObserve:
	default:
		return fmt.Errorf("invalid phase %q", rec.Phase)
	}
	switch rec.Outcome {
	case OutcomeOK, OutcomeError:
	default:
		return fmt.Errorf("invalid outcome %q", rec.Outcome)
	}
	return nil
}

// searchText is the text indexed for keyword and vector search.
func searchText(rec StepRecord) string {
	parts := []string{string(rec.Phase)}
	if rec.NodeID != "" {
		parts = append(parts, rec.NodeID)
	}
	if len(rec.Input) > 0 {
		parts = append(parts, string(rec.Input))
	}
	if len(rec.Output) > 0 {
		parts = append(parts, string(rec.Output))
	}
	if rec.ErrorKind != "" {
		parts = append(parts, rec.ErrorKind)
	}
	if rec.Error != "" {
		parts = append(parts, rec.Error)
	}
	return strings.Join(parts, " ")
}

func recordKey(sessionID string, seq int64) string {
	return fmt.Sprintf("%s:%d", sessionID, seq)
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
