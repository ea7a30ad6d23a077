package planner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harun/hiplan/pkg/capability"
	"github.com/harun/hiplan/pkg/generation"
	"github.com/harun/hiplan/pkg/tracestore"
)

// PlanRecordInput is the input payload of a plan-phase step record.
type PlanRecordInput struct {
	Goal        string       `json:"goal,omitempty"`
	Iteration   int          `json:"iteration"`
	Observation *Observation `json:"observation,omitempty"`
}

// PlanRecordOutput is the output payload of a plan-phase step record.
type PlanRecordOutput struct {
	Generations []Generation `json:"generations"`
	NextNodeID  string       `json:"next_node_id,omitempty"`
	Complete    bool         `json:"complete,omitempty"`
	Replanned   bool         `json:"replanned,omitempty"`
}

// NewReplayPort returns a port that answers with gens in order and fails on
// any request for a different prompt.
func NewReplayPort(gens []Generation) *generation.Script {
	steps := make([]generation.Step, 0, len(gens))
	for _, g := range gens {
		steps = append(steps, generation.Step{PromptID: g.PromptID, Text: g.Text})
	}
	return generation.NewScript("replay", steps...)
}

// Rebuild reconstructs a session's tree from its step records. Plan records
// are re-planned against their recorded generations, act records mark their
// node running and observe records are assessed. cfg.Port is replaced by a
// replay port.
func Rebuild(ctx context.Context, cfg Config, goal string, snapshot *capability.Snapshot, records []tracestore.StepRecord) (*Tree, error) {
	var gens []Generation
	for _, rec := range records {
		if rec.Phase != tracestore.PhasePlan || len(rec.Output) == 0 {
			continue
		}
		var out PlanRecordOutput
		if err := json.Unmarshal(rec.Output, &out); err != nil {
			return nil, fmt.Errorf("failed to decode plan record %d: %w", rec.Seq, err)
		}
		gens = append(gens, out.Generations...)
	}

	cfg.Port = NewReplayPort(gens)
	p, err := New(cfg)
	if err != nil {
		return nil, err
	}

	tree := NewTree()
	for _, rec := range records {
		switch rec.Phase {
		case tracestore.PhasePlan:
			var in PlanRecordInput
			if err := json.Unmarshal(rec.Input, &in); err != nil {
				return nil, fmt.Errorf("failed to decode plan record %d: %w", rec.Seq, err)
			}
			res, err := p.Plan(ctx, Input{
				Goal:         goal,
				Tree:         tree,
				Observation:  in.Observation,
				Capabilities: snapshot,
				Iteration:    in.Iteration,
			})
			if err != nil {
				if rec.Outcome == tracestore.OutcomeError {
					return tree, nil
				}
				return nil, fmt.Errorf("failed to replay plan record %d: %w", rec.Seq, err)
			}
			tree = res.Tree

		case tracestore.PhaseAct:
			if rec.NodeID == "" {
				continue
			}
			next := tree.Clone()
			if err := next.MarkRunning(rec.NodeID); err == nil {
				tree = next
			}

		case tracestore.PhaseObserve:
			if len(rec.Output) == 0 {
				continue
			}
			var obs Observation
			if err := json.Unmarshal(rec.Output, &obs); err != nil {
				return nil, fmt.Errorf("failed to decode observe record %d: %w", rec.Seq, err)
			}
			tree, _ = p.Assess(tree, &obs)
		}
	}
	return tree, nil
}
