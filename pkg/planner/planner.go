// Package planner maintains the hierarchical plan tree of a session.
//
// Plan builds the tree from a goal decomposition on the first call and
// revises it on later calls: it applies the latest observation, replans the
// parent of a failed step, refines abstract generative steps and generates
// the arguments of the next capability step. Assess is the I/O-free part
// used between steps.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/hiplan/internal/tracing"
	"github.com/harun/hiplan/pkg/capability"
	"github.com/harun/hiplan/pkg/generation"
	"github.com/harun/hiplan/pkg/prompts"
)

const tracerName = "hiplan.planner"

// Defaults applied by New.
const (
	DefaultMaxReplans      = 2
	DefaultMaxDepth        = 4
	DefaultRefineThreshold = 0.3
)

// Observation is the outcome of executing one node.
type Observation struct {
	NodeID    string   `json:"node_id"`
	Success   bool     `json:"success"`
	Output    string   `json:"output,omitempty"`
	ErrorKind string   `json:"error_kind,omitempty"`
	Error     string   `json:"error,omitempty"`
	Summary   string   `json:"summary,omitempty"`
	Facts     []string `json:"facts,omitempty"`
}

// Input is everything one planning call depends on besides generation
// output.
type Input struct {
	Goal         string
	Tree         *Tree
	Observation  *Observation
	Capabilities *capability.Snapshot
	Iteration    int
}

// Generation is one generation output consumed while planning, in call
// order. Feeding them back through ReplayPort reproduces the call.
type Generation struct {
	PromptID string `json:"prompt_id"`
	Text     string `json:"text"`
}

// Result is the revised tree.
type Result struct {
	Tree        *Tree
	Generations []Generation
	Complete    bool
	Replanned   bool
}

// Config configures a Planner.
type Config struct {
	Port          generation.Port
	Prompts       *prompts.Registry
	PromptVersion string

	// MaxReplans bounds replanning per session; negative disables it.
	MaxReplans      int
	MaxDepth        int
	RefineThreshold float64
	Completion      CompletionFunc
	Logger          zerolog.Logger
}

// Planner builds and revises plan trees. It holds no per-session state.
type Planner struct {
	port            generation.Port
	prompts         *prompts.Registry
	promptVersion   string
	maxReplans      int
	maxDepth        int
	refineThreshold float64
	completion      CompletionFunc
	logger          zerolog.Logger
}

// New creates a planner.
func New(cfg Config) (*Planner, error) {
	if cfg.Port == nil {
		return nil, errors.New("generation port is required")
	}
	if cfg.Prompts == nil {
		cfg.Prompts = prompts.DefaultRegistry()
	}
	switch {
	case cfg.MaxReplans == 0:
		cfg.MaxReplans = DefaultMaxReplans
	case cfg.MaxReplans < 0:
		cfg.MaxReplans = 0
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.RefineThreshold <= 0 {
		cfg.RefineThreshold = DefaultRefineThreshold
	}
	if cfg.Completion == nil {
		cfg.Completion = AllStepsSucceeded
	}

	return &Planner{
		port:            cfg.Port,
		prompts:         cfg.Prompts,
		promptVersion:   cfg.PromptVersion,
		maxReplans:      cfg.MaxReplans,
		maxDepth:        cfg.MaxDepth,
		refineThreshold: cfg.RefineThreshold,
		completion:      cfg.Completion,
		logger:          cfg.Logger,
	}, nil
}

// Assess applies obs to a copy of tree and evaluates the default completion
// predicate. It performs no I/O.
func Assess(tree *Tree, obs *Observation) (*Tree, bool) {
	return assess(tree, obs, AllStepsSucceeded)
}

// Assess is the package Assess with the planner's completion predicate.
func (p *Planner) Assess(tree *Tree, obs *Observation) (*Tree, bool) {
	return assess(tree, obs, p.completion)
}

func assess(tree *Tree, obs *Observation, complete CompletionFunc) (*Tree, bool) {
	next := tree.Clone()
	apply(next, obs)
	return next, complete(next, obs)
}

// apply records obs on its node unless the node is already terminal, so
// applying the same observation twice is a no-op.
func apply(tree *Tree, obs *Observation) {
	if obs == nil {
		return
	}
	status := StatusFailed
	output := obs.Output
	if obs.Success {
		status = StatusDone
	} else if output == "" {
		output = obs.Error
	}
	if tree.finish(obs.NodeID, status, output) {
		tree.Facts = append(tree.Facts, obs.Facts...)
	}
}

// Plan returns the revised tree for in. The input tree is never modified.
func (p *Planner) Plan(ctx context.Context, in Input) (res Result, err error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "planner.plan", attribute.Int("iteration", in.Iteration))
	defer func() { tracing.EndSpan(span, err) }()

	logger := tracing.LoggerFromContext(ctx, p.logger)
	snapshot := in.Capabilities
	if snapshot == nil {
		snapshot = capability.EmptySnapshot()
	}

	run := &planRun{p: p, in: in, snapshot: snapshot, logger: logger}

	var tree *Tree
	if in.Tree.Empty() {
		tree, err = run.decompose(ctx)
		if err != nil {
			return Result{Generations: run.generations}, err
		}
	} else {
		tree = in.Tree.Clone()
		apply(tree, in.Observation)
		if err := run.handleFailure(ctx, tree); err != nil {
			return Result{Tree: tree, Generations: run.generations}, err
		}
	}

	if err := run.prepareNext(ctx, tree); err != nil {
		return Result{Tree: tree, Generations: run.generations, Replanned: run.replanned}, err
	}
	if err := checkCapabilities(tree, snapshot); err != nil {
		return Result{Tree: tree, Generations: run.generations, Replanned: run.replanned}, err
	}
	if err := tree.Validate(); err != nil {
		return Result{Tree: tree, Generations: run.generations}, &Error{Reason: ReasonPlanningFailed, Err: err}
	}

	logger.Debug().
		Int("nodes", len(tree.Nodes)).
		Int("generations", len(run.generations)).
		Bool("replanned", run.replanned).
		Msg("Plan updated")

	return Result{
		Tree:        tree,
		Generations: run.generations,
		Complete:    p.completion(tree, in.Observation),
		Replanned:   run.replanned,
	}, nil
}

// planRun carries the state of one Plan call.
type planRun struct {
	p           *Planner
	in          Input
	snapshot    *capability.Snapshot
	logger      zerolog.Logger
	generations []Generation
	replanned   bool
}

func (r *planRun) generate(ctx context.Context, promptID string, vars map[string]any, input string) (string, error) {
	spec, err := r.p.prompts.Get(promptID, r.p.promptVersion)
	if err != nil {
		return "", &Error{Reason: ReasonPlanningFailed, Err: err}
	}
	system, user := spec.Messages(vars, input)

	resp, err := r.p.port.Generate(ctx, generation.Request{
		PromptID: promptID,
		System:   system,
		Prompt:   user,
		JSONMode: spec.JSONMode,
	})
	if err != nil {
		if errors.Is(err, generation.ErrExhausted) || ctx.Err() != nil {
			return "", fmt.Errorf("failed to generate %s: %w", promptID, err)
		}
		return "", &Error{Reason: ReasonPlanningFailed, Err: err}
	}

	r.generations = append(r.generations, Generation{PromptID: promptID, Text: resp.Text})
	return resp.Text, nil
}

func (r *planRun) decompose(ctx context.Context) (*Tree, error) {
	text, err := r.generate(ctx, prompts.GoalDecomposition, map[string]any{
		"goal":      r.in.Goal,
		"tool_docs": capability.Docs(r.snapshot.List()),
	}, r.in.Goal)
	if err != nil {
		return nil, err
	}

	g, err := parseDecomposition(text)
	if err != nil {
		return nil, &Error{Reason: ReasonPlanningFailed, Err: err}
	}
	tree, err := buildTree(r.in.Goal, *g)
	if err != nil {
		return nil, &Error{Reason: ReasonPlanningFailed, Err: err}
	}
	return tree, nil
}

// handleFailure replans the parent of the node that just failed. Once the
// replan budget is spent every pending node is skipped, which fails the
// root.
func (r *planRun) handleFailure(ctx context.Context, tree *Tree) error {
	obs := r.in.Observation
	if obs == nil || obs.Success {
		return nil
	}
	failed, ok := tree.Node(obs.NodeID)
	if !ok || failed.Status != StatusFailed || failed.ParentID == "" {
		return nil
	}

	if tree.Replans >= r.p.maxReplans {
		r.logger.Info().
			Str("node_id", failed.ID).
			Int("replans", tree.Replans).
			Msg("Replan budget exhausted")
		tree.skipPending(tree.RootID)
		tree.refresh(tree.RootID)
		return nil
	}

	parent := tree.Nodes[failed.ParentID]
	previous := subtreeView(tree, parent.ID)
	tree.skipPending(parent.ID)

	failure := obs.Error
	if failure == "" {
		failure = obs.Output
	}
	if obs.ErrorKind != "" {
		failure = obs.ErrorKind + ": " + failure
	}

	text, err := r.generate(ctx, prompts.GoalReplanning, map[string]any{
		"goal":             r.in.Goal,
		"replan_goal":      parent.Description,
		"failure":          fmt.Sprintf("Step %q failed. %s", failed.Description, failure),
		"previous_subtree": previous,
		"facts":            nonNil(tree.Facts),
		"executed_actions": executedActions(tree),
		"tool_docs":        capability.Docs(r.snapshot.List()),
	}, parent.Description)
	if err != nil {
		return err
	}

	g, err := parseDecomposition(text)
	if err != nil {
		return &Error{Reason: ReasonPlanningFailed, NodeID: parent.ID, Err: err}
	}
	if err := tree.graftChildren(parent.ID, *g); err != nil {
		return &Error{Reason: ReasonPlanningFailed, NodeID: parent.ID, Err: err}
	}
	tree.Replans++
	tree.refresh(parent.ID)
	tree.rollup(parent.ParentID)
	r.replanned = true

	r.logger.Info().
		Str("node_id", parent.ID).
		Int("replans", tree.Replans).
		Int("children", len(parent.Children)).
		Msg("Replanned subtree")
	return nil
}

// prepareNext makes the next runnable leaf executable: abstract generative
// leaves are decomposed and capability leaves get their arguments. A leaf
// whose argument generation terminates is skipped and the next one is
// prepared instead.
func (r *planRun) prepareNext(ctx context.Context, tree *Tree) error {
	for {
		next, ok := tree.Next()
		if !ok {
			return nil
		}

		switch {
		case next.Generative && next.AbstractionScore >= r.p.refineThreshold && tree.Depth(next.ID) < r.p.maxDepth:
			if err := r.refine(ctx, tree, next); err != nil {
				return err
			}
		case !next.FullyPlanned():
			done, err := r.fillArgs(ctx, tree, next)
			if err != nil || done {
				return err
			}
		default:
			return nil
		}
	}
}

func (r *planRun) refine(ctx context.Context, tree *Tree, n *Node) error {
	text, err := r.generate(ctx, prompts.GoalDecomposition, map[string]any{
		"goal":      n.Description,
		"tool_docs": capability.Docs(r.snapshot.List()),
	}, n.Description)
	if err != nil {
		return err
	}

	g, err := parseDecomposition(text)
	if err != nil {
		return &Error{Reason: ReasonPlanningFailed, NodeID: n.ID, Err: err}
	}
	n.Generative = false
	if err := tree.graftChildren(n.ID, *g); err != nil {
		return &Error{Reason: ReasonPlanningFailed, NodeID: n.ID, Err: err}
	}
	tree.rollup(n.ID)

	r.logger.Debug().Str("node_id", n.ID).Int("children", len(n.Children)).Msg("Refined abstract step")
	return nil
}

// fillArgs generates the arguments of n. It reports true when n is ready to
// run and false when n was skipped.
func (r *planRun) fillArgs(ctx context.Context, tree *Tree, n *Node) (bool, error) {
	desc, err := r.snapshot.Resolve(n.Capability)
	if err != nil {
		return false, &Error{Reason: ReasonCapabilityUnavailable, NodeID: n.ID, Err: err}
	}

	text, err := r.generate(ctx, prompts.ToolParameters, map[string]any{
		"goal":         r.in.Goal,
		"step":         n.Description,
		"context_note": ContextNote(tree),
		"tool_docs":    desc.Doc(),
	}, n.Description)
	if err != nil {
		return false, err
	}

	call, err := parseToolCall(text)
	if err != nil {
		return false, &Error{Reason: ReasonPlanningFailed, NodeID: n.ID, Err: err}
	}
	if call.Terminate {
		tree.finish(n.ID, StatusSkipped, call.Reason)
		r.logger.Info().Str("node_id", n.ID).Str("reason", call.Reason).Msg("Step terminated during argument generation")
		return false, nil
	}
	if call.Function != "" && call.Function != n.Capability {
		r.logger.Warn().
			Str("node_id", n.ID).
			Str("capability", n.Capability).
			Str("requested", call.Function).
			Msg("Ignoring capability change in generated arguments")
	}
	n.Args = call.Arguments
	return true, nil
}

// checkCapabilities fails when a leaf still to run names a capability the
// snapshot does not have.
func checkCapabilities(tree *Tree, snapshot *capability.Snapshot) error {
	var missing *Error
	tree.Walk(func(n *Node) bool {
		if n.Capability == "" || n.Status.Terminal() {
			return true
		}
		if _, err := snapshot.Resolve(n.Capability); err != nil {
			missing = &Error{Reason: ReasonCapabilityUnavailable, NodeID: n.ID, Err: err}
			return false
		}
		return true
	})
	if missing != nil {
		return missing
	}
	return nil
}

type toolCall struct {
	Function  string
	Arguments map[string]any
	Terminate bool
	Reason    string
}

// parseToolCall accepts {"call_function": ..., "arguments": {...}},
// {"arguments": {...}}, a bare argument object or {"terminate": true}.
// Arguments given as a JSON encoded string are decoded.
func parseToolCall(text string) (toolCall, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return toolCall{}, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return toolCall{}, fmt.Errorf("failed to parse tool call: %w", err)
	}

	var call toolCall
	if v, ok := fields["terminate"]; ok {
		if err := json.Unmarshal(v, &call.Terminate); err != nil {
			return toolCall{}, fmt.Errorf("terminate must be a boolean: %w", err)
		}
		if call.Terminate {
			if v, ok := fields["reason"]; ok {
				_ = json.Unmarshal(v, &call.Reason)
			}
			return call, nil
		}
	}
	if v, ok := fields["call_function"]; ok {
		_ = json.Unmarshal(v, &call.Function)
	}

	argsRaw, ok := fields["arguments"]
	if !ok {
		delete(fields, "call_function")
		delete(fields, "terminate")
		argsRaw, _ = json.Marshal(fields)
	}

	var encoded string
	if json.Unmarshal(argsRaw, &encoded) == nil {
		argsRaw = []byte(encoded)
	}
	if err := json.Unmarshal(argsRaw, &call.Arguments); err != nil {
		return toolCall{}, fmt.Errorf("arguments must be an object: %w", err)
	}
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}
	return call, nil
}

// ContextNote renders what has been learned so far: the output of every
// finished leaf in pre-order followed by the recorded facts.
func ContextNote(tree *Tree) string {
	var b strings.Builder
	for _, leaf := range tree.Leaves() {
		switch leaf.Status {
		case StatusDone:
			fmt.Fprintf(&b, "- %s: %s\n", leaf.Description, leaf.Output)
		case StatusFailed:
			fmt.Fprintf(&b, "- %s (failed): %s\n", leaf.Description, leaf.Output)
		}
	}
	for _, fact := range tree.Facts {
		fmt.Fprintf(&b, "- fact: %s\n", fact)
	}
	if b.Len() == 0 {
		return "None yet."
	}
	return strings.TrimRight(b.String(), "\n")
}

type nodeView struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Capability  string         `json:"capability,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
	Status      Status         `json:"status"`
	Output      string         `json:"output,omitempty"`
	Children    []nodeView     `json:"children,omitempty"`
}

func subtreeView(tree *Tree, id string) nodeView {
	n := tree.Nodes[id]
	v := nodeView{
		ID:          n.ID,
		Description: n.Description,
		Capability:  n.Capability,
		Args:        n.Args,
		Status:      n.Status,
		Output:      n.Output,
	}
	for _, cid := range n.Children {
		v.Children = append(v.Children, subtreeView(tree, cid))
	}
	return v
}

type action struct {
	Capability string         `json:"capability"`
	Args       map[string]any `json:"args"`
	Status     Status         `json:"status"`
	Output     string         `json:"output,omitempty"`
}

func executedActions(tree *Tree) []action {
	actions := []action{}
	for _, leaf := range tree.Leaves() {
		if leaf.Capability == "" || (leaf.Status != StatusDone && leaf.Status != StatusFailed) {
			continue
		}
		actions = append(actions, action{
			Capability: leaf.Capability,
			Args:       leaf.Args,
			Status:     leaf.Status,
			Output:     leaf.Output,
		})
	}
	return actions
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
