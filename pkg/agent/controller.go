package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/hiplan/internal/observability"
	"github.com/harun/hiplan/internal/tracing"
	"github.com/harun/hiplan/pkg/capability"
	"github.com/harun/hiplan/pkg/events"
	"github.com/harun/hiplan/pkg/generation"
	"github.com/harun/hiplan/pkg/planner"
	"github.com/harun/hiplan/pkg/prompts"
	"github.com/harun/hiplan/pkg/stepexecutor"
	"github.com/harun/hiplan/pkg/tracestore"
)

const tracerName = "hiplan.agent"

// Default session budget.
const (
	DefaultMaxIterations = 20
	DefaultMaxDuration   = 10 * time.Minute
)

// CapabilitySource hands out the current capability snapshot.
type CapabilitySource interface {
	Snapshot() *capability.Snapshot
}

// Config wires a Controller.
type Config struct {
	Planner      *planner.Planner
	Executor     *stepexecutor.Executor
	Capabilities CapabilitySource
	Store        tracestore.Store
	Events       *events.Mux

	// Port and Prompts serve step summaries and answer synthesis.
	Port          generation.Port
	Prompts       *prompts.Registry
	PromptVersion string

	DefaultBudget    Budget
	SummarizeSteps   bool
	SynthesizeAnswer bool
	Logger           zerolog.Logger
}

// Controller starts sessions and drives them to a terminal state.
type Controller struct {
	planner      *planner.Planner
	executor     *stepexecutor.Executor
	capabilities CapabilitySource
	store        tracestore.Store
	events       *events.Mux
	port         generation.Port
	prompts      *prompts.Registry
	version      string
	budget       Budget
	summarize    bool
	synthesize   bool
	logger       zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// New creates a controller.
func New(cfg Config) (*Controller, error) {
	observability.EnsureRegistered()

	if cfg.Planner == nil {
		return nil, fmt.Errorf("planner is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("step executor is required")
	}
	if cfg.Capabilities == nil {
		return nil, fmt.Errorf("capability source is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("trace store is required")
	}
	if cfg.Events == nil {
		cfg.Events = events.New(events.Config{Logger: cfg.Logger})
	}
	if (cfg.SummarizeSteps || cfg.SynthesizeAnswer) && cfg.Port == nil {
		return nil, fmt.Errorf("generation port is required for step summaries and answer synthesis")
	}
	if cfg.Prompts == nil {
		cfg.Prompts = prompts.DefaultRegistry()
	}
	if cfg.DefaultBudget.MaxIterations <= 0 {
		cfg.DefaultBudget.MaxIterations = DefaultMaxIterations
	}
	if cfg.DefaultBudget.MaxDuration <= 0 {
		cfg.DefaultBudget.MaxDuration = DefaultMaxDuration
	}

	return &Controller{
		planner:      cfg.Planner,
		executor:     cfg.Executor,
		capabilities: cfg.Capabilities,
		store:        cfg.Store,
		events:       cfg.Events,
		port:         cfg.Port,
		prompts:      cfg.Prompts,
		version:      cfg.PromptVersion,
		budget:       cfg.DefaultBudget,
		summarize:    cfg.SummarizeSteps,
		synthesize:   cfg.SynthesizeAnswer,
		logger:       cfg.Logger,
		sessions:     make(map[string]*session),
	}, nil
}

// StartSession validates goal, creates a session and starts running it. The
// session outlives ctx; only tracing values are taken from it.
func (c *Controller) StartSession(ctx context.Context, goal string, budget Budget) (string, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return "", ErrEmptyGoal
	}
	if budget.MaxIterations <= 0 {
		budget.MaxIterations = c.budget.MaxIterations
	}
	if budget.MaxDuration <= 0 {
		budget.MaxDuration = c.budget.MaxDuration
	}

	id := uuid.NewString()
	now := time.Now()
	s := &session{
		state: Session{
			ID:        id,
			Goal:      goal,
			State:     StateCreated,
			Budget:    budget,
			CreatedAt: now,
			UpdatedAt: now,
		},
		snapshot: c.capabilities.Snapshot(),
		started:  now,
		done:     make(chan struct{}),
	}
	if s.snapshot == nil {
		s.snapshot = capability.EmptySnapshot()
	}

	runCtx := tracing.NewSessionContext(tracing.Detach(ctx), id)
	runCtx, cancelDeadline := context.WithDeadlineCause(runCtx, now.Add(budget.MaxDuration),
		durationExceeded(budget.MaxDuration, budget.MaxDuration))
	runCtx, cancel := context.WithCancelCause(runCtx)
	s.cancel = cancel

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel(ErrShuttingDown)
		cancelDeadline()
		return "", ErrShuttingDown
	}
	c.sessions[id] = s
	c.wg.Add(1)
	c.mu.Unlock()

	observability.RecordSessionStarted()
	if err := c.store.SaveSession(runCtx, s.state.record()); err != nil {
		c.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to save new session")
	}
	c.publish(s, events.SessionStarted, "", map[string]any{"goal": goal, "capabilities": s.snapshot.Len()})

	go func() {
		defer c.wg.Done()
		defer cancelDeadline()
		defer cancel(nil)
		c.run(runCtx, s)
	}()

	return id, nil
}

func (c *Controller) session(id string) (*session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Events subscribes to a session's progress events.
func (c *Controller) Events(id string) (*events.Subscription, error) {
	if _, err := c.session(id); err != nil {
		return nil, err
	}
	return c.events.Subscribe(id), nil
}

// Get returns a copy of the session.
func (c *Controller) Get(id string) (Session, error) {
	s, err := c.session(id)
	if err != nil {
		return Session{}, err
	}
	return s.copy(), nil
}

// Plan returns a copy of the session's current plan tree, or nil before the
// first plan.
func (c *Controller) Plan(id string) (*planner.Tree, error) {
	s, err := c.session(id)
	if err != nil {
		return nil, err
	}
	return s.Tree(), nil
}

// Result returns the session's result together with its ordered step
// records and latest plan tree. Running sessions report Pending with the
// trace so far. Evicted sessions are looked up in the trace store.
func (c *Controller) Result(ctx context.Context, id string) (Result, error) {
	var (
		res  Result
		tree *planner.Tree
	)
	if s, err := c.session(id); err == nil {
		// copy state before the tree so the plan is never older than the status
		res = s.copy().result()
		tree = s.Tree()
	} else {
		rec, err := c.store.Session(ctx, id)
		if errors.Is(err, tracestore.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		if err != nil {
			return Result{}, fmt.Errorf("failed to load session %s: %w", id, err)
		}
		res = resultFromRecord(rec)
		if tree, err = c.storedPlan(ctx, id); err != nil {
			return Result{}, err
		}
	}

	records, err := c.store.Records(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load trace of session %s: %w", id, err)
	}
	res.Trace = records
	res.Plan = tree
	return res, nil
}

// storedPlan decodes the latest snapshot of id, or nil when none was taken.
func (c *Controller) storedPlan(ctx context.Context, id string) (*planner.Tree, error) {
	snap, err := c.store.LatestSnapshot(ctx, id)
	if errors.Is(err, tracestore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan of session %s: %w", id, err)
	}
	tree := planner.NewTree()
	if err := json.Unmarshal(snap.Tree, tree); err != nil {
		return nil, fmt.Errorf("failed to decode plan of session %s: %w", id, err)
	}
	return tree, nil
}

// Wait blocks until the session ends or ctx is done.
func (c *Controller) Wait(ctx context.Context, id string) (Result, error) {
	s, err := c.session(id)
	if err != nil {
		return c.Result(ctx, id)
	}
	select {
	case <-s.done:
		return s.copy().result(), nil
	case <-ctx.Done():
		return s.copy().result(), ctx.Err()
	}
}

// Cancel stops a running session. Cancelling a finished session is a no-op.
func (c *Controller) Cancel(id string) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}
	if s.copy().State.Terminal() {
		return nil
	}
	c.logger.Info().Str("session_id", id).Msg("Cancelling session")
	s.cancel(ErrCancelled)
	return nil
}

// Sessions lists every session held in memory, oldest first.
func (c *Controller) Sessions() []Session {
	c.mu.RLock()
	list := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		list = append(list, s.copy())
	}
	c.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// Evict drops finished sessions that ended more than olderThan ago. Their
// results stay available from the trace store.
func (c *Controller) Evict(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	c.mu.Lock()
	var evicted []string
	for id, s := range c.sessions {
		snap := s.copy()
		if snap.State.Terminal() && !snap.FinishedAt.After(cutoff) {
			delete(c.sessions, id)
			evicted = append(evicted, id)
		}
	}
	c.mu.Unlock()

	for _, id := range evicted {
		c.events.Forget(id)
	}
	if len(evicted) > 0 {
		c.logger.Info().Int("count", len(evicted)).Dur("older_than", olderThan).Msg("Evicted finished sessions")
	}
	return len(evicted)
}

// Shutdown rejects new sessions, cancels running ones and waits for them
// to finish or for ctx to end.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	running := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		running = append(running, s)
	}
	c.mu.Unlock()

	for _, s := range running {
		s.cancel(ErrCancelled)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop sessions: %w", ctx.Err())
	}
}

// run drives s until it ends.
func (c *Controller) run(ctx context.Context, s *session) {
	defer close(s.done)

	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.session", attribute.String("session_id", s.state.ID))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger)
	logger.Info().Str("goal", s.state.Goal).Int64("snapshot_version", s.snapshot.Version()).Msg("Session started")

	var (
		tree *planner.Tree
		obs  *planner.Observation
	)

	for {
		// PLANNING
		eventType := events.PlanningStarted
		if obs != nil && !obs.Success {
			eventType = events.ReplanningStarted
		}
		st := s.update(func(ss *Session) {
			ss.State = StatePlanning
			ss.Iteration++
		})
		c.publish(s, eventType, "", nil)

		if err := c.checkBudget(s, st); err != nil {
			c.fail(ctx, s, err)
			return
		}

		start := time.Now()
		res, err := c.planner.Plan(ctx, planner.Input{
			Goal:         st.Goal,
			Tree:         tree,
			Observation:  obs,
			Capabilities: s.snapshot,
			Iteration:    st.Iteration,
		})
		observability.RecordPhase(string(tracestore.PhasePlan), time.Since(start))

		var next *planner.Node
		if err == nil {
			next, _ = res.Tree.Next()
		}
		if recErr := c.recordPlan(ctx, s, st.Iteration, obs, res, next, err, start); recErr != nil {
			c.fail(ctx, s, recErr)
			return
		}
		if err != nil {
			c.fail(ctx, s, err)
			return
		}
		tree = res.Tree
		s.setTree(tree)

		if ctx.Err() != nil {
			c.fail(ctx, s, ctx.Err())
			return
		}
		// Completion is only decided after an observation. A plan that runs
		// out of steps without one (the last leaf was skipped) cannot be
		// shown to satisfy the goal.
		if next == nil {
			c.fail(ctx, s, errGoalUnreachable)
			return
		}

		// ACTING
		tree = tree.Clone()
		if err := tree.MarkRunning(next.ID); err != nil {
			c.fail(ctx, s, &planner.Error{Reason: planner.ReasonPlanningFailed, NodeID: next.ID, Err: err})
			return
		}
		s.setTree(tree)
		s.update(func(ss *Session) { ss.State = StateActing })
		c.publish(s, events.StepStarted, next.ID, map[string]any{
			"description": next.Description,
			"capability":  next.Capability,
		})

		start = time.Now()
		rec, err := c.executor.Execute(ctx, stepexecutor.Request{
			SessionID:   st.ID,
			Goal:        st.Goal,
			Node:        *next,
			Snapshot:    s.snapshot,
			Iteration:   st.Iteration,
			ContextNote: planner.ContextNote(tree),
		})
		observability.RecordPhase(string(tracestore.PhaseAct), time.Since(start))

		// A cancelled session discards whatever the step produced.
		if ctx.Err() != nil {
			c.fail(ctx, s, ctx.Err())
			return
		}
		if err != nil {
			c.fail(ctx, s, err)
			return
		}

		// OBSERVING
		start = time.Now()
		observation := stepexecutor.Observe(rec)
		s.update(func(ss *Session) { ss.State = StateObserving })
		c.publish(s, events.ToolExecutionFinished, next.ID, map[string]any{
			"success":    observation.Success,
			"error_kind": observation.ErrorKind,
			"output":     preview(observation.Output),
		})

		if c.summarize {
			if err := c.summarizeStep(ctx, st.Goal, *next, &observation); err != nil {
				c.fail(ctx, s, err)
				return
			}
		}
		if err := c.recordObservation(ctx, s, observation, start); err != nil {
			c.fail(ctx, s, err)
			return
		}

		var complete bool
		tree, complete = c.planner.Assess(tree, &observation)
		s.setTree(tree)
		obs = &observation
		observability.RecordPhase(string(tracestore.PhaseObserve), time.Since(start))

		if complete {
			c.complete(ctx, s, tree)
			return
		}
	}
}

// checkBudget fails the session once its iteration counter passes the
// limit or its wall-clock budget is spent.
func (c *Controller) checkBudget(s *session, st Session) error {
	if st.Iteration > st.Budget.MaxIterations {
		return iterationsExceeded(st.Budget.MaxIterations, st.Iteration)
	}
	if elapsed := time.Since(s.started); elapsed > st.Budget.MaxDuration {
		return durationExceeded(st.Budget.MaxDuration, elapsed)
	}
	return nil
}

func (c *Controller) complete(ctx context.Context, s *session, tree *planner.Tree) {
	output := c.finalAnswer(ctx, s.copy().Goal, tree)
	st := s.update(func(ss *Session) {
		ss.State = StateCompleted
		ss.Result = output
		ss.FinishedAt = time.Now()
	})
	c.finish(ctx, s, st, events.SessionCompleted, map[string]any{"result": output})

	logger := tracing.LoggerFromContext(ctx, c.logger)
	logger.Info().Int("iterations", st.Iteration).Msg("Session completed")
}

func (c *Controller) fail(ctx context.Context, s *session, err error) {
	// A cancelled or expired session reports why its context ended.
	if cause := context.Cause(ctx); cause != nil {
		err = cause
	}
	reason := failureReason(err)

	st := s.update(func(ss *Session) {
		ss.State = StateFailed
		ss.Reason = reason
		ss.Error = err.Error()
		ss.FinishedAt = time.Now()
	})
	c.finish(ctx, s, st, events.SessionFailed, map[string]any{"reason": reason, "error": err.Error()})

	logger := tracing.LoggerFromContext(ctx, c.logger)
	if reason == ReasonCancelled {
		logger.Info().Int("iterations", st.Iteration).Msg("Session cancelled")
		return
	}
	logger.Warn().Err(err).Str("reason", reason).Int("iterations", st.Iteration).Msg("Session failed")
}

func (c *Controller) finish(ctx context.Context, s *session, st Session, eventType events.Type, payload map[string]any) {
	if err := c.store.SaveSession(tracing.Detach(ctx), st.record()); err != nil {
		c.logger.Error().Err(err).Str("session_id", st.ID).Msg("Failed to archive session")
	}
	c.publish(s, eventType, "", payload)
	c.events.Close(st.ID)

	status := "completed"
	if st.State == StateFailed {
		status = "failed"
	}
	observability.RecordSessionFinished(status, st.Reason)
}

func (c *Controller) publish(s *session, t events.Type, nodeID string, payload map[string]any) {
	st := s.copy()
	c.events.Publish(events.Event{
		SessionID: st.ID,
		Type:      t,
		Phase:     string(st.State),
		NodeID:    nodeID,
		Iteration: st.Iteration,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

func (c *Controller) recordPlan(ctx context.Context, s *session, iteration int, obs *planner.Observation, res planner.Result, next *planner.Node, planErr error, start time.Time) error {
	in, err := json.Marshal(planner.PlanRecordInput{Goal: s.state.Goal, Iteration: iteration, Observation: obs})
	if err != nil {
		return fmt.Errorf("failed to encode plan input: %w", err)
	}
	out := planner.PlanRecordOutput{Generations: res.Generations, Complete: res.Complete, Replanned: res.Replanned}
	rec := tracestore.StepRecord{
		SessionID: s.state.ID,
		Phase:     tracestore.PhasePlan,
		Input:     in,
		Outcome:   tracestore.OutcomeOK,
		Timestamp: start,
		Duration:  time.Since(start),
	}
	if next != nil {
		rec.NodeID = next.ID
		out.NextNodeID = next.ID
	}
	if planErr != nil {
		rec.Outcome = tracestore.OutcomeError
		rec.ErrorKind = failureReason(planErr)
		rec.Error = planErr.Error()
	}
	if rec.Output, err = json.Marshal(out); err != nil {
		return fmt.Errorf("failed to encode plan output: %w", err)
	}

	stored, err := c.store.Append(tracing.Detach(ctx), rec)
	if err != nil {
		return fmt.Errorf("%w: %v", errTraceStore, err)
	}
	if planErr != nil || res.Tree == nil {
		return nil
	}

	treeJSON, err := json.Marshal(res.Tree)
	if err != nil {
		return fmt.Errorf("failed to encode plan tree: %w", err)
	}
	err = c.store.SaveSnapshot(tracing.Detach(ctx), tracestore.PlanSnapshot{
		SessionID: s.state.ID,
		Seq:       stored.Seq,
		Iteration: iteration,
		Tree:      treeJSON,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errTraceStore, err)
	}
	return nil
}

func (c *Controller) recordObservation(ctx context.Context, s *session, obs planner.Observation, start time.Time) error {
	out, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("failed to encode observation: %w", err)
	}
	rec := tracestore.StepRecord{
		SessionID: s.state.ID,
		NodeID:    obs.NodeID,
		Phase:     tracestore.PhaseObserve,
		Output:    out,
		Outcome:   tracestore.OutcomeOK,
		Timestamp: start,
		Duration:  time.Since(start),
	}
	if !obs.Success {
		rec.Outcome = tracestore.OutcomeError
		rec.ErrorKind = obs.ErrorKind
		rec.Error = obs.Error
	}
	if _, err := c.store.Append(tracing.Detach(ctx), rec); err != nil {
		return fmt.Errorf("%w: %v", errTraceStore, err)
	}
	return nil
}

// preview shortens s for event payloads without splitting a rune.
func preview(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
