package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/hiplan/pkg/capability"
	"github.com/harun/hiplan/pkg/commandqueue"
	"github.com/harun/hiplan/pkg/events"
	"github.com/harun/hiplan/pkg/generation"
	"github.com/harun/hiplan/pkg/planner"
	"github.com/harun/hiplan/pkg/prompts"
	"github.com/harun/hiplan/pkg/stepexecutor"
	"github.com/harun/hiplan/pkg/tracestore"
)

const sumPlan = `{"root_goal": {"value": "add 2 and 3", "abstraction_score": 0.1, "mcp_tool": "sum", "tool_args": {"a": 2, "b": 3}}}`

const sumAndReportPlan = `{"root_goal": {
	"value": "add and report",
	"abstraction_score": 0.9,
	"children": [
		{"value": "add 2 and 3", "abstraction_score": 0.1, "mcp_tool": "sum", "tool_args": {"a": 2, "b": 3}},
		{"value": "report the total", "abstraction_score": 0.1}
	]
}}`

const twoSumPlan = `{"root_goal": {
	"value": "add twice",
	"abstraction_score": 0.9,
	"children": [
		{"value": "add 2 and 3", "abstraction_score": 0.1, "mcp_tool": "sum", "tool_args": {"a": 2, "b": 3}},
		{"value": "add 4 and 5", "abstraction_score": 0.1, "mcp_tool": "sum", "tool_args": {"a": 4, "b": 5}}
	]
}}`

func addNumbers(ctx context.Context, args map[string]any) (any, error) {
	a, _ := args["a"].(float64)
	b, _ := args["b"].(float64)
	return fmt.Sprintf("%g", a+b), nil
}

func newSumRegistry(t *testing.T, handler capability.Handler) *capability.Registry {
	t.Helper()
	provider, err := capability.NewLocalProvider("local", capability.LocalTool{
		Name:        "sum",
		Description: "Add two numbers",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`),
		Handler:     handler,
	})
	require.NoError(t, err)

	registry := capability.NewRegistry([]capability.Provider{provider}, nil, zerolog.Nop())
	_, err = registry.Discover(context.Background())
	require.NoError(t, err)
	return registry
}

type testSetup struct {
	port          generation.Port
	registry      *capability.Registry
	plannerCfg    planner.Config
	executorCfg   stepexecutor.Config
	controllerCfg Config
}

func newTestController(t *testing.T, port generation.Port, registry *capability.Registry, mutate ...func(*testSetup)) (*Controller, *tracestore.MemoryStore) {
	t.Helper()
	store := tracestore.NewMemoryStore(nil)

	setup := &testSetup{
		port:        port,
		registry:    registry,
		plannerCfg:  planner.Config{Port: port, Logger: zerolog.Nop()},
		executorCfg: stepexecutor.Config{Store: store, Port: port, Logger: zerolog.Nop()},
		controllerCfg: Config{
			Capabilities: registry,
			Store:        store,
			Port:         port,
			Logger:       zerolog.Nop(),
		},
	}
	for _, fn := range mutate {
		fn(setup)
	}

	p, err := planner.New(setup.plannerCfg)
	require.NoError(t, err)
	exec, err := stepexecutor.New(setup.executorCfg)
	require.NoError(t, err)

	cfg := setup.controllerCfg
	cfg.Planner = p
	cfg.Executor = exec
	c, err := New(cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c, store
}

func waitResult(t *testing.T, c *Controller, id string) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := c.Wait(ctx, id)
	require.NoError(t, err)
	require.False(t, res.Pending)
	return res
}

func phases(records []tracestore.StepRecord) []tracestore.Phase {
	out := make([]tracestore.Phase, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Phase)
	}
	return out
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	script := generation.NewScript("test")
	c, _ := newTestController(t, script, newSumRegistry(t, addNumbers))
	assert.Equal(t, DefaultMaxIterations, c.budget.MaxIterations)
	assert.Equal(t, DefaultMaxDuration, c.budget.MaxDuration)
}

func TestStartSessionRejectsEmptyGoal(t *testing.T) {
	c, _ := newTestController(t, generation.NewScript("test"), newSumRegistry(t, addNumbers))

	_, err := c.StartSession(context.Background(), "   ", Budget{})
	assert.ErrorIs(t, err, ErrEmptyGoal)
	assert.Empty(t, c.Sessions())
}

func TestSessionCompletes(t *testing.T) {
	script := generation.NewScript("test", generation.Step{PromptID: prompts.GoalDecomposition, Text: sumPlan})
	c, store := newTestController(t, script, newSumRegistry(t, addNumbers))

	id, err := c.StartSession(context.Background(), "add 2 and 3", Budget{})
	require.NoError(t, err)

	res := waitResult(t, c, id)
	assert.Equal(t, StateCompleted, res.Status)
	assert.Equal(t, "5", res.Output)
	assert.Equal(t, 1, res.Iterations)
	assert.Empty(t, res.Reason)

	records, err := store.Records(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []tracestore.Phase{tracestore.PhasePlan, tracestore.PhaseAct, tracestore.PhaseObserve}, phases(records))
	for i, rec := range records {
		assert.Equal(t, int64(i+1), rec.Seq)
	}

	snaps, err := store.Snapshots(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(1), snaps[0].Seq)

	archived, err := store.Session(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, string(StateCompleted), archived.Status)
	assert.Equal(t, "5", archived.Result)

	tree, err := c.Plan(id)
	require.NoError(t, err)
	assert.Equal(t, planner.StatusDone, tree.Root().Status)
}

func TestSessionFailureReasons(t *testing.T) {
	boom := errors.New("connection reset")

	tests := []struct {
		name       string
		port       func(t *testing.T) generation.Port
		registry   func(t *testing.T) *capability.Registry
		wantReason string
		wantPhases []tracestore.Phase
	}{
		{
			name: "capability unavailable",
			port: func(t *testing.T) generation.Port {
				return generation.NewScript("test", generation.Step{Text: sumPlan})
			},
			registry: func(t *testing.T) *capability.Registry {
				registry := capability.NewRegistry(nil, nil, zerolog.Nop())
				_, err := registry.Discover(context.Background())
				require.NoError(t, err)
				return registry
			},
			wantReason: ReasonCapabilityUnavailable,
			wantPhases: []tracestore.Phase{tracestore.PhasePlan},
		},
		{
			name: "generation exhausted",
			port: func(t *testing.T) generation.Port {
				queue := commandqueue.New(zerolog.Nop())
				t.Cleanup(func() { queue.Close() })
				script := generation.NewScript("flaky", generation.Step{Err: boom}, generation.Step{Err: boom}, generation.Step{Err: boom})
				pool, err := generation.NewPool(script, queue, generation.PoolConfig{
					MaxAttempts:    3,
					InitialBackoff: time.Millisecond,
					MaxBackoff:     2 * time.Millisecond,
					Logger:         zerolog.Nop(),
				})
				require.NoError(t, err)
				return pool
			},
			registry:   func(t *testing.T) *capability.Registry { return newSumRegistry(t, addNumbers) },
			wantReason: ReasonGenerationExhausted,
			wantPhases: []tracestore.Phase{tracestore.PhasePlan},
		},
		{
			name: "malformed decomposition",
			port: func(t *testing.T) generation.Port {
				return generation.NewScript("test", generation.Step{Text: "I cannot help with that."})
			},
			registry:   func(t *testing.T) *capability.Registry { return newSumRegistry(t, addNumbers) },
			wantReason: ReasonPlanningFailed,
			wantPhases: []tracestore.Phase{tracestore.PhasePlan},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, store := newTestController(t, tt.port(t), tt.registry(t))

			id, err := c.StartSession(context.Background(), "add 2 and 3", Budget{})
			require.NoError(t, err)

			res := waitResult(t, c, id)
			assert.Equal(t, StateFailed, res.Status)
			assert.Equal(t, tt.wantReason, res.Reason)
			assert.NotEmpty(t, res.Error)

			records, err := store.Records(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPhases, phases(records))
			assert.Equal(t, tracestore.OutcomeError, records[len(records)-1].Outcome)
		})
	}
}

func TestCancelDuringActing(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var callErr atomic.Value
	var finished atomic.Bool

	registry := newSumRegistry(t, func(ctx context.Context, args map[string]any) (any, error) {
		close(started)
		<-release
		callErr.Store(fmt.Sprint(ctx.Err()))
		finished.Store(true)
		return addNumbers(ctx, args)
	})
	script := generation.NewScript("test", generation.Step{Text: twoSumPlan})
	c, store := newTestController(t, script, registry)

	id, err := c.StartSession(context.Background(), "add twice", Budget{})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("capability was not called")
	}
	sess, err := c.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StateActing, sess.State)

	require.NoError(t, c.Cancel(id))
	close(release)

	res := waitResult(t, c, id)
	assert.Equal(t, StateFailed, res.Status)
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.True(t, finished.Load())
	assert.Equal(t, "<nil>", callErr.Load())

	records, err := store.Records(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []tracestore.Phase{tracestore.PhasePlan, tracestore.PhaseAct}, phases(records))
	assert.Equal(t, tracestore.OutcomeOK, records[1].Outcome)
	assert.Zero(t, script.Remaining())

	// Cancelling a finished session changes nothing.
	require.NoError(t, c.Cancel(id))
	res2, err := c.Result(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ReasonCancelled, res2.Reason)
}

func TestBudgets(t *testing.T) {
	t.Run("iterations", func(t *testing.T) {
		script := generation.NewScript("test", generation.Step{Text: twoSumPlan})
		c, store := newTestController(t, script, newSumRegistry(t, addNumbers))

		id, err := c.StartSession(context.Background(), "add twice", Budget{MaxIterations: 1})
		require.NoError(t, err)

		res := waitResult(t, c, id)
		assert.Equal(t, StateFailed, res.Status)
		assert.Equal(t, ReasonBudgetExceeded, res.Reason)
		assert.Contains(t, res.Error, "iterations budget exceeded")
		assert.Equal(t, 2, res.Iterations)

		records, err := store.Records(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, []tracestore.Phase{tracestore.PhasePlan, tracestore.PhaseAct, tracestore.PhaseObserve}, phases(records))
	})

	t.Run("duration", func(t *testing.T) {
		registry := newSumRegistry(t, func(ctx context.Context, args map[string]any) (any, error) {
			time.Sleep(200 * time.Millisecond)
			return addNumbers(ctx, args)
		})
		script := generation.NewScript("test", generation.Step{Text: twoSumPlan})
		c, _ := newTestController(t, script, registry)

		id, err := c.StartSession(context.Background(), "add twice", Budget{MaxDuration: 50 * time.Millisecond})
		require.NoError(t, err)

		res := waitResult(t, c, id)
		assert.Equal(t, StateFailed, res.Status)
		assert.Equal(t, ReasonBudgetExceeded, res.Reason)
		assert.Contains(t, res.Error, "duration budget exceeded")
	})
}

func TestCapabilityTimeoutEndsWithoutReplans(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	registry := newSumRegistry(t, func(ctx context.Context, args map[string]any) (any, error) {
		<-release
		return addNumbers(ctx, args)
	})
	script := generation.NewScript("test", generation.Step{Text: sumPlan})
	c, store := newTestController(t, script, registry, func(s *testSetup) {
		s.plannerCfg.MaxReplans = -1
		s.executorCfg.CapabilityTimeout = 50 * time.Millisecond
	})

	id, err := c.StartSession(context.Background(), "add 2 and 3", Budget{})
	require.NoError(t, err)

	res := waitResult(t, c, id)
	assert.Equal(t, StateFailed, res.Status)
	assert.Equal(t, ReasonGoalUnreachable, res.Reason)

	records, err := store.Records(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, tracestore.PhaseAct, records[1].Phase)
	assert.Equal(t, string(capability.KindTimeout), records[1].ErrorKind)
	assert.Equal(t, tracestore.PhasePlan, records[3].Phase)
}

func TestEventsOnePerTransition(t *testing.T) {
	script := generation.NewScript("test", generation.Step{Text: sumPlan})
	c, _ := newTestController(t, script, newSumRegistry(t, addNumbers))

	id, err := c.StartSession(context.Background(), "add 2 and 3", Budget{})
	require.NoError(t, err)
	sub, err := c.Events(id)
	require.NoError(t, err)
	defer sub.Close()

	var got []events.Event
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				done = true
				break
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("event stream did not close")
		}
	}

	wantTypes := []events.Type{
		events.SessionStarted,
		events.PlanningStarted,
		events.StepStarted,
		events.ToolExecutionFinished,
		events.SessionCompleted,
	}
	wantPhases := []string{"CREATED", "PLANNING", "ACTING", "OBSERVING", "COMPLETED"}
	require.Len(t, got, len(wantTypes))
	for i, ev := range got {
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.Equal(t, wantTypes[i], ev.Type)
		assert.Equal(t, wantPhases[i], ev.Phase)
		assert.Equal(t, id, ev.SessionID)
	}
	assert.Equal(t, "n2", got[2].NodeID)
	assert.Equal(t, "5", got[4].Payload["result"])
}

func TestReplayReproducesPlan(t *testing.T) {
	script := generation.NewScript("test",
		generation.Step{PromptID: prompts.GoalDecomposition, Text: sumAndReportPlan},
		generation.Step{PromptID: prompts.StepExecution, Text: "The total is 5."},
	)
	registry := newSumRegistry(t, addNumbers)
	c, store := newTestController(t, script, registry)

	id, err := c.StartSession(context.Background(), "add 2 and 3 and report", Budget{})
	require.NoError(t, err)
	res := waitResult(t, c, id)
	require.Equal(t, StateCompleted, res.Status)
	assert.Equal(t, "- add 2 and 3: 5\n- report the total: The total is 5.", res.Output)

	records, err := store.Records(context.Background(), id)
	require.NoError(t, err)

	rebuilt, err := planner.Rebuild(context.Background(), planner.Config{Logger: zerolog.Nop()}, res.Goal, registry.Snapshot(), records)
	require.NoError(t, err)

	live, err := c.Plan(id)
	require.NoError(t, err)
	assert.Equal(t, live, rebuilt)
}

func TestStepSummaryAndSynthesis(t *testing.T) {
	script := generation.NewScript("test",
		generation.Step{PromptID: prompts.GoalDecomposition, Text: sumPlan},
		generation.Step{PromptID: prompts.StepSummary, Text: `{"summary": "The sum is 5.", "facts_generated": ["sum is 5"], "ready_to_proceed": true, "extracted_results": [{"name": "total", "value": 5}]}`},
		generation.Step{PromptID: prompts.FinalAnswer, Text: "2 + 3 = 5"},
	)
	c, _ := newTestController(t, script, newSumRegistry(t, addNumbers), func(s *testSetup) {
		s.controllerCfg.SummarizeSteps = true
		s.controllerCfg.SynthesizeAnswer = true
	})

	id, err := c.StartSession(context.Background(), "add 2 and 3", Budget{})
	require.NoError(t, err)

	res := waitResult(t, c, id)
	assert.Equal(t, StateCompleted, res.Status)
	assert.Equal(t, "2 + 3 = 5", res.Output)

	tree, err := c.Plan(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"sum is 5", "total: 5"}, tree.Facts)
}

func TestStepSummaryNotReadyTriggersReplan(t *testing.T) {
	script := generation.NewScript("test",
		generation.Step{PromptID: prompts.GoalDecomposition, Text: sumPlan},
		generation.Step{PromptID: prompts.StepSummary, Text: `{"summary": "The sum is not what the goal needs.", "ready_to_proceed": false}`},
	)
	c, store := newTestController(t, script, newSumRegistry(t, addNumbers), func(s *testSetup) {
		s.plannerCfg.MaxReplans = -1
		s.controllerCfg.SummarizeSteps = true
	})

	id, err := c.StartSession(context.Background(), "add 2 and 3", Budget{})
	require.NoError(t, err)

	res := waitResult(t, c, id)
	assert.Equal(t, StateFailed, res.Status)
	assert.Equal(t, ReasonGoalUnreachable, res.Reason)

	records, err := store.Records(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, tracestore.OutcomeError, records[2].Outcome)
	assert.Equal(t, KindNotReady, records[2].ErrorKind)
}

func TestResultFallsBackToStore(t *testing.T) {
	script := generation.NewScript("test", generation.Step{Text: sumPlan})
	c, _ := newTestController(t, script, newSumRegistry(t, addNumbers))

	id, err := c.StartSession(context.Background(), "add 2 and 3", Budget{})
	require.NoError(t, err)
	waitResult(t, c, id)

	assert.Equal(t, 1, c.Evict(0))
	_, err = c.Get(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	res, err := c.Result(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.Status)
	assert.Equal(t, "5", res.Output)

	_, err = c.Result(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, c.Cancel("missing"), ErrSessionNotFound)
}

func TestResultCarriesTraceAndPlan(t *testing.T) {
	script := generation.NewScript("test", generation.Step{Text: sumPlan})
	c, store := newTestController(t, script, newSumRegistry(t, addNumbers))

	id, err := c.StartSession(context.Background(), "add 2 and 3", Budget{})
	require.NoError(t, err)
	waitResult(t, c, id)

	records, err := store.Records(context.Background(), id)
	require.NoError(t, err)

	live, err := c.Result(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, live.Status)
	assert.Equal(t, records, live.Trace)
	assert.Equal(t, []tracestore.Phase{tracestore.PhasePlan, tracestore.PhaseAct, tracestore.PhaseObserve}, phases(live.Trace))
	require.NotNil(t, live.Plan)
	assert.Equal(t, planner.StatusDone, live.Plan.Root().Status)

	snap, err := store.LatestSnapshot(context.Background(), id)
	require.NoError(t, err)

	require.Equal(t, 1, c.Evict(0))
	archived, err := c.Result(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, archived.Status)
	assert.Equal(t, "5", archived.Output)
	assert.Equal(t, records, archived.Trace)
	require.NotNil(t, archived.Plan)
	stored, err := json.Marshal(archived.Plan)
	require.NoError(t, err)
	assert.JSONEq(t, string(snap.Tree), string(stored))
}

func TestSkippedLastStepFailsUnreachable(t *testing.T) {
	const plan = `{"root_goal": {
		"value": "add twice",
		"abstraction_score": 0.9,
		"children": [
			{"value": "add 2 and 3", "abstraction_score": 0.1, "mcp_tool": "sum", "tool_args": {"a": 2, "b": 3}},
			{"value": "add the result to 10", "abstraction_score": 0.1, "mcp_tool": "sum"}
		]
	}}`
	script := generation.NewScript("test",
		generation.Step{PromptID: prompts.GoalDecomposition, Text: plan},
		generation.Step{PromptID: prompts.ToolParameters, Text: `{"terminate": true, "reason": "nothing left to add"}`},
	)
	c, store := newTestController(t, script, newSumRegistry(t, addNumbers))

	id, err := c.StartSession(context.Background(), "add 2 and 3, then 10", Budget{})
	require.NoError(t, err)
	sub, err := c.Events(id)
	require.NoError(t, err)
	defer sub.Close()

	var phasesSeen []string
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				done = true
				break
			}
			phasesSeen = append(phasesSeen, ev.Phase)
		case <-timeout:
			t.Fatal("event stream did not close")
		}
	}
	assert.Equal(t, []string{"CREATED", "PLANNING", "ACTING", "OBSERVING", "PLANNING", "FAILED"}, phasesSeen)

	res := waitResult(t, c, id)
	assert.Equal(t, StateFailed, res.Status)
	assert.Equal(t, ReasonGoalUnreachable, res.Reason)
	assert.Equal(t, 2, res.Iterations)

	records, err := store.Records(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []tracestore.Phase{tracestore.PhasePlan, tracestore.PhaseAct, tracestore.PhaseObserve, tracestore.PhasePlan}, phases(records))

	tree, err := c.Plan(id)
	require.NoError(t, err)
	assert.Equal(t, planner.StatusSkipped, tree.Nodes["n3"].Status)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", preview("short"))

	long := strings.Repeat("a", 199) + "é" + strings.Repeat("b", 50)
	got := preview(long)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", 199)+"...", got)

	exact := strings.Repeat("x", 200)
	assert.Equal(t, exact, preview(exact))
}

func TestShutdownRejectsNewSessions(t *testing.T) {
	c, _ := newTestController(t, generation.NewScript("test"), newSumRegistry(t, addNumbers))

	require.NoError(t, c.Shutdown(context.Background()))
	_, err := c.StartSession(context.Background(), "add 2 and 3", Budget{})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"budget", iterationsExceeded(3, 4), ReasonBudgetExceeded},
		{"cancelled", ErrCancelled, ReasonCancelled},
		{"context cancelled", fmt.Errorf("plan: %w", context.Canceled), ReasonCancelled},
		{"exhausted", fmt.Errorf("decompose: %w", generation.ErrExhausted), ReasonGenerationExhausted},
		{"unavailable", fmt.Errorf("call: %w", capability.ErrUnavailable), ReasonCapabilityUnavailable},
		{"record", fmt.Errorf("%w: disk full", stepexecutor.ErrRecordFailed), ReasonTraceStore},
		{"unreachable", errGoalUnreachable, ReasonGoalUnreachable},
		{"planner", &planner.Error{Reason: planner.ReasonCapabilityUnavailable}, ReasonCapabilityUnavailable},
		{"other", errors.New("boom"), ReasonPlanningFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, failureReason(tt.err))
		})
	}
}

func TestRenderResults(t *testing.T) {
	tree := planner.NewTree()
	root, err := tree.Add("", planner.Node{Description: "goal"})
	require.NoError(t, err)
	_, err = tree.Add(root.ID, planner.Node{Description: "first", Status: planner.StatusDone, Output: "1"})
	require.NoError(t, err)
	_, err = tree.Add(root.ID, planner.Node{Description: "skipped", Status: planner.StatusSkipped, Output: "not needed"})
	require.NoError(t, err)

	assert.Equal(t, "1", renderResults(tree))

	_, err = tree.Add(root.ID, planner.Node{Description: "second", Status: planner.StatusDone, Output: " 2 "})
	require.NoError(t, err)
	assert.Equal(t, "- first: 1\n- second: 2", renderResults(tree))
	assert.Empty(t, renderResults(nil))
}
