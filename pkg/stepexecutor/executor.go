// Package stepexecutor runs one plan step and records it.
//
// Capability steps are validated against the snapshot and invoked under a
// timeout on a context detached from the session, so a cancelled session
// lets the in-flight call finish. Generative steps go through the
// generation port. Every Execute call appends exactly one act record.
package stepexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/hiplan/internal/observability"
	"github.com/harun/hiplan/internal/tracing"
	"github.com/harun/hiplan/pkg/capability"
	"github.com/harun/hiplan/pkg/generation"
	"github.com/harun/hiplan/pkg/planner"
	"github.com/harun/hiplan/pkg/prompts"
	"github.com/harun/hiplan/pkg/tracestore"
)

const tracerName = "hiplan.stepexecutor"

const (
	DefaultCapabilityTimeout = 30 * time.Second
	DefaultMaxOutputBytes    = 16 * 1024
)

// Error kinds recorded for generative steps.
const (
	KindGenerationFailed    = "generation_failed"
	KindGenerationExhausted = "generation_exhausted"
	KindCancelled           = "cancelled"
)

// ErrRecordFailed wraps failures to append the act record.
var ErrRecordFailed = errors.New("failed to record step")

// Config configures an Executor.
type Config struct {
	Store             tracestore.Store
	Port              generation.Port
	Prompts           *prompts.Registry
	PromptVersion     string
	CapabilityTimeout time.Duration
	Stream            bool
	MaxOutputBytes    int
	Logger            zerolog.Logger
}

// Request describes the step to run.
type Request struct {
	SessionID   string
	Goal        string
	Node        planner.Node
	Snapshot    *capability.Snapshot
	Iteration   int
	ContextNote string

	// OnChunk receives streamed text of generative steps.
	OnChunk func(chunk string)
}

// Input is the input payload of an act record.
type Input struct {
	Iteration   int            `json:"iteration"`
	Description string         `json:"description"`
	Capability  string         `json:"capability,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
	Generative  bool           `json:"generative,omitempty"`
}

// Output is the output payload of an act record.
type Output struct {
	Text       string                       `json:"text"`
	Truncated  bool                         `json:"truncated,omitempty"`
	Invocation *capability.InvocationResult `json:"invocation,omitempty"`
	Provider   string                       `json:"provider,omitempty"`
	Model      string                       `json:"model,omitempty"`
}

// Executor runs plan steps.
type Executor struct {
	store          tracestore.Store
	port           generation.Port
	prompts        *prompts.Registry
	promptVersion  string
	timeout        time.Duration
	stream         bool
	maxOutputBytes int
	logger         zerolog.Logger
}

// New creates an executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Store == nil {
		return nil, errors.New("trace store is required")
	}
	if cfg.Port == nil {
		return nil, errors.New("generation port is required")
	}
	if cfg.Prompts == nil {
		cfg.Prompts = prompts.DefaultRegistry()
	}
	if cfg.CapabilityTimeout <= 0 {
		cfg.CapabilityTimeout = DefaultCapabilityTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}

	return &Executor{
		store:          cfg.Store,
		port:           cfg.Port,
		prompts:        cfg.Prompts,
		promptVersion:  cfg.PromptVersion,
		timeout:        cfg.CapabilityTimeout,
		stream:         cfg.Stream,
		maxOutputBytes: cfg.MaxOutputBytes,
		logger:         cfg.Logger,
	}, nil
}

// outcome is what a step produced before it is recorded.
type outcome struct {
	out       Output
	errorKind string
	err       string
	fatal     error
}

// Execute runs req.Node and appends its act record. Step failures are part
// of the record; the returned error is non-nil only when the session cannot
// continue: a required capability is unreachable, generation retries are
// exhausted, the context was cancelled during generation, or the record
// could not be stored.
func (e *Executor) Execute(ctx context.Context, req Request) (tracestore.StepRecord, error) {
	ctx = tracing.WithNodeID(ctx, req.Node.ID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "stepexecutor.execute",
		attribute.String("node_id", req.Node.ID),
		attribute.String("capability", req.Node.Capability),
	)
	logger := tracing.LoggerFromContext(ctx, e.logger)

	start := time.Now()
	var o outcome
	if req.Node.Capability != "" {
		o = e.invoke(ctx, req, logger)
		auditInvocation(ctx, req, o, time.Since(start))
	} else {
		o = e.generate(ctx, req)
	}
	o.out.Text, o.out.Truncated = truncate(o.out.Text, e.maxOutputBytes)

	input, err := json.Marshal(Input{
		Iteration:   req.Iteration,
		Description: req.Node.Description,
		Capability:  req.Node.Capability,
		Args:        req.Node.Args,
		Generative:  req.Node.Capability == "",
	})
	if err != nil {
		tracing.EndSpan(span, err)
		return tracestore.StepRecord{}, fmt.Errorf("failed to encode step input: %w", err)
	}
	output, err := json.Marshal(o.out)
	if err != nil {
		tracing.EndSpan(span, err)
		return tracestore.StepRecord{}, fmt.Errorf("failed to encode step output: %w", err)
	}

	rec := tracestore.StepRecord{
		SessionID: req.SessionID,
		NodeID:    req.Node.ID,
		Phase:     tracestore.PhaseAct,
		Input:     input,
		Output:    output,
		Outcome:   tracestore.OutcomeOK,
		ErrorKind: o.errorKind,
		Error:     o.err,
		Timestamp: start,
		Duration:  time.Since(start),
	}
	if o.err != "" {
		rec.Outcome = tracestore.OutcomeError
	}

	// The record is stored even when the session was cancelled meanwhile.
	stored, err := e.store.Append(tracing.Detach(ctx), rec)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrRecordFailed, err)
		tracing.EndSpan(span, err)
		return rec, err
	}

	logger.Debug().
		Int64("seq", stored.Seq).
		Str("outcome", string(stored.Outcome)).
		Str("error_kind", stored.ErrorKind).
		Dur("duration", stored.Duration).
		Msg("Step executed")

	tracing.EndSpan(span, o.fatal)
	return stored, o.fatal
}

type invocation struct {
	res capability.InvocationResult
	err error
}

func (e *Executor) invoke(ctx context.Context, req Request, logger zerolog.Logger) outcome {
	name := req.Node.Capability
	snapshot := req.Snapshot
	if snapshot == nil {
		snapshot = capability.EmptySnapshot()
	}

	if err := snapshot.Validate(name, req.Node.Args); err != nil {
		res := capability.InvocationResult{Capability: name, Arguments: req.Node.Args}
		var capErr *capability.Error
		if errors.As(err, &capErr) {
			res.ErrorKind = capErr.Kind
		} else {
			res.ErrorKind = capability.KindInvalidArguments
		}
		res.Error = err.Error()
		return failedInvocation(res)
	}

	callCtx, cancel := context.WithTimeout(tracing.Detach(ctx), e.timeout)
	done := make(chan invocation, 1)
	go func() {
		defer cancel()
		res, err := snapshot.Invoke(callCtx, name, req.Node.Args)
		done <- invocation{res: res, err: err}
	}()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			o := failedInvocation(r.res)
			o.fatal = r.err
			return o
		}
		if !r.res.Success {
			return failedInvocation(r.res)
		}
		text := r.res.OutputText()
		return outcome{out: Output{Text: text, Invocation: &r.res}}

	case <-timer.C:
		logger.Warn().
			Str("capability", name).
			Dur("timeout", e.timeout).
			Msg("Capability call timed out, leaving it to finish in the background")
		res := capability.InvocationResult{
			Capability: name,
			Arguments:  req.Node.Args,
			Error:      fmt.Sprintf("capability %s: timeout: no result after %s", name, e.timeout),
			ErrorKind:  capability.KindTimeout,
			Latency:    e.timeout,
		}
		return failedInvocation(res)
	}
}

func auditInvocation(ctx context.Context, req Request, o outcome, elapsed time.Duration) {
	status := "success"
	metadata := map[string]interface{}{
		"node_id":     req.Node.ID,
		"duration_ms": elapsed.Milliseconds(),
	}
	if o.err != "" {
		status = "failure"
		metadata["error_kind"] = o.errorKind
	}
	observability.RecordCapabilityAudit(ctx, req.Node.Capability, req.SessionID, status, metadata)
}

func failedInvocation(res capability.InvocationResult) outcome {
	return outcome{
		out:       Output{Text: res.Error, Invocation: &res},
		errorKind: string(res.ErrorKind),
		err:       res.Error,
	}
}

func (e *Executor) generate(ctx context.Context, req Request) outcome {
	spec, err := e.prompts.Get(prompts.StepExecution, e.promptVersion)
	if err != nil {
		return outcome{errorKind: KindGenerationFailed, err: err.Error()}
	}
	note := req.ContextNote
	if note == "" {
		note = "None yet."
	}
	system, user := spec.Messages(map[string]any{
		"goal":         req.Goal,
		"step":         req.Node.Description,
		"context_note": note,
	}, req.Node.Description)

	genReq := generation.Request{
		PromptID: prompts.StepExecution,
		System:   system,
		Prompt:   user,
		JSONMode: spec.JSONMode,
	}

	var (
		text string
		resp generation.Response
	)
	if e.stream {
		text, err = e.streamText(ctx, genReq, req.OnChunk)
	} else {
		resp, err = e.port.Generate(ctx, genReq)
		text = resp.Text
	}

	switch {
	case err == nil:
		return outcome{out: Output{Text: strings.TrimSpace(text), Provider: resp.Provider, Model: resp.Model}}
	case ctx.Err() != nil:
		return outcome{errorKind: KindCancelled, err: err.Error(), fatal: ctx.Err()}
	case errors.Is(err, generation.ErrExhausted):
		return outcome{errorKind: KindGenerationExhausted, err: err.Error(), fatal: err}
	default:
		return outcome{out: Output{Text: err.Error()}, errorKind: KindGenerationFailed, err: err.Error()}
	}
}

func (e *Executor) streamText(ctx context.Context, req generation.Request, onChunk func(string)) (string, error) {
	stream, err := e.port.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var b strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		b.WriteString(chunk)
		if onChunk != nil {
			onChunk(chunk)
		}
	}
	if err := stream.Err(); err != nil {
		return b.String(), err
	}
	return b.String(), nil
}

// truncate cuts s to at most max bytes on a rune boundary.
func truncate(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "... (truncated)", true
}

// Observe turns an act record into the observation handed to the planner.
func Observe(rec tracestore.StepRecord) planner.Observation {
	obs := planner.Observation{
		NodeID:    rec.NodeID,
		Success:   rec.Outcome == tracestore.OutcomeOK,
		ErrorKind: rec.ErrorKind,
		Error:     rec.Error,
	}
	var out Output
	if err := json.Unmarshal(rec.Output, &out); err == nil {
		obs.Output = out.Text
	}
	return obs
}
