package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrScriptExhausted is returned once every scripted step was consumed.
	ErrScriptExhausted = errors.New("script exhausted")
	// ErrScriptMismatch is returned when a request's prompt ID differs from
	// the next scripted step.
	ErrScriptMismatch = errors.New("script prompt mismatch")
)

// Step is one scripted outcome. An empty PromptID matches any request.
type Step struct {
	PromptID string
	Text     string
	Err      error
}

// Script is a deterministic Provider that answers requests from a fixed
// list of steps, in order. It replays recorded sessions and drives tests.
type Script struct {
	name string

	mu       sync.Mutex
	steps    []Step
	pos      int
	requests []Request
}

// NewScript returns a provider that plays steps in order.
func NewScript(name string, steps ...Step) *Script {
	if name == "" {
		name = "script"
	}
	return &Script{name: name, steps: steps}
}

func (s *Script) Name() string { return s.name }

// Add appends steps.
func (s *Script) Add(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

// Requests returns every request received so far.
func (s *Script) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Remaining returns the number of unconsumed steps.
func (s *Script) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps) - s.pos
}

func (s *Script) next(req Request) (Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	if s.pos >= len(s.steps) {
		return Step{}, Permanent(fmt.Errorf("%w: %s", ErrScriptExhausted, req.PromptID))
	}
	step := s.steps[s.pos]
	if step.PromptID != "" && step.PromptID != req.PromptID {
		return Step{}, Permanent(fmt.Errorf("%w: want %s, got %s", ErrScriptMismatch, step.PromptID, req.PromptID))
	}
	s.pos++
	return step, nil
}

func (s *Script) Generate(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	step, err := s.next(req)
	if err != nil {
		return Response{}, err
	}
	if step.Err != nil {
		return Response{}, step.Err
	}
	return Response{Text: step.Text, Provider: s.name, Model: "script"}, nil
}

// Stream yields the scripted text split on spaces.
func (s *Script) Stream(ctx context.Context, req Request) (Stream, error) {
	resp, err := s.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	words := strings.SplitAfter(resp.Text, " ")
	return NewSliceStream(nil, words...), nil
}

var _ Provider = (*Script)(nil)
