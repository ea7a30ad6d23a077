// Package generation is the language-model port used by the planner and the
// step executor. A Pool wraps a Provider with a bounded lane of concurrent
// calls, a per-attempt timeout and exponential-backoff retries.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// ErrExhausted is matched (via errors.Is) by a *Error whose retryable
// attempts were all used up.
var ErrExhausted = errors.New("generation attempts exhausted")

// Request is one prompt sent to a model.
type Request struct {
	PromptID    string  `json:"prompt_id"`
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	JSONMode    bool    `json:"json_mode,omitempty"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Response is a completed generation.
type Response struct {
	Text         string `json:"text"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// Stream is a finite pull iterator over text deltas. It has a single
// consumer and cannot be restarted; Close must be called.
type Stream interface {
	Next() bool
	Current() string
	Err() error
	Close() error
}

// Port is what callers of the model depend on.
type Port interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Provider is a concrete model backend.
type Provider interface {
	Port
	Name() string
}

// Error is returned by the Pool when a generation could not be produced.
type Error struct {
	Provider  string
	PromptID  string
	Attempts  int
	Exhausted bool
	Err       error
}

func (e *Error) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("generation %s via %s failed after %d attempts: %v", e.PromptID, e.Provider, e.Attempts, e.Err)
	}
	return fmt.Sprintf("generation %s via %s failed: %v", e.PromptID, e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == ErrExhausted && e.Exhausted
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether a provider error may succeed on another
// attempt. Client errors from the SDKs are final except 408, 409 and 429;
// unknown failures are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}

	var oaiErr *openai.Error
	if errors.As(err, &oaiErr) {
		return retryableStatus(oaiErr.StatusCode)
	}
	var antErr *anthropic.Error
	if errors.As(err, &antErr) {
		return retryableStatus(antErr.StatusCode)
	}

	return true
}

func retryableStatus(code int) bool {
	switch {
	case code == 408, code == 409, code == 429:
		return true
	case code >= 500:
		return true
	case code >= 400:
		return false
	}
	return true
}

// Collect drains s into a single string and closes it.
func Collect(s Stream) (string, error) {
	defer s.Close()

	var b strings.Builder
	for s.Next() {
		b.WriteString(s.Current())
	}
	if err := s.Err(); err != nil {
		return b.String(), err
	}
	return b.String(), nil
}

type sliceStream struct {
	chunks []string
	pos    int
	err    error
	closed bool
}

// NewSliceStream returns a Stream that yields chunks then err.
func NewSliceStream(err error, chunks ...string) Stream {
	return &sliceStream{chunks: chunks, pos: -1, err: err}
}

func (s *sliceStream) Next() bool {
	if s.closed || s.pos+1 >= len(s.chunks) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceStream) Current() string {
	if s.pos < 0 || s.pos >= len(s.chunks) {
		return ""
	}
	return s.chunks[s.pos]
}

func (s *sliceStream) Err() error {
	if s.closed || s.pos+1 < len(s.chunks) {
		return nil
	}
	return s.err
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}
