package generation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/harun/hiplan/internal/observability"
	"github.com/harun/hiplan/internal/tracing"
	"github.com/harun/hiplan/pkg/commandqueue"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Lane is the command queue lane shared by all generation calls.
const Lane = "generation"

// PoolConfig tunes concurrency and retries.
type PoolConfig struct {
	MaxConcurrent  int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	Logger         zerolog.Logger
}

// Pool serialises calls to a Provider through a command queue lane and
// retries transient failures.
type Pool struct {
	provider Provider
	queue    *commandqueue.CommandQueue
	cfg      PoolConfig
	logger   zerolog.Logger
}

// NewPool creates a pool. The lane's concurrency is set to cfg.MaxConcurrent.
func NewPool(provider Provider, queue *commandqueue.CommandQueue, cfg PoolConfig) (*Pool, error) {
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	if queue == nil {
		return nil, errors.New("command queue is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 8 * time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 60 * time.Second
	}

	queue.SetConcurrency(Lane, cfg.MaxConcurrent)

	return &Pool{
		provider: provider,
		queue:    queue,
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "generation").Str("provider", provider.Name()).Logger(),
	}, nil
}

// Provider returns the wrapped provider's name.
func (p *Pool) Provider() string { return p.provider.Name() }

func (p *Pool) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialBackoff
	b.MaxInterval = p.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(backoff.WithContext(b, ctx), uint64(p.cfg.MaxAttempts-1))
}

// retry runs op under the pool's backoff policy and converts the outcome
// into a *Error.
func (p *Pool) retry(ctx context.Context, req Request, op func(attempt int) error) error {
	logger := tracing.LoggerFromContext(ctx, p.logger)

	attempts := 0
	permanent := false
	wrapped := func() error {
		attempts++
		err := op(attempts)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, commandqueue.ErrClosed) || !IsRetryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		observability.RecordGenerationRetry(p.provider.Name())
		logger.Warn().Err(err).Str("prompt_id", req.PromptID).Int("attempt", attempts).Dur("retry_in", wait).Msg("Generation attempt failed, retrying")
	}

	err := backoff.RetryNotify(wrapped, p.newBackOff(ctx), notify)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	genErr := &Error{
		Provider:  p.provider.Name(),
		PromptID:  req.PromptID,
		Attempts:  attempts,
		Exhausted: !permanent,
		Err:       err,
	}
	logger.Error().Err(err).Str("prompt_id", req.PromptID).Int("attempts", attempts).Bool("exhausted", genErr.Exhausted).Msg("Generation failed")
	return genErr
}

// Generate produces a full response. Cancellation of ctx returns ctx.Err()
// unwrapped; any other failure is a *Error.
func (p *Pool) Generate(ctx context.Context, req Request) (Response, error) {
	var resp Response
	err := p.retry(ctx, req, func(attempt int) error {
		value, err := p.queue.Enqueue(ctx, Lane, func(taskCtx context.Context) (interface{}, error) {
			return p.attempt(taskCtx, req, attempt)
		})
		if err != nil {
			return err
		}
		resp = value.(Response)
		return nil
	})
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (p *Pool) attempt(ctx context.Context, req Request, attempt int) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "hiplan.generation", "generation.attempt",
		attribute.String("provider", p.provider.Name()),
		attribute.String("prompt_id", req.PromptID),
		attribute.Int("attempt", attempt),
	)

	start := time.Now()
	resp, err := p.provider.Generate(ctx, req)
	observability.RecordGeneration(p.provider.Name(), time.Since(start), err == nil)
	tracing.EndSpan(span, err)
	if err != nil {
		return Response{}, err
	}
	if resp.Provider == "" {
		resp.Provider = p.provider.Name()
	}
	return resp, nil
}

// Stream opens a streaming generation. The lane slot is held until the
// returned stream is closed. Only opening the stream is retried.
func (p *Pool) Stream(ctx context.Context, req Request) (Stream, error) {
	var held Stream
	err := p.retry(ctx, req, func(attempt int) error {
		s, err := p.openStream(ctx, req, attempt)
		if err != nil {
			return err
		}
		held = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return held, nil
}

func (p *Pool) openStream(ctx context.Context, req Request, attempt int) (Stream, error) {
	opened := make(chan Stream, 1)
	failed := make(chan error, 1)
	release := make(chan struct{})

	go func() {
		_, err := p.queue.Enqueue(ctx, Lane, func(taskCtx context.Context) (interface{}, error) {
			streamCtx, cancel := context.WithTimeout(taskCtx, p.cfg.AttemptTimeout)
			defer cancel()

			streamCtx, span := tracing.StartSpan(streamCtx, "hiplan.generation", "generation.stream",
				attribute.String("provider", p.provider.Name()),
				attribute.String("prompt_id", req.PromptID),
				attribute.Int("attempt", attempt),
			)
			start := time.Now()

			s, err := p.provider.Stream(streamCtx, req)
			if err != nil {
				observability.RecordGeneration(p.provider.Name(), time.Since(start), false)
				tracing.EndSpan(span, err)
				return nil, err
			}
			opened <- s

			<-release
			observability.RecordGeneration(p.provider.Name(), time.Since(start), s.Err() == nil)
			tracing.EndSpan(span, s.Err())
			return nil, nil
		})
		if err != nil {
			failed <- err
		}
	}()

	select {
	case s := <-opened:
		return &heldStream{Stream: s, release: release}, nil
	case err := <-failed:
		return nil, err
	}
}

// heldStream frees its lane slot on Close.
type heldStream struct {
	Stream
	once    sync.Once
	release chan struct{}
}

func (h *heldStream) Close() error {
	err := h.Stream.Close()
	h.once.Do(func() { close(h.release) })
	return err
}

var _ Port = (*Pool)(nil)
