package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harun/hiplan/internal/observability"
	"github.com/harun/hiplan/internal/tracing"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

// Snapshot is an immutable view of the registry taken at discovery time.
// Sessions hold one snapshot for their whole run.
type Snapshot struct {
	version     int64
	createdAt   time.Time
	names       []string
	descriptors map[string]Descriptor
	providers   map[string]Provider
	schemas     map[string]*gojsonschema.Schema
}

// EmptySnapshot returns a snapshot with no capabilities.
func EmptySnapshot() *Snapshot {
	return &Snapshot{
		createdAt:   time.Now(),
		descriptors: map[string]Descriptor{},
		providers:   map[string]Provider{},
		schemas:     map[string]*gojsonschema.Schema{},
	}
}

func newSnapshot(version int64, entries []entry, required map[string]bool) (*Snapshot, error) {
	s := EmptySnapshot()
	s.version = version

	for _, e := range entries {
		desc := e.desc
		desc.Provider = e.provider.Name()
		desc.Required = required[desc.Name]

		if len(desc.InputSchema) > 0 {
			schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(desc.InputSchema))
			if err != nil {
				return nil, fmt.Errorf("capability %s: invalid input schema: %w", desc.Name, err)
			}
			s.schemas[desc.Name] = schema
		}

		s.descriptors[desc.Name] = desc
		s.providers[desc.Name] = e.provider
		s.names = append(s.names, desc.Name)
	}
	sort.Strings(s.names)
	return s, nil
}

// Version increases with every published snapshot.
func (s *Snapshot) Version() int64 { return s.version }

// CreatedAt is when the snapshot was published.
func (s *Snapshot) CreatedAt() time.Time { return s.createdAt }

// Len returns the number of capabilities.
func (s *Snapshot) Len() int { return len(s.names) }

// Resolve looks a capability up by name.
func (s *Snapshot) Resolve(name string) (Descriptor, error) {
	desc, ok := s.descriptors[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return desc, nil
}

// List returns all descriptors sorted by name.
func (s *Snapshot) List() []Descriptor {
	out := make([]Descriptor, len(s.names))
	for i, name := range s.names {
		out[i] = s.descriptors[name]
	}
	return out
}

// Validate checks args against the capability's input schema. A capability
// without a schema accepts any arguments.
func (s *Snapshot) Validate(name string, args map[string]any) error {
	if _, ok := s.descriptors[name]; !ok {
		return &Error{Kind: KindNotFound, Capability: name, Err: ErrNotFound}
	}

	schema := s.schemas[name]
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &Error{Kind: KindInvalidArguments, Capability: name, Err: err}
	}
	if !result.Valid() {
		msgs := make([]string, len(result.Errors()))
		for i, e := range result.Errors() {
			msgs[i] = e.String()
		}
		return &Error{Kind: KindInvalidArguments, Capability: name, Message: strings.Join(msgs, "; ")}
	}
	return nil
}

// Invoke validates and calls a capability. Every failure is reported in the
// result; the returned error is non-nil only when a required capability's
// provider is unreachable, and then wraps ErrUnavailable.
func (s *Snapshot) Invoke(ctx context.Context, name string, args map[string]any) (InvocationResult, error) {
	ctx, span := tracing.StartSpan(ctx, "hiplan.capability", "capability.invoke", attribute.String("capability", name))

	start := time.Now()
	res := InvocationResult{Capability: name, Arguments: args}

	var callErr error
	if err := s.Validate(name, args); err != nil {
		callErr = err
	} else {
		var out any
		out, callErr = s.providers[name].Call(ctx, name, args)
		res.Output = out
	}
	res.Latency = time.Since(start)

	if callErr == nil {
		res.Success = true
		tracing.EndSpan(span, nil)
		observability.RecordCapabilityInvocation(name, "ok", res.Latency)
		return res, nil
	}

	capErr := classify(ctx, name, callErr)
	res.Output = nil
	res.Error = capErr.Error()
	res.ErrorKind = capErr.Kind
	tracing.EndSpan(span, capErr)
	observability.RecordCapabilityInvocation(name, string(capErr.Kind), res.Latency)

	if capErr.Kind == KindUnreachable && s.descriptors[name].Required {
		return res, fmt.Errorf("%w: %s: %v", ErrUnavailable, name, callErr)
	}
	return res, nil
}

func classify(ctx context.Context, name string, err error) *Error {
	var capErr *Error
	if errors.As(err, &capErr) {
		return capErr
	}

	var toolErr *ToolError
	switch {
	case errors.As(err, &toolErr):
		return &Error{Kind: KindFailed, Capability: name, Message: toolErr.Message}
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Capability: name, Err: err}
	case errors.Is(err, ErrUnreachable):
		return &Error{Kind: KindUnreachable, Capability: name, Err: err}
	default:
		return &Error{Kind: KindFailed, Capability: name, Err: err}
	}
}
