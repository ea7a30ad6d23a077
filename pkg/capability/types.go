package capability

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a capability is not in the snapshot.
	ErrNotFound = errors.New("capability not found")
	// ErrDuplicateCapability is returned by Discover when two providers
	// advertise the same name.
	ErrDuplicateCapability = errors.New("duplicate capability")
	// ErrUnreachable marks provider transport failures.
	ErrUnreachable = errors.New("capability provider unreachable")
	// ErrUnavailable is returned by Invoke when a required capability's
	// provider is unreachable. It is fatal to the calling session.
	ErrUnavailable = errors.New("required capability unavailable")
)

// ErrorKind classifies a failed invocation.
type ErrorKind string

const (
	KindNotFound         ErrorKind = "not_found"
	KindInvalidArguments ErrorKind = "invalid_arguments"
	KindUnreachable      ErrorKind = "unreachable"
	KindTimeout          ErrorKind = "timeout"
	KindFailed           ErrorKind = "failed"
)

// Error is a single-capability failure. It is recorded and fed back to the
// planner rather than ending the session.
type Error struct {
	Kind       ErrorKind
	Capability string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("capability %s: %s: %s", e.Capability, e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("capability %s: %s: %v", e.Capability, e.Kind, e.Err)
	}
	return fmt.Sprintf("capability %s: %s", e.Capability, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// ToolError is returned by providers when the capability ran and reported
// a failure of its own.
type ToolError struct {
	Message string
}

func (e *ToolError) Error() string { return e.Message }

// Descriptor describes one capability.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Provider    string          `json:"provider"`
	Required    bool            `json:"required"`
}

// Doc renders the descriptor for inclusion in a prompt.
func (d Descriptor) Doc() string {
	var b strings.Builder
	fmt.Fprintf(&b, "- %s: %s", d.Name, d.Description)
	if len(d.InputSchema) > 0 {
		fmt.Fprintf(&b, "\n  input schema: %s", compactJSON(d.InputSchema))
	}
	return b.String()
}

// Docs renders a list of descriptors, one per entry.
func Docs(descs []Descriptor) string {
	if len(descs) == 0 {
		return "(none)"
	}
	docs := make([]string, len(descs))
	for i, d := range descs {
		docs[i] = d.Doc()
	}
	return strings.Join(docs, "\n")
}

func compactJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// InvocationResult is the outcome of one invocation. It is never mutated
// after Invoke returns.
type InvocationResult struct {
	Capability string         `json:"capability"`
	Arguments  map[string]any `json:"arguments"`
	Success    bool           `json:"success"`
	Output     any            `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  ErrorKind      `json:"error_kind,omitempty"`
	Latency    time.Duration  `json:"latency"`
}

// OutputText renders Output as text: strings as-is, everything else as JSON.
func (r InvocationResult) OutputText() string {
	switch v := r.Output.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}
