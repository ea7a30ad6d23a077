// Package prompts holds versioned prompt templates and renders them.
//
// Templates use {name} placeholders. A placeholder without a value renders as
// the literal null, non-string values are JSON encoded, and {{ and }} produce
// literal braces.
package prompts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Kind is the chat role a rendered prompt is sent as.
type Kind string

const (
	KindSystem Kind = "system"
	KindUser   Kind = "user"
)

// Built-in prompt IDs.
const (
	GoalDecomposition = "goal_decomposition"
	GoalReplanning    = "goal_replanning"
	ToolParameters    = "tool_parameters"
	StepExecution     = "step_execution"
	StepSummary       = "step_summary"
	FinalAnswer       = "final_answer"
)

// DefaultVersion is used when a caller does not pin a version.
const DefaultVersion = "v1"

var (
	ErrUnknownPrompt   = errors.New("unknown prompt")
	ErrDuplicatePrompt = errors.New("duplicate prompt")
)

// Spec is one versioned template.
type Spec struct {
	ID       string `yaml:"id" json:"id"`
	Version  string `yaml:"version" json:"version"`
	Kind     Kind   `yaml:"kind" json:"kind"`
	Template string `yaml:"template" json:"template"`
	JSONMode bool   `yaml:"json_mode" json:"json_mode"`
}

// Render substitutes vars into the template.
func (s Spec) Render(vars map[string]any) string {
	tpl := s.Template
	var b strings.Builder
	b.Grow(len(tpl))

	for i := 0; i < len(tpl); i++ {
		c := tpl[i]
		switch {
		case c == '{' && i+1 < len(tpl) && tpl[i+1] == '{':
			b.WriteByte('{')
			i++
		case c == '}' && i+1 < len(tpl) && tpl[i+1] == '}':
			b.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(tpl[i+1:], '}')
			name := ""
			if end >= 0 {
				name = tpl[i+1 : i+1+end]
			}
			if end < 0 || !isIdentifier(name) {
				b.WriteByte(c)
				continue
			}
			b.WriteString(formatValue(vars[name]))
			i += end + 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Messages renders the template into the slot named by Kind. input fills the
// user slot of a system prompt and is ignored for user prompts.
func (s Spec) Messages(vars map[string]any, input string) (system, user string) {
	text := s.Render(vars)
	if s.Kind == KindUser {
		return "", text
	}
	return text, input
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r != '_' && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case json.RawMessage:
		if len(val) == 0 {
			return "null"
		}
		return string(val)
	default:
		data, err := json.MarshalIndent(val, "", "  ")
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

type key struct {
	id      string
	version string
}

// Registry maps (id, version) to a Spec. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	specs map[key]Spec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[key]Spec)}
}

// DefaultRegistry returns a registry holding the built-in prompts.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, spec := range builtins() {
		if err := r.Register(spec); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds spec; an existing (id, version) is an error.
func (r *Registry) Register(spec Spec) error {
	if spec.ID == "" {
		return errors.New("prompt id is required")
	}
	if spec.Version == "" {
		spec.Version = DefaultVersion
	}
	if spec.Kind == "" {
		spec.Kind = KindSystem
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{spec.ID, spec.Version}
	if _, exists := r.specs[k]; exists {
		return fmt.Errorf("%w: %s/%s", ErrDuplicatePrompt, spec.ID, spec.Version)
	}
	r.specs[k] = spec
	return nil
}

// Override adds or replaces spec.
func (r *Registry) Override(spec Spec) {
	if spec.Version == "" {
		spec.Version = DefaultVersion
	}
	if spec.Kind == "" {
		spec.Kind = KindSystem
	}

	r.mu.Lock()
	r.specs[key{spec.ID, spec.Version}] = spec
	r.mu.Unlock()
}

// Get returns the prompt registered for (id, version). An empty version means DefaultVersion.
func (r *Registry) Get(id, version string) (Spec, error) {
	if version == "" {
		version = DefaultVersion
	}

	r.mu.RLock()
	spec, ok := r.specs[key{id, version}]
	r.mu.RUnlock()
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s/%s", ErrUnknownPrompt, id, version)
	}
	return spec, nil
}

// Keys lists registered prompts as "id/version", sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.specs))
	for k := range r.specs {
		keys = append(keys, k.id+"/"+k.version)
	}
	sort.Strings(keys)
	return keys
}

type overrideFile struct {
	Prompts []Spec `yaml:"prompts"`
}

// LoadOverrides reads a YAML file of the form
//
//	prompts:
//	  - id: goal_decomposition
//	    version: v2
//	    json_mode: true
//	    template: |
//	      ...
//
// and overrides every listed prompt.
func (r *Registry) LoadOverrides(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read prompt file: %w", err)
	}

	var file overrideFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("failed to parse prompt file: %w", err)
	}

	for i, spec := range file.Prompts {
		if spec.ID == "" {
			return 0, fmt.Errorf("prompt %d: id is required", i)
		}
		if strings.TrimSpace(spec.Template) == "" {
			return 0, fmt.Errorf("prompt %s: template is required", spec.ID)
		}
	}
	for _, spec := range file.Prompts {
		r.Override(spec)
	}
	return len(file.Prompts), nil
}
