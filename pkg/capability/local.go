package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler implements an in-process capability.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// LocalTool is an in-process capability definition.
type LocalTool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     Handler
}

// LocalProvider serves capabilities implemented in Go.
type LocalProvider struct {
	name  string
	mu    sync.RWMutex
	tools map[string]LocalTool
}

// NewLocalProvider creates a provider with the given tools.
func NewLocalProvider(name string, tools ...LocalTool) (*LocalProvider, error) {
	p := &LocalProvider{name: name, tools: make(map[string]LocalTool)}
	for _, t := range tools {
		if err := p.Register(t); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Register adds a tool. Names must be unique within the provider.
func (p *LocalProvider) Register(tool LocalTool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", tool.Name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCapability, tool.Name)
	}
	p.tools[tool.Name] = tool
	return nil
}

func (p *LocalProvider) Name() string { return p.name }

func (p *LocalProvider) List(ctx context.Context) ([]Descriptor, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	descs := make([]Descriptor, 0, len(p.tools))
	for _, t := range p.tools {
		descs = append(descs, Descriptor{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	return descs, nil
}

func (p *LocalProvider) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	p.mu.RLock()
	tool, ok := p.tools[name]
	p.mu.RUnlock()
	if !ok {
		return nil, &Error{Kind: KindNotFound, Capability: name, Err: ErrNotFound}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return tool.Handler(ctx, args)
}
