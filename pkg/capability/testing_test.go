package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
)

var sumSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"a": {"type": "number"}, "b": {"type": "number"}},
	"required": ["a", "b"]
}`)

func sumTool() LocalTool {
	return LocalTool{
		Name:        "sum",
		Description: "Add two numbers",
		InputSchema: sumSchema,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			a, _ := args["a"].(float64)
			b, _ := args["b"].(float64)
			return fmt.Sprintf("%g", a+b), nil
		},
	}
}

// fakeProvider is a scriptable Provider.
type fakeProvider struct {
	name    string
	descs   []Descriptor
	listErr error
	callErr error
	output  any
	calls   atomic.Int32
	closed  atomic.Bool
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) List(ctx context.Context) ([]Descriptor, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.descs, nil
}

func (f *fakeProvider) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	f.calls.Add(1)
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.output, nil
}

func (f *fakeProvider) Close() error {
	f.closed.Store(true)
	return nil
}
