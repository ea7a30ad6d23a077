package capability

import "context"

// Provider is a source of capabilities.
//
// Call returns an error wrapping ErrUnreachable when the provider cannot be
// reached, a *ToolError when the capability itself failed, and ctx.Err()
// when ctx ends first.
type Provider interface {
	Name() string
	List(ctx context.Context) ([]Descriptor, error)
	Call(ctx context.Context, name string, args map[string]any) (any, error)
}

// Closer is implemented by providers holding processes or connections.
type Closer interface {
	Close() error
}
