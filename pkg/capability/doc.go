// Package capability discovers externally invokable capabilities and
// invokes them.
//
// A Registry lists its providers and publishes an immutable Snapshot. A
// session resolves, validates and invokes capabilities only through the
// snapshot it was started with, so a refresh never changes the set a running
// session sees. Providers are in-process handlers (LocalProvider) or MCP
// servers reached over stdio (StdioProvider) or HTTP (HTTPProvider).
package capability
