package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const sessionHeader = "Mcp-Session-Id"

// HTTPConfig configures an MCP server reached over HTTP JSON-RPC.
type HTTPConfig struct {
	Name    string
	URL     string
	Token   string // sent as a bearer token when set
	Timeout time.Duration
	Client  *http.Client
}

// HTTPProvider speaks MCP JSON-RPC with one POST per request.
type HTTPProvider struct {
	cfg    HTTPConfig
	client *http.Client
	logger zerolog.Logger

	mu          sync.Mutex
	initialized bool

	sidMu     sync.RWMutex
	sessionID string
}

// NewHTTPProvider validates cfg and returns a provider. The MCP handshake
// runs lazily on first use.
func NewHTTPProvider(cfg HTTPConfig, logger zerolog.Logger) (*HTTPProvider, error) {
	if cfg.Name == "" {
		return nil, errors.New("provider name is required")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("provider %s: url is required", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &HTTPProvider{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("provider", cfg.Name).Str("transport", "http").Logger(),
	}, nil
}

func (p *HTTPProvider) Name() string { return p.cfg.Name }

func (p *HTTPProvider) List(ctx context.Context) ([]Descriptor, error) {
	raw, err := p.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	return parseToolsList(raw)
}

func (p *HTTPProvider) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := p.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, err
	}
	return parseToolCall(raw)
}

func (p *HTTPProvider) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := p.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return p.post(ctx, rpcRequest{JSONRPC: "2.0", ID: uuid.New().String(), Method: method, Params: params})
}

func (p *HTTPProvider) ensureInitialized(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}
	if _, err := p.post(ctx, rpcRequest{JSONRPC: "2.0", ID: uuid.New().String(), Method: "initialize", Params: initializeParams()}); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if _, err := p.post(ctx, rpcRequest{JSONRPC: "2.0", Method: "notifications/initialized"}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	p.initialized = true
	p.logger.Info().Str("url", p.cfg.URL).Msg("MCP HTTP provider initialized")
	return nil
}

func (p *HTTPProvider) currentSession() string {
	p.sidMu.RLock()
	defer p.sidMu.RUnlock()
	return p.sessionID
}

func (p *HTTPProvider) post(ctx context.Context, req rpcRequest) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if p.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}
	if sid := p.currentSession(); sid != "" {
		httpReq.Header.Set(sessionHeader, sid)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		p.sidMu.Lock()
		p.sessionID = sid
		p.sidMu.Unlock()
	}

	switch {
	case resp.StatusCode >= 500:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrUnreachable, resp.StatusCode, string(data))
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
	}

	if req.ID == nil {
		// notifications get 202 Accepted with no body
		return nil, nil
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}
