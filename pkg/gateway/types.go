package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harun/hiplan/pkg/events"
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             string                 `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	JSONRPC        string                 `json:"jsonrpc"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// EventMessage is a server-initiated message. Session events carry the
// session ID and the per-session sequence number.
type EventMessage struct {
	Type      string      `json:"type,omitempty"`
	Event     string      `json:"event"`
	SessionID string      `json:"session_id,omitempty"`
	Phase     string      `json:"phase,omitempty"`
	NodeID    string      `json:"node_id,omitempty"`
	Iteration int         `json:"iteration,omitempty"`
	Seq       int64       `json:"seq,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

func eventMessage(ev events.Event) EventMessage {
	return EventMessage{
		Type:      "event",
		Event:     string(ev.Type),
		SessionID: ev.SessionID,
		Phase:     ev.Phase,
		NodeID:    ev.NodeID,
		Iteration: ev.Iteration,
		Seq:       ev.Seq,
		Data:      ev.Payload,
		Timestamp: ev.Timestamp.UnixMilli(),
	}
}

// AuthChallenge represents an authentication challenge message
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse represents a client's authentication response
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

// AuthResult represents the result of authentication
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	IPAddress     string    `json:"ipAddress"`
	Subscriptions int       `json:"subscriptions"`
	Idle          bool      `json:"idle"`
}

// ClientState represents the state of a client connection
type ClientState int

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

// RequestHandler handles one RPC method call. For websocket calls ctx
// carries the client ID.
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// RPC error codes
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	SessionNotFound        = -32004
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
	ServerShuttingDown     = -32007
)

// Client represents a connected WebSocket client
type Client struct {
	ID            string
	Conn          *websocket.Conn
	Authenticated bool
	Challenge     string
	ConnectedAt   time.Time
	LastActivity  time.Time
	IPAddress     string
	AuthAttempts  int
	RateLimiter   *ClientRateLimiter
	State         ClientState

	writeMu sync.Mutex
	subMu   sync.Mutex
	subs    map[string]*events.Subscription // by session ID
}

// WriteJSON sends v to the client. Writes from several goroutines are
// serialized.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}

// WriteMessage sends a raw frame to the client.
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// subscribe records sub unless the client already follows its session.
func (c *Client) subscribe(sub *events.Subscription) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subs == nil {
		c.subs = make(map[string]*events.Subscription)
	}
	if _, ok := c.subs[sub.SessionID]; ok {
		return false
	}
	c.subs[sub.SessionID] = sub
	return true
}

// unsubscribe closes and forgets the client's subscription to sessionID.
func (c *Client) unsubscribe(sessionID string) bool {
	c.subMu.Lock()
	sub, ok := c.subs[sessionID]
	delete(c.subs, sessionID)
	c.subMu.Unlock()
	if ok {
		sub.Close()
	}
	return ok
}

// forget drops the bookkeeping for sub once its stream has ended.
func (c *Client) forget(sub *events.Subscription) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if cur, ok := c.subs[sub.SessionID]; ok && cur == sub {
		delete(c.subs, sub.SessionID)
	}
}

func (c *Client) closeSubscriptions() {
	c.subMu.Lock()
	subs := c.subs
	c.subs = nil
	c.subMu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

func (c *Client) subscriptionCount() int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return len(c.subs)
}
