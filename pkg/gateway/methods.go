package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/hiplan/internal/tracing"
	"github.com/harun/hiplan/pkg/agent"
	"github.com/harun/hiplan/pkg/capability"
	"github.com/harun/hiplan/pkg/tracestore"
)

const defaultSearchLimit = 10

func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("health", s.handleHealth)
	_ = s.RegisterMethod("capabilities.list", s.handleCapabilitiesList)
	_ = s.RegisterMethod("session.start", s.handleSessionStart)
	_ = s.RegisterMethod("session.run", s.handleSessionRun)
	_ = s.RegisterMethod("session.result", s.handleSessionResult)
	_ = s.RegisterMethod("session.cancel", s.handleSessionCancel)
	_ = s.RegisterMethod("session.list", s.handleSessionList)
	_ = s.RegisterMethod("session.search", s.handleSessionSearch)
	_ = s.RegisterMethod("session.subscribe", s.handleSessionSubscribe)
	_ = s.RegisterMethod("session.unsubscribe", s.handleSessionUnsubscribe)
}

func (s *Server) handleHealth(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	running := 0
	for _, sess := range s.sessions.Sessions() {
		if !sess.State.Terminal() {
			running++
		}
	}
	snapshot := s.capabilities.Snapshot()
	if snapshot == nil {
		snapshot = capability.EmptySnapshot()
	}
	return map[string]interface{}{
		"status":           "ok",
		"running_sessions": running,
		"clients":          s.clients.Count(),
		"capabilities":     snapshot.Len(),
		"snapshot_version": snapshot.Version(),
	}, nil
}

func (s *Server) handleCapabilitiesList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	snapshot := s.capabilities.Snapshot()
	if snapshot == nil {
		return []capability.Descriptor{}, nil
	}
	return snapshot.List(), nil
}

func (s *Server) startSession(ctx context.Context, params map[string]interface{}) (string, error) {
	goal, err := stringParam(params, "goal", true)
	if err != nil {
		return "", err
	}
	budget, err := budgetParams(params)
	if err != nil {
		return "", err
	}

	id, err := s.sessions.StartSession(ctx, goal, budget)
	if err != nil {
		return "", err
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Str("session_id", id).Str("client", clientIDFromContext(ctx)).Msg("Session started via gateway")
	return id, nil
}

func (s *Server) handleSessionStart(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := s.startSession(ctx, params)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"session_id": id}, nil
}

// handleSessionRun starts a session and waits for its result. When the
// wait times out the pending result is returned and the session keeps
// running.
func (s *Server) handleSessionRun(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	timeout, err := durationParam(params, "timeout")
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = s.runTimeout
	}

	id, err := s.startSession(ctx, params)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := s.sessions.Wait(waitCtx, id)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	return res, nil
}

func (s *Server) handleSessionResult(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "session_id", true)
	if err != nil {
		return nil, err
	}
	return s.sessions.Result(ctx, id)
}

func (s *Server) handleSessionCancel(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "session_id", true)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Cancel(id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"session_id": id, "cancelled": true}, nil
}

func (s *Server) handleSessionList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return s.sessions.Sessions(), nil
}

func (s *Server) handleSessionSearch(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	query, err := stringParam(params, "query", true)
	if err != nil {
		return nil, err
	}
	sessionID, err := stringParam(params, "session_id", false)
	if err != nil {
		return nil, err
	}
	limit, err := intParam(params, "limit")
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	results, err := s.store.Search(ctx, sessionID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	if results == nil {
		results = []tracestore.SearchResult{}
	}
	return results, nil
}

// wsClient returns the websocket client making the call.
func (s *Server) wsClient(ctx context.Context, method string) (*Client, error) {
	if transportFromContext(ctx) != transportWebSocket {
		return nil, &RPCError{Code: InvalidRequest, Message: method + " requires a websocket connection"}
	}
	client, ok := s.clients.Get(clientIDFromContext(ctx))
	if !ok {
		return nil, &RPCError{Code: InvalidRequest, Message: "client is no longer connected"}
	}
	return client, nil
}

// handleSessionSubscribe streams a session's events to the calling client.
// Events already published are replayed first; the stream ends with
// session.stream.closed.
func (s *Server) handleSessionSubscribe(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	client, err := s.wsClient(ctx, "session.subscribe")
	if err != nil {
		return nil, err
	}
	id, err := stringParam(params, "session_id", true)
	if err != nil {
		return nil, err
	}

	sub, err := s.sessions.Events(id)
	if err != nil {
		return nil, err
	}
	if !client.subscribe(sub) {
		sub.Close()
		return nil, &RPCError{Code: InvalidRequest, Message: "already subscribed to session " + id}
	}
	go s.broadcaster.Forward(client, sub)

	return map[string]interface{}{"session_id": id, "subscription_id": sub.ID}, nil
}

func (s *Server) handleSessionUnsubscribe(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	client, err := s.wsClient(ctx, "session.unsubscribe")
	if err != nil {
		return nil, err
	}
	id, err := stringParam(params, "session_id", true)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"session_id": id, "unsubscribed": client.unsubscribe(id)}, nil
}

func invalidParam(format string, args ...interface{}) *RPCError {
	return &RPCError{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

func stringParam(params map[string]interface{}, key string, required bool) (string, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		if required {
			return "", invalidParam("%s parameter is required", key)
		}
		return "", nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", invalidParam("%s parameter must be a string", key)
	}
	value = strings.TrimSpace(value)
	if required && value == "" {
		return "", invalidParam("%s parameter is required", key)
	}
	return value, nil
}

func intParam(params map[string]interface{}, key string) (int, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return 0, nil
	}
	value, ok := raw.(float64)
	if !ok || value != float64(int(value)) {
		return 0, invalidParam("%s parameter must be an integer", key)
	}
	if value < 0 {
		return 0, invalidParam("%s parameter cannot be negative", key)
	}
	return int(value), nil
}

// durationParam accepts a Go duration string ("90s") or a number of
// seconds.
func durationParam(params map[string]interface{}, key string) (time.Duration, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return 0, nil
	}
	switch v := raw.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, invalidParam("%s parameter: %v", key, err)
		}
		if d < 0 {
			return 0, invalidParam("%s parameter cannot be negative", key)
		}
		return d, nil
	case float64:
		if v < 0 {
			return 0, invalidParam("%s parameter cannot be negative", key)
		}
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, invalidParam("%s parameter must be a duration string or seconds", key)
	}
}

func budgetParams(params map[string]interface{}) (agent.Budget, error) {
	iterations, err := intParam(params, "max_iterations")
	if err != nil {
		return agent.Budget{}, err
	}
	duration, err := durationParam(params, "max_duration")
	if err != nil {
		return agent.Budget{}, err
	}
	return agent.Budget{MaxIterations: iterations, MaxDuration: duration}, nil
}
