// Package events fans session progress events out to subscribers. Each
// session is a topic; publishing never blocks, and a small replay ring lets
// late subscribers catch up on recent events.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/hiplan/internal/observability"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Type names a progress event.
type Type string

const (
	SessionStarted        Type = "session.started"
	PlanningStarted       Type = "planning.started"
	ReplanningStarted     Type = "replanning.started"
	StepStarted           Type = "execution.step.started"
	ToolExecutionFinished Type = "step.tool_execution.finished"
	SessionCompleted      Type = "session.completed"
	SessionFailed         Type = "session.failed"
)

// Terminal reports whether t ends a session.
func (t Type) Terminal() bool {
	return t == SessionCompleted || t == SessionFailed
}

// Event is one progress notification.
type Event struct {
	SessionID string         `json:"session_id"`
	Seq       int64          `json:"seq"`
	Type      Type           `json:"type"`
	Phase     string         `json:"phase"`
	NodeID    string         `json:"node_id,omitempty"`
	Iteration int            `json:"iteration"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Config sizes subscriber queues and the replay ring.
type Config struct {
	Buffer int // per-subscriber queue length
	Replay int // events kept per session for late subscribers
	Logger zerolog.Logger
}

// Mux is the event multiplexer.
type Mux struct {
	buffer int
	replay int
	logger zerolog.Logger

	mu     sync.Mutex
	topics map[string]*topic

	dropped atomic.Int64
}

type topic struct {
	seq    int64
	ring   []Event
	subs   map[string]*Subscription
	closed bool
}

// Subscription receives the events of one session until either side
// closes it.
type Subscription struct {
	ID        string
	SessionID string

	mux     *Mux
	ch      chan Event
	once    sync.Once
	dropped atomic.Int64
}

// New creates a multiplexer. Buffer defaults to 64 and Replay to 64.
func New(cfg Config) *Mux {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.Replay <= 0 {
		cfg.Replay = 64
	}
	return &Mux{
		buffer: cfg.Buffer,
		replay: cfg.Replay,
		logger: cfg.Logger.With().Str("component", "events").Logger(),
		topics: make(map[string]*topic),
	}
}

func (m *Mux) topic(sessionID string) *topic {
	t, ok := m.topics[sessionID]
	if !ok {
		t = &topic{subs: make(map[string]*Subscription)}
		m.topics[sessionID] = t
	}
	return t
}

// Publish stamps ev with the next per-session sequence and a timestamp and
// delivers it to every subscriber whose queue has room. Events published
// after Close are discarded.
func (m *Mux) Publish(ev Event) Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.topic(ev.SessionID)
	if t.closed {
		m.logger.Debug().Str("session_id", ev.SessionID).Str("type", string(ev.Type)).Msg("Dropping event for closed session")
		return ev
	}

	t.seq++
	ev.Seq = t.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	t.ring = append(t.ring, ev)
	if len(t.ring) > m.replay {
		t.ring = t.ring[len(t.ring)-m.replay:]
	}

	for _, sub := range t.subs {
		m.deliver(sub, ev)
	}
	return ev
}

func (m *Mux) deliver(sub *Subscription, ev Event) {
	select {
	case sub.ch <- ev:
	default:
		sub.dropped.Add(1)
		m.dropped.Add(1)
		observability.RecordEventDropped()
		m.logger.Warn().Str("session_id", ev.SessionID).Str("subscription", sub.ID).Str("type", string(ev.Type)).Msg("Subscriber queue full, event dropped")
	}
}

// Subscribe attaches a subscriber to sessionID. Buffered recent events are
// replayed first. Subscribing to a closed session yields its replay and
// then a closed channel.
func (m *Mux) Subscribe(sessionID string) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.topic(sessionID)
	sub := &Subscription{
		ID:        gonanoid.Must(),
		SessionID: sessionID,
		mux:       m,
		ch:        make(chan Event, m.buffer+len(t.ring)),
	}
	for _, ev := range t.ring {
		sub.ch <- ev
	}

	if t.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	t.subs[sub.ID] = sub
	m.logger.Debug().Str("session_id", sessionID).Str("subscription", sub.ID).Int("replayed", len(t.ring)).Msg("Subscriber attached")
	return sub
}

// Close ends every subscription of sessionID. It is idempotent; the replay
// ring is kept until Forget.
func (m *Mux) Close(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.topic(sessionID)
	if t.closed {
		return
	}
	t.closed = true
	for id, sub := range t.subs {
		delete(t.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Forget closes sessionID and releases its replay ring.
func (m *Mux) Forget(sessionID string) {
	m.Close(sessionID)
	m.mu.Lock()
	delete(m.topics, sessionID)
	m.mu.Unlock()
}

// Dropped returns the number of events dropped across all subscribers.
func (m *Mux) Dropped() int64 { return m.dropped.Load() }

// Events returns the receive channel. It is closed when the session ends
// or the subscription is closed.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns the number of events this subscriber missed.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscription) Close() {
	s.mux.mu.Lock()
	defer s.mux.mu.Unlock()

	if t, ok := s.mux.topics[s.SessionID]; ok {
		delete(t.subs, s.ID)
	}
	s.once.Do(func() { close(s.ch) })
}
