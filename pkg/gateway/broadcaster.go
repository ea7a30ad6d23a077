package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/hiplan/pkg/events"
)

// EventBroadcaster pushes server events to every authenticated client and
// session events to the clients that subscribed to them.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     atomic.Int64
}

func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends a server event to all authenticated clients. Server
// events have their own sequence, separate from session sequences.
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Seq:       b.seq.Add(1),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal event")
		return
	}

	clients := b.clients.Authenticated()
	if len(clients) == 0 {
		b.logger.Debug().Str("event", event).Msg("No authenticated clients to broadcast to")
		return
	}

	failed := 0
	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
			b.logger.Warn().Err(err).Str("clientId", client.ID).Str("event", event).Msg("Failed to broadcast to client")
			failed++
		}
	}

	b.logger.Debug().
		Str("event", event).
		Int64("seq", msg.Seq).
		Int("success", len(clients)-failed).
		Int("failed", failed).
		Msg("Event broadcast complete")
}

// Forward pumps sub's events to client until the session's stream ends or
// the subscription is closed, then reports the end of the stream.
func (b *EventBroadcaster) Forward(client *Client, sub *events.Subscription) {
	defer client.forget(sub)

	for ev := range sub.Events() {
		if err := client.WriteJSON(eventMessage(ev)); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("session_id", ev.SessionID).
				Int64("seq", ev.Seq).
				Msg("Failed to forward session event")
			sub.Close()
			return
		}
	}

	err := client.WriteJSON(EventMessage{
		Type:      "event",
		Event:     "session.stream.closed",
		SessionID: sub.SessionID,
		Data:      map[string]interface{}{"dropped": sub.Dropped()},
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		b.logger.Debug().Err(err).Str("clientId", client.ID).Msg("Failed to report closed stream")
	}
}
