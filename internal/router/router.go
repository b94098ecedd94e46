package router

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/veer-debug/chat-with-me/pkg/metrics"
)

// ChatService is the slice of the broadcaster the router needs. The router
// owns the mapping from wire event names to operations; the service knows
// nothing about the transport's event vocabulary.
type ChatService interface {
	Join(connID uuid.UUID, room, displayName string) error
	Message(connID uuid.UUID, text string) error
	Leave(connID uuid.UUID) error
}

type handlerFunc func(connID uuid.UUID, payload []byte) error

type EventRouter struct {
	logger   *slog.Logger
	chat     ChatService
	handlers map[string]handlerFunc
}

func NewEventRouter(logger *slog.Logger, chat ChatService) *EventRouter {
	r := &EventRouter{
		logger: logger.With(slog.String("component", "event_router")),
		chat:   chat,
	}
	r.handlers = map[string]handlerFunc{
		"join":    r.handleJoin,
		"message": r.handleMessage,
		"leave":   r.handleLeave,
	}
	return r
}

// HandleMessage is the transport's inbound callback: decode the envelope,
// look the event up in the dispatch table, run it. Errors close or reject
// only the offending operation, never the process.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	var clientMsg ClientMessage
	if err := json.Unmarshal(msg, &clientMsg); err != nil {
		r.logger.Warn("Failed to unmarshal client message", "connID", connID, "error", err)
		return
	}

	handler, ok := r.handlers[clientMsg.Event]
	if !ok {
		r.logger.Warn("Received unknown event", "event", clientMsg.Event, "connID", connID)
		return
	}

	metrics.EventsTotal.WithLabelValues(clientMsg.Event).Inc()
	r.logger.Debug("Dispatching event", slog.String("event", clientMsg.Event), slog.Any("connID", connID))
	if err := handler(connID, clientMsg.Payload); err != nil {
		r.logger.Warn("Event handler failed",
			slog.String("event", clientMsg.Event),
			slog.Any("connID", connID),
			slog.Any("error", err),
		)
	}
}

func (r *EventRouter) handleJoin(connID uuid.UUID, payload []byte) error {
	room := gjson.GetBytes(payload, "room").String()
	username := gjson.GetBytes(payload, "username").String()
	return r.chat.Join(connID, room, username)
}

func (r *EventRouter) handleMessage(connID uuid.UUID, payload []byte) error {
	text := gjson.GetBytes(payload, "message").String()
	return r.chat.Message(connID, text)
}

func (r *EventRouter) handleLeave(connID uuid.UUID, _ []byte) error {
	return r.chat.Leave(connID)
}
