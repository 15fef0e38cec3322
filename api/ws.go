// Package api exposes the engine over HTTP: a websocket event feed and
// the Prometheus metrics endpoint wiring.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/colloquy/engine"
)

// frameBuffer is how many events a client may fall behind before it is
// disconnected.
const frameBuffer = 64

// wsFrame is the wire envelope for one engine event.
type wsFrame struct {
	Type string       `json:"type"`
	Time time.Time    `json:"time"`
	Data engine.Event `json:"data"`
}

// EventStreamHandler streams engine events to websocket clients. Each
// client gets a bounded buffer; a client too slow to drain it is
// disconnected rather than allowed to stall the bus.
type EventStreamHandler struct {
	bus    engine.Bus
	logger *zap.Logger
}

// NewEventStreamHandler creates the handler over the given bus.
func NewEventStreamHandler(bus engine.Bus, logger *zap.Logger) *EventStreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventStreamHandler{
		bus:    bus,
		logger: logger.With(zap.String("component", "event_stream")),
	}
}

func (h *EventStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	frames := make(chan []byte, frameBuffer)
	subID := h.bus.SubscribeAll(func(ev engine.Event) {
		payload, err := json.Marshal(wsFrame{Type: string(ev.Type()), Time: ev.Timestamp(), Data: ev})
		if err != nil {
			h.logger.Warn("event marshal failed", zap.String("event", string(ev.Type())), zap.Error(err))
			return
		}
		select {
		case frames <- payload:
		default:
			// Slow client: drop the connection, never block the bus.
			cancel()
		}
	})
	defer h.bus.Unsubscribe(subID)

	h.logger.Info("event stream client connected", zap.String("remote", r.RemoteAddr))
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("event stream client disconnected", zap.String("remote", r.RemoteAddr))
			return
		case payload := <-frames:
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				h.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		}
	}
}
