package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/claudesmith/claudesmith/internal/events"
	"github.com/claudesmith/claudesmith/internal/events/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Same-host deployments only; tighten when exposed beyond localhost.
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Stream upgrades to WebSocket and forwards a session's bus events until
// the client disconnects.
// WS /api/v1/sessions/:sessionId/stream
func (h *Handler) Stream(eventBus bus.EventBus) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Error("failed to upgrade connection",
				zap.String("session_id", sessionID),
				zap.Error(err))
			return
		}
		defer conn.Close()

		// Single writer goroutine: bus handlers enqueue, the loop below
		// writes, so concurrent deliveries never interleave frames.
		outbound := make(chan *bus.Event, 64)
		sub, err := eventBus.Subscribe(events.SessionSubject(sessionID), func(_ context.Context, event *bus.Event) error {
			select {
			case outbound <- event:
			default:
				h.logger.Warn("stream buffer full, dropping event",
					zap.String("session_id", sessionID))
			}
			return nil
		})
		if err != nil {
			h.logger.Error("failed to subscribe to session events", zap.Error(err))
			return
		}
		defer func() { _ = sub.Unsubscribe() }()

		// Reader detects close; nothing inbound is expected.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-closed:
				return
			case event := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(event); err != nil {
					return
				}
				if event.Type == events.SessionFinished || event.Type == events.SessionInterrupted {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeWait))
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}
