package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/whrit/flow-agent-sub011/internal/core"
)

const (
	eventBuffer = 256
	writeWait   = 5 * time.Second
	pingPeriod  = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventStreamHandler 生命周期事件推送
type EventStreamHandler struct {
	events EventSource
}

// NewEventStreamHandler creates a new event stream handler
func NewEventStreamHandler(events EventSource) *EventStreamHandler {
	return &EventStreamHandler{events: events}
}

// Stream 把任务与连接事件以 JSON 文本帧推送给客户端
// GET /api/events/ws
func (h *EventStreamHandler) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := core.GetLogger(core.ComponentEvents).With().Str("subject", Subject(c)).Logger()

	id, ch := h.events.Subscribe(eventBuffer)
	defer h.events.Unsubscribe(id)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// 监听客户端断开
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	log.Debug().Int("subscriber", id).Msg("Event stream opened")
	defer func() {
		log.Debug().Int("subscriber", id).Msg("Event stream closed")
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
