package events

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// admin routes are already authenticated
		return true
	},
}

// HandleWebSocket upgrades the request and subscribes it to the hub. The
// optional database query parameter filters events to one database.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConnection(ws, c.Query("database"), h)
	select {
	case h.register <- conn:
	case <-h.done:
		ws.Close()
		return
	}

	go conn.WritePump()
	go conn.ReadPump()
}
