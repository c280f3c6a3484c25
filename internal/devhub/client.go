package devhub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/hubmux/internal/stream"
)

// client is one hub connection. All writes go through its queue so a
// slow reader never blocks fan-out.
type client struct {
	conn   *websocket.Conn
	queue  *stream.Buffer[[]byte]
	logger *slog.Logger

	closeOnce sync.Once
}

func (c *client) send(data []byte) bool {
	return c.queue.Send(data)
}

// writePump drains the send queue onto the socket.
func (c *client) writePump(writeTimeout time.Duration) {
	for {
		data, ok := c.queue.Receive(context.Background())
		if !ok {
			return
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Debug("write failed", "error", err)
			c.close()
			return
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.queue.Close(nil)
		c.conn.Close()
	})
}
