package notify

import (
	"context"
	"sync"
	"time"

	"github.com/entrhq/webpilot/pkg/types"
	"golang.org/x/net/websocket"
)

// frame is an inbound message from a client. Only pongs are meaningful.
type frame struct {
	Type string `json:"type"`
}

// WebSocketConn adapts an x/net websocket to Conn using JSON text frames.
type WebSocketConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// NewWebSocketConn wraps ws.
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: ws}
}

// Send writes e as one JSON frame, honouring the context deadline.
func (c *WebSocketConn) Send(ctx context.Context, e *types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultWriteTimeout)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return websocket.JSON.Send(c.ws, e)
}

// Close closes the socket.
func (c *WebSocketConn) Close() error {
	return c.ws.Close()
}

// ServeWebSocket registers ws for ownerID and reads client frames until the
// socket closes or the hub terminates the connection. It blocks for the
// life of the connection, as x/net websocket handlers must.
func (h *Hub) ServeWebSocket(ws *websocket.Conn, ownerID string) {
	client := h.Register(ownerID, NewWebSocketConn(ws))
	defer h.Unregister(client)

	for {
		var f frame
		if err := websocket.JSON.Receive(ws, &f); err != nil {
			select {
			case <-client.Done():
			default:
				h.logger.Debugf("Connection %s closed by peer: %v", client.ID(), err)
			}
			return
		}
		if f.Type == "pong" {
			client.Pong()
		}
	}
}
