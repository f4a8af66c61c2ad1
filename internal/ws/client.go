package ws

import (
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
)

// writeTimeout bounds one Send so a stalled peer cannot block the hub loop.
const writeTimeout = 10 * time.Second

// Client is one live log tail attached to a deployment stream.
type Client struct {
	conn         *websocket.Conn
	deploymentID string
	log          *slog.Logger
}

// NewClient wraps an upgraded connection tailing the given deployment.
func NewClient(conn *websocket.Conn, deploymentID string, logger *slog.Logger) *Client {
	return &Client{conn: conn, deploymentID: deploymentID, log: logger}
}

// Send writes one event payload. A peer that cannot keep up within the write
// deadline is disconnected; the hub drops the subscription on error.
func (c *Client) Send(payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("log tail send failed", "deployment_id", c.deploymentID, "error", err)
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}
