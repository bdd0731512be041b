package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn reads text frames from a WebSocket and keeps it alive with pings.
type wsConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
	pingDone  chan struct{}
}

func dialWebSocket(ctx context.Context, endpoint string) (*wsConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	c := &wsConn{
		conn:     conn,
		pingDone: make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		return nil
	})
	go c.pingLoop()
	return c, nil
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-c.pingDone:
			return
		}
	}
}

// ReadFrame returns the next text message. Binary frames are skipped.
func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read failed: %w", err)
		}
		if messageType == websocket.TextMessage {
			return message, nil
		}
	}
}

// Close sends a close frame when possible and closes the socket once.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.pingDone)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
