package stream

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Connection settings
const (
	handshakeTimeout = 60 * time.Second
	pingInterval     = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// FrameConn is an open push connection delivering one payload per frame.
type FrameConn interface {
	// ReadFrame blocks until the next frame arrives or the connection fails.
	ReadFrame() ([]byte, error)
	// Close releases the connection. It unblocks a pending ReadFrame.
	Close() error
}

// Dialer opens a FrameConn to an endpoint.
type Dialer func(ctx context.Context, endpoint string) (FrameConn, error)

// Dial picks the transport from the URL scheme: ws/wss use WebSocket
// frames, http/https use Server-Sent Events.
func Dial(ctx context.Context, endpoint string) (FrameConn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		conn, err := dialWebSocket(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		return conn, nil
	case "http", "https":
		conn, err := dialSSE(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("unsupported stream scheme %q", u.Scheme)
	}
}
