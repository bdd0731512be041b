package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// maxEventSize bounds a single SSE event.
const maxEventSize = 4 << 20

// sseClient has no overall timeout; the stream stays open indefinitely.
var sseClient = &http.Client{
	Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: handshakeTimeout,
	},
}

// sseConn reads Server-Sent Events; each event's data is one frame.
type sseConn struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	closeOnce sync.Once
	closeErr  error
}

// dialSSE opens the event stream. Any status other than 200 is a dial failure.
func dialSSE(ctx context.Context, endpoint string) (*sseConn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := sseClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("dial failed: unexpected status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &sseConn{body: resp.Body, scanner: scanner}, nil
}

// ReadFrame returns the data of the next event. Comments and the event,
// id and retry fields are ignored; multi-line data is joined with "\n".
func (c *sseConn) ReadFrame() ([]byte, error) {
	var data [][]byte
	for c.scanner.Scan() {
		line := c.scanner.Bytes()

		if len(line) == 0 {
			if data == nil {
				continue
			}
			return bytes.Join(data, []byte("\n")), nil
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		if string(field) == "data" {
			data = append(data, append([]byte(nil), value...))
		}
	}

	if err := c.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}
	return nil, fmt.Errorf("read failed: %w", io.EOF)
}

func (c *sseConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.body.Close()
	})
	return c.closeErr
}
