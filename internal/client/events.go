package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/statdesk/internal/models"
)

// handshakeTimeout bounds the WebSocket upgrade.
const handshakeTimeout = 10 * time.Second

// eventsURL converts the HTTP API root into the session's WebSocket endpoint.
func (c *Client) eventsURL(sessionID string) (string, error) {
	wsEndpoint := c.baseURL
	wsEndpoint = strings.Replace(wsEndpoint, "http://", "ws://", 1)
	wsEndpoint = strings.Replace(wsEndpoint, "https://", "wss://", 1)

	u, err := url.Parse(wsEndpoint + "/chat/sessions/" + url.PathEscape(sessionID) + "/events")
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	return u.String(), nil
}

// SubscribeSession streams the session's events until ctx is cancelled, the
// server closes the stream, or onEvent returns an error (which is returned).
// A nil return means the stream ended normally.
func (c *Client) SubscribeSession(
	ctx context.Context,
	sessionID string,
	onEvent func(event models.SessionEvent) error,
) error {
	endpoint, err := c.eventsURL(sessionID)
	if err != nil {
		return err
	}

	header := http.Header{}
	if err := c.authorize(header); err != nil {
		return err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if statusErr := c.checkStatus(resp.StatusCode, body); statusErr != nil {
				return fmt.Errorf("websocket connect: %w", statusErr)
			}
		}
		return fmt.Errorf("websocket connect: %w", err)
	}
	defer conn.Close()

	// Track connection state for proper cleanup
	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	// Handle context cancellation in a separate goroutine
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	for {
		var event models.SessionEvent
		if err := conn.ReadJSON(&event); err != nil {
			// Check if this was due to context cancellation
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}

		if err := onEvent(event); err != nil {
			return err
		}
	}
}
