// Package client provides a REST and WebSocket client for the statdesk chat API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/raphaelgruber/statdesk/internal/metrics"
	"github.com/raphaelgruber/statdesk/internal/models"
)

// Sentinel errors for API calls.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrUnauthorized indicates the server rejected the bearer token (HTTP 401).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound indicates the requested resource does not exist (HTTP 404).
	ErrNotFound = errors.New("not found")
)

// APIError is returned for any other non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error: %d %s - %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token() (string, error) {
	return string(t), nil
}

// Client talks to the chat API.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	tokens         TokenSource
	onUnauthorized func()
	metrics        *metrics.Collector
	logger         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTokenSource sets where bearer tokens come from.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithTimeout sets the per-request timeout. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithUnauthorizedHandler registers the callback run whenever the server answers 401.
func WithUnauthorizedHandler(fn func()) Option {
	return func(c *Client) { c.onUnauthorized = fn }
}

// WithMetrics records session fetch timings.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client for the API rooted at baseURL (for example http://localhost:8585/api).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// errorResponse is the JSON error body returned by the API.
type errorResponse struct {
	Error string `json:"error"`
}

// authorize adds the bearer token header, if a token source is configured.
func (c *Client) authorize(header http.Header) error {
	if c.tokens == nil {
		return nil
	}
	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}
	header.Set("Authorization", "Bearer "+token)
	return nil
}

// do sends a JSON request and decodes the JSON response into result.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if err := c.authorize(req.Header); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if err := c.checkStatus(resp.StatusCode, respBody); err != nil {
		return err
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

// checkStatus maps an HTTP status to the client's error types.
func (c *Client) checkStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	msg := strings.TrimSpace(string(body))
	var errResp errorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		msg = errResp.Error
	}

	switch status {
	case http.StatusUnauthorized:
		c.logger.Warn("request unauthorized", "message", msg)
		if c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	default:
		return &APIError{StatusCode: status, Message: msg}
	}
}

// =============================================================================
// CHAT OPERATIONS
// =============================================================================

// SendMessageInput is the body of a message-send request.
type SendMessageInput struct {
	Message     string   `json:"message"`
	SessionID   *string  `json:"session_id,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
}

// SendMessage posts a user message. The returned message is the server's
// acknowledgment of the user message, not the assistant reply.
func (c *Client) SendMessage(ctx context.Context, input SendMessageInput) (*models.Message, error) {
	var msg models.Message
	if err := c.do(ctx, http.MethodPost, "/chat/message", input, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetSession fetches a session with its full message history.
func (c *Client) GetSession(ctx context.Context, id string) (*models.Session, error) {
	start := time.Now()
	var session models.Session
	if err := c.do(ctx, http.MethodGet, "/chat/sessions/"+url.PathEscape(id), nil, &session); err != nil {
		c.metrics.RecordFailure(metrics.OpSessionFetch)
		return nil, err
	}
	c.metrics.RecordTiming(metrics.OpSessionFetch, time.Since(start))
	return &session, nil
}

// ListSessions returns all sessions, most recent first.
func (c *Client) ListSessions(ctx context.Context) ([]models.SessionSummary, error) {
	var sessions []models.SessionSummary
	if err := c.do(ctx, http.MethodGet, "/chat/sessions", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// createSessionInput is the body of a session-create request.
type createSessionInput struct {
	Name string `json:"name"`
}

// CreateSession creates an empty session.
func (c *Client) CreateSession(ctx context.Context, name string) (*models.Session, error) {
	var session models.Session
	if err := c.do(ctx, http.MethodPost, "/chat/sessions", createSessionInput{Name: name}, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// DeleteSession deletes a session and its messages.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/chat/sessions/"+url.PathEscape(id), nil, nil)
}

// ListDocuments returns the documents available as chat context.
func (c *Client) ListDocuments(ctx context.Context) ([]models.Document, error) {
	var docs []models.Document
	if err := c.do(ctx, http.MethodGet, "/documents", nil, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// GetServerStats returns the server's in-memory runtime statistics.
func (c *Client) GetServerStats(ctx context.Context) (*metrics.Snapshot, error) {
	var stats metrics.Snapshot
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}
