package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/statdesk/internal/client"
	"github.com/raphaelgruber/statdesk/internal/metrics"
	"github.com/raphaelgruber/statdesk/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	assert.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestSendMessage(t *testing.T) {
	var got client.SendMessageInput
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chat/message", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		writeJSON(t, w, http.StatusCreated, models.Message{
			ID:        "m1",
			SessionID: "s1",
			Content:   got.Message,
			Sender:    models.SenderUser,
			CreatedAt: time.Now(),
		})
	}))
	defer srv.Close()

	c := client.New(srv.URL+"/api/", client.WithTokenSource(client.StaticToken("secret")))

	sessionID := "s1"
	msg, err := c.SendMessage(context.Background(), client.SendMessageInput{
		Message:     "How many schools per province?",
		SessionID:   &sessionID,
		DocumentIDs: []string{"d1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, models.SenderUser, msg.Sender)
	assert.Equal(t, "How many schools per province?", got.Message)
	require.NotNil(t, got.SessionID)
	assert.Equal(t, "s1", *got.SessionID)
	assert.Equal(t, []string{"d1"}, got.DocumentIDs)
}

func TestSendMessageOmitsEmptySession(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		writeJSON(t, w, http.StatusCreated, models.Message{ID: "m1", Sender: models.SenderUser})
	}))
	defer srv.Close()

	c := client.New(srv.URL)
	_, err := c.SendMessage(context.Background(), client.SendMessageInput{Message: "hi"})
	require.NoError(t, err)

	assert.NotContains(t, raw, "session_id")
	assert.NotContains(t, raw, "document_ids")
}

func TestGetSessionRecordsMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/sessions/s1", r.URL.Path)
		writeJSON(t, w, http.StatusOK, models.Session{
			ID:   "s1",
			Name: "Enrolment",
			Messages: []models.Message{
				{ID: "m1", Content: "ping", Sender: models.SenderUser},
				{ID: "m2", Content: "pong", Sender: models.SenderAssistant},
			},
		})
	}))
	defer srv.Close()

	collector := metrics.NewCollector()
	c := client.New(srv.URL, client.WithMetrics(collector))

	session, err := c.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "Enrolment", session.Name)
	assert.True(t, session.HasAssistantReply())

	snap := collector.Snapshot()
	require.NotNil(t, snap.SessionFetch)
	assert.Equal(t, int64(1), snap.SessionFetch.Count)
}

func TestUnauthorizedInvokesHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
	}))
	defer srv.Close()

	var calls atomic.Int32
	c := client.New(srv.URL,
		client.WithTokenSource(client.StaticToken("expired")),
		client.WithUnauthorizedHandler(func() { calls.Add(1) }),
	)

	_, err := c.GetSession(context.Background(), "s1")
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrUnauthorized)
	assert.Contains(t, err.Error(), "invalid token")
	assert.Equal(t, int32(1), calls.Load())
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{
			name:   "not found",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, client.ErrNotFound)
			},
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			check: func(t *testing.T, err error) {
				var apiErr *client.APIError
				require.True(t, errors.As(err, &apiErr))
				assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
				assert.Equal(t, "upstream down", apiErr.Message)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(t, w, tt.status, map[string]string{"error": "upstream down"})
			}))
			defer srv.Close()

			err := client.New(srv.URL).DeleteSession(context.Background(), "s1")
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

type failingTokens struct{}

func (failingTokens) Token() (string, error) { return "", errors.New("no token on disk") }

func TestTokenSourceErrorStopsRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	_, err := client.New(srv.URL, client.WithTokenSource(failingTokens{})).ListSessions(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load token")
	assert.Zero(t, hits.Load(), "no request should be sent without a token")
}

func TestSubscribeSession(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/sessions/s1/events", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		for _, sender := range []models.Sender{models.SenderUser, models.SenderAssistant} {
			assert.NoError(t, conn.WriteJSON(models.SessionEvent{
				Type:      models.EventTypeMessage,
				SessionID: "s1",
				Message:   &models.Message{ID: string(sender), Sender: sender},
			}))
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	c := client.New(srv.URL+"/api", client.WithTokenSource(client.StaticToken("secret")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var senders []models.Sender
	err := c.SubscribeSession(ctx, "s1", func(event models.SessionEvent) error {
		senders = append(senders, event.Message.Sender)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []models.Sender{models.SenderUser, models.SenderAssistant}, senders)
}

func TestSubscribeSessionUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
	}))
	defer srv.Close()

	var calls atomic.Int32
	c := client.New(srv.URL, client.WithUnauthorizedHandler(func() { calls.Add(1) }))

	err := c.SubscribeSession(context.Background(), "s1", func(models.SessionEvent) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrUnauthorized)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTimeoutOption(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := client.New(srv.URL, client.WithTimeout(50*time.Millisecond))
	_, err := c.ListSessions(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Client.Timeout")
}
