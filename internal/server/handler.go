package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/statdesk/internal/models"
)

// writeWait bounds each WebSocket write.
const writeWait = 5 * time.Second

type sendMessageRequest struct {
	Message     string   `json:"message"`
	SessionID   *string  `json:"session_id"`
	DocumentIDs []string `json:"document_ids"`
}

type createSessionRequest struct {
	Name string `json:"name"`
}

// sendMessage stores the user message, starts a reply and acknowledges with the stored message.
func (s *Server) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	content := strings.TrimSpace(req.Message)
	if content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message must not be empty"})
		return
	}
	if _, err := s.store.Documents(req.DocumentIDs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown document"})
		return
	}

	var sessionID string
	if req.SessionID != nil && *req.SessionID != "" {
		sessionID = *req.SessionID
		if _, err := s.store.GetSession(sessionID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
	} else {
		session := s.store.CreateSession(models.SessionNameFromMessage(content))
		sessionID = session.ID
		s.logger.Info("session created", "session_id", sessionID, "name", session.Name)
	}

	msg, err := s.store.AppendMessage(sessionID, models.SenderUser, content)
	if errors.Is(err, ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store message"})
		return
	}

	s.worker.Enqueue(sessionID, req.DocumentIDs)
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.ListSessions())
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}
	c.JSON(http.StatusCreated, s.store.CreateSession(req.Name))
}

func (s *Server) getSession(c *gin.Context) {
	session, err := s.store.GetSession(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) deleteSession(c *gin.Context) {
	if err := s.store.DeleteSession(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listDocuments(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.ListDocuments())
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.Snapshot())
}

// sessionEvents streams a session's events over a WebSocket. The first frame
// is always "subscribed", sent once the subscription is live, so a client can
// fetch the session without missing anything published afterwards.
func (s *Server) sessionEvents(c *gin.Context) {
	sessionID := c.Param("id")
	events, unsubscribe, err := s.store.Subscribe(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error response.
		s.logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close()

	write := func(event models.SessionEvent) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(event)
	}

	if err := write(models.SessionEvent{Type: models.EventTypeSubscribed, SessionID: sessionID}); err != nil {
		return
	}
	s.logger.Debug("subscriber connected", "session_id", sessionID)

	// Reads only detect the peer going away; clients never send frames.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				s.closeStream(conn)
				return
			}
			if err := write(event); err != nil {
				s.logger.Debug("subscriber write failed", "session_id", sessionID, "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			s.logger.Debug("subscriber disconnected", "session_id", sessionID)
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (s *Server) closeStream(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
		time.Now().Add(writeWait))
}
