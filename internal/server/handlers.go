package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/martinnss/spik-conversation-service/internal/media"
	"github.com/martinnss/spik-conversation-service/internal/session"
)

// Keepalive timing for stream subscribers. pongWait must exceed pingInterval
// so a responsive client never hits the read deadline. Variables so tests can
// shorten them.
var (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
)

// Session is the controller surface the HTTP layer drives.
type Session interface {
	Start(ctx context.Context, levelID *int, speakingSpeed float64) error
	Stop()
	SetMuted(muted bool)
	ToggleMute()
	Muted() bool
	SendText(text string) error
	RequestResponse() error
	Status() session.Status
}

// SessionHandler exposes the conversation session over HTTP and websocket.
type SessionHandler struct {
	sess     Session
	hub      *Hub
	profile  media.CaptureProfile
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewSessionHandler(sess Session, hub *Hub, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		sess:    sess,
		hub:     hub,
		profile: media.DefaultCaptureProfile(),
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type startRequest struct {
	LevelID       *int    `json:"level_id"`
	SpeakingSpeed float64 `json:"speaking_speed"`
}

func (h *SessionHandler) Start(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	if req.SpeakingSpeed <= 0 {
		req.SpeakingSpeed = 1.0
	}

	if err := h.sess.Start(c.Request.Context(), req.LevelID, req.SpeakingSpeed); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"state": h.sess.Status().State})
}

func (h *SessionHandler) Stop(c *gin.Context) {
	h.sess.Stop()
	c.JSON(http.StatusOK, gin.H{"state": h.sess.Status().State})
}

type muteRequest struct {
	Muted bool `json:"muted"`
}

func (h *SessionHandler) Mute(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	h.sess.SetMuted(req.Muted)
	c.JSON(http.StatusOK, gin.H{"muted": h.sess.Muted()})
}

func (h *SessionHandler) ToggleMute(c *gin.Context) {
	h.sess.ToggleMute()
	c.JSON(http.StatusOK, gin.H{"muted": h.sess.Muted()})
}

type messageRequest struct {
	Text string `json:"text"`
}

func (h *SessionHandler) Message(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	if err := h.sess.SendText(req.Text); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": true})
}

// Evaluate asks the agent for an explicit response turn, used by the level
// evaluation flow.
func (h *SessionHandler) Evaluate(c *gin.Context) {
	if err := h.sess.RequestResponse(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requested": true})
}

func (h *SessionHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.sess.Status())
}

// CaptureProfile tells the capture client how to configure the microphone.
func (h *SessionHandler) CaptureProfile(c *gin.Context) {
	c.JSON(http.StatusOK, h.profile)
}

// Stream upgrades to a websocket and feeds the subscriber session events
// until it disconnects.
func (h *SessionHandler) Stream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	id := uuid.NewString()
	sub := h.hub.Add(id, conn)
	defer func() {
		h.hub.Remove(id)
		conn.Close()
	}()

	h.logger.Debug("Stream subscriber connected", slog.String("client_id", id))

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	_ = sub.writeJSON(gin.H{
		"type":   "hello",
		"ts":     time.Now().UnixMilli(),
		"status": h.sess.Status(),
	})

	// Keepalive pings so idle subscribers survive the read deadline.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := sub.ping(); err != nil {
					return
				}
			}
		}
	}()

	// Inbound messages are ignored; the read loop only detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.logger.Debug("Stream subscriber disconnected", slog.String("client_id", id))
			return
		}
	}
}
