package realtime

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orthodoxlms/backend/internal/models"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the token query parameter authenticates the socket
	},
}

// Frame types sent to progress subscribers.
const (
	FrameProgress = "progress"
	FrameComplete = "complete"
	FrameFailed   = "failed"
)

// Frame is the JSON message written to a progress socket.
type Frame struct {
	Type         string             `json:"type"`
	LessonID     uuid.UUID          `json:"lessonId"`
	Version      int64              `json:"version"`
	Status       models.VideoStatus `json:"status"`
	Progress     int                `json:"progress"`
	PlaybackID   string             `json:"playbackId,omitempty"`
	ErrorKind    string             `json:"errorKind,omitempty"`
	ErrorMessage string             `json:"errorMessage,omitempty"`
}

// FrameOf maps a state change to its wire frame.
func FrameOf(c models.StateChanged) Frame {
	f := Frame{
		Type:     FrameProgress,
		LessonID: c.LessonID,
		Version:  c.Version,
		Status:   c.Status,
		Progress: c.Progress,
	}
	switch c.Status {
	case models.VideoStatusReady:
		f.Type = FrameComplete
		f.PlaybackID = c.PlaybackID
	case models.VideoStatusError:
		f.Type = FrameFailed
		f.ErrorKind = c.ErrorKind
		f.ErrorMessage = c.ErrorMessage
	}
	return f
}

// TokenValidator resolves a bearer token to its subject and role.
type TokenValidator func(token string) (subjectID uuid.UUID, role string, err error)

// ObservePredicate decides whether a subject may watch a lesson.
type ObservePredicate func(ctx context.Context, subjectID uuid.UUID, role string, lessonID uuid.UUID) (bool, error)

// Client is one websocket connection watching a lesson.
type Client struct {
	ID        string
	LessonID  uuid.UUID
	SubjectID uuid.UUID
	conn      *websocket.Conn
	sub       *Subscription
	logger    *zap.Logger
}

// ServeWs handles GET /progress?lessonId=...&sinceVersion=...&token=...
func ServeWs(hub *Hub, logger *zap.Logger, validate TokenValidator, canObserve ObservePredicate) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		lessonIDStr := c.Query("lessonId")
		token := c.Query("token")
		if lessonIDStr == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "lessonId and token required"})
			return
		}
		lessonID, err := uuid.Parse(lessonIDStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid lessonId"})
			return
		}
		var since int64
		if s := c.Query("sinceVersion"); s != "" {
			since, err = strconv.ParseInt(s, 10, 64)
			if err != nil || since < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sinceVersion"})
				return
			}
		}
		subjectID, role, err := validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if canObserve != nil {
			ok, err := canObserve(c.Request.Context(), subjectID, role, lessonID)
			if err != nil {
				logger.Error("observe check failed", zap.String("lesson_id", lessonID.String()), zap.Error(err))
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable"})
				return
			}
			if !ok {
				c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
				return
			}
		}

		// subscribe before upgrading so a failed snapshot read is a plain HTTP error
		sub, err := hub.Subscribe(c.Request.Context(), lessonID, since)
		if err != nil {
			logger.Error("progress subscribe failed", zap.String("lesson_id", lessonID.String()), zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable"})
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			sub.Close()
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:        sub.ID,
			LessonID:  lessonID,
			SubjectID: subjectID,
			conn:      conn,
			sub:       sub,
			logger:    logger,
		}
		ctx, cancel := context.WithCancel(context.Background())
		go client.readPump(cancel)
		client.writePump(ctx)
	}
}

// readPump discards inbound frames and cancels ctx when the peer goes away
// or stops answering pings.
func (c *Client) readPump(cancel context.CancelFunc) {
	defer cancel()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump(ctx context.Context) {
	defer func() {
		c.sub.Close()
		_ = c.conn.Close()
	}()

	// WriteControl may run concurrently with WriteJSON
	go func() {
		ticker := time.NewTicker(PingInterval * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		change, err := c.sub.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				c.logger.Debug("progress socket closed", zap.String("subscriber_id", c.ID), zap.String("lesson_id", c.LessonID.String()))
			}
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(FrameOf(change)); err != nil {
			return
		}
	}
}
