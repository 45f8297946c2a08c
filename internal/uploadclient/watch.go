package uploadclient

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event types carried on the progress channel.
const (
	EventProgress = "progress"
	EventComplete = "complete"
	EventFailed   = "failed"
)

// Event is one progress frame, or the equivalent of a polled status.
type Event struct {
	Type         string `json:"type"`
	Version      int64  `json:"version"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	PlaybackID   string `json:"playbackId,omitempty"`
	ErrorKind    string `json:"errorKind,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	// Polled is set when the event came from GET status instead of the socket.
	Polled bool `json:"-"`
}

// Terminal reports whether the event ends the lifecycle.
func (e Event) Terminal() bool { return e.Type == EventComplete || e.Type == EventFailed }

func eventFromStatus(s *Status) Event {
	ev := Event{
		Version:  s.Version,
		Status:   s.Status,
		Progress: s.Progress,
		Polled:   true,
	}
	switch s.Status {
	case "ready":
		ev.Type = EventComplete
		ev.PlaybackID = s.PlaybackID
	case "error":
		ev.Type = EventFailed
		ev.ErrorKind = s.ErrorKind
		ev.ErrorMessage = s.ErrorMessage
	default:
		ev.Type = EventProgress
	}
	return ev
}

func (c *Client) progressURL(lessonID uuid.UUID, since int64) string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/progress"
	q := u.Query()
	q.Set("lessonId", lessonID.String())
	q.Set("token", c.cfg.Token)
	if since > 0 {
		q.Set("sinceVersion", strconv.FormatInt(since, 10))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) dial(ctx context.Context, lessonID uuid.UUID, since int64) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.progressURL(lessonID, since), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// Watch streams the lesson's progress events in strictly increasing version
// order, starting after sinceVersion. The socket is dialled before Watch
// returns so a caller that watches before uploading misses nothing. When the
// socket is unavailable the status endpoint is polled until it returns. The
// channel closes after a terminal event or when ctx is done.
func (c *Client) Watch(ctx context.Context, lessonID uuid.UUID, sinceVersion int64) <-chan Event {
	out := make(chan Event, 16)
	conn, err := c.dial(ctx, lessonID, sinceVersion)
	if err != nil {
		c.logger.Warn("progress socket unavailable, polling", zap.String("lesson_id", lessonID.String()), zap.Error(err))
	}
	go c.watch(ctx, lessonID, sinceVersion, conn, out)
	return out
}

func (c *Client) watch(ctx context.Context, lessonID uuid.UUID, last int64, conn *websocket.Conn, out chan<- Event) {
	defer close(out)
	emit := func(ev Event) bool {
		if ev.Version <= last {
			return true
		}
		last = ev.Version
		select {
		case out <- ev:
		case <-ctx.Done():
			return false
		}
		return !ev.Terminal()
	}

	for {
		if conn != nil {
			cont := c.readFrames(ctx, conn, emit)
			conn.Close()
			if !cont {
				return
			}
		}
		if st, err := c.Status(ctx, lessonID); err == nil {
			if !emit(eventFromStatus(st)) {
				return
			}
		} else if ctx.Err() == nil {
			c.logger.Debug("status poll failed", zap.String("lesson_id", lessonID.String()), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.PollInterval):
		}
		var err error
		conn, err = c.dial(ctx, lessonID, last)
		if err != nil {
			conn = nil
		}
	}
}

// readFrames forwards socket frames until the socket fails or emit says stop.
// It reports whether watching should continue.
func (c *Client) readFrames(ctx context.Context, conn *websocket.Conn, emit func(Event) bool) bool {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			return ctx.Err() == nil
		}
		if !emit(ev) {
			return false
		}
	}
}
