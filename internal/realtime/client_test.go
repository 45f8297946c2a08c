package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orthodoxlms/backend/internal/models"
)

var (
	author   = uuid.New()
	stranger = uuid.New()
)

func validateToken(token string) (uuid.UUID, string, error) {
	switch token {
	case "author":
		return author, "teacher", nil
	case "stranger":
		return stranger, "teacher", nil
	}
	return uuid.Nil, "", errors.New("bad token")
}

func onlyAuthor(_ context.Context, subjectID uuid.UUID, _ string, _ uuid.UUID) (bool, error) {
	return subjectID == author, nil
}

func progressServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/progress", ServeWs(hub, nil, validateToken, onlyAuthor))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(srv *httptest.Server, query string) (*websocket.Conn, *http.Response, error) {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/progress?" + query
	return websocket.DefaultDialer.Dial(u, nil)
}

func TestProgressSocketStreamsFrames(t *testing.T) {
	hub := NewHub(nil, 8, nil, nil)
	srv := progressServer(t, hub)
	lessonID := uuid.New()

	conn, _, err := dial(srv, "lessonId="+lessonID.String()+"&token=author")
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.SubscriberCount(lessonID) == 1 }, time.Second, 5*time.Millisecond)
	hub.Publish(change(lessonID, 1, models.VideoStatusProcessing, 60))
	hub.Publish(models.StateChanged{LessonID: lessonID, Version: 2, Status: models.VideoStatusReady, Progress: 100, PlaybackID: "P"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, FrameProgress, f.Type)
	assert.Equal(t, 60, f.Progress)
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, FrameComplete, f.Type)
	assert.Equal(t, "P", f.PlaybackID)

	// closing the socket releases the subscription
	conn.Close()
	assert.Eventually(t, func() bool { return hub.SubscriberCount(lessonID) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestProgressSocketRejects(t *testing.T) {
	hub := NewHub(nil, 8, nil, nil)
	srv := progressServer(t, hub)
	lessonID := uuid.New().String()

	for name, tc := range map[string]struct {
		query  string
		status int
	}{
		"missing token": {"lessonId=" + lessonID, http.StatusBadRequest},
		"bad lesson":    {"lessonId=nope&token=author", http.StatusBadRequest},
		"bad since":     {"lessonId=" + lessonID + "&token=author&sinceVersion=x", http.StatusBadRequest},
		"bad token":     {"lessonId=" + lessonID + "&token=forged", http.StatusUnauthorized},
		"not allowed":   {"lessonId=" + lessonID + "&token=stranger", http.StatusForbidden},
	} {
		_, resp, err := dial(srv, tc.query)
		require.Error(t, err, name)
		require.NotNil(t, resp, name)
		assert.Equal(t, tc.status, resp.StatusCode, name)
	}
}
