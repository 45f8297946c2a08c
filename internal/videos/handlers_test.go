package videos_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orthodoxlms/backend/internal/models"
	"github.com/orthodoxlms/backend/internal/provider"
	"github.com/orthodoxlms/backend/internal/videos"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memoryObjects) Upload(_ context.Context, key, _ string, body io.Reader, _ int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = b
	return "https://cdn.test/" + key, nil
}

func videoRouter(h *harness, objects videos.ObjectUploader) *gin.Engine {
	handler := videos.NewHandler(h.sessions, h.store, h.lessons, h.fake, h.scheduler, nil)
	if objects != nil {
		handler.SetObjectUploader(objects)
	}
	r := gin.New()
	r.POST("/videos/mux/upload-url", handler.CreateUploadURL)
	r.POST("/videos/uploads/:sessionId/finished", handler.ClientFinished)
	r.GET("/videos/:lessonId/status", handler.Status)
	r.GET("/videos/:lessonId/playback", handler.Playback)
	r.POST("/videos/:lessonId/subtitle", handler.UploadSubtitle)
	r.GET("/videos/:lessonId/subtitles", handler.ListSubtitles)
	r.DELETE("/videos/:lessonId/asset", handler.DeleteAsset)
	return r
}

func do(t *testing.T, r *gin.Engine, method, path string, body io.Reader, contentType string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func postJSON(t *testing.T, r *gin.Engine, path string, v interface{}) (int, envelope) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return do(t, r, http.MethodPost, path, bytes.NewReader(b), "application/json")
}

func TestCreateUploadURL(t *testing.T) {
	h := newHarness(t)
	r := videoRouter(h, nil)

	code, env := postJSON(t, r, "/videos/mux/upload-url", gin.H{"lessonId": h.lessonID.String()})
	require.Equal(t, http.StatusCreated, code)
	var first videos.UploadURLResponse
	require.NoError(t, json.Unmarshal(env.Data, &first))
	assert.NotEmpty(t, first.UploadURL)
	assert.Equal(t, h.lessonID, first.LessonID)
	assert.False(t, first.ExpiresAt.IsZero())

	code, env = postJSON(t, r, "/videos/mux/upload-url", gin.H{"lessonId": h.lessonID.String()})
	require.Equal(t, http.StatusOK, code)
	var again videos.UploadURLResponse
	require.NoError(t, json.Unmarshal(env.Data, &again))
	assert.Equal(t, first.UploadID, again.UploadID)
	assert.True(t, again.Reused)
}

func TestCreateUploadURLErrors(t *testing.T) {
	h := newHarness(t)
	r := videoRouter(h, nil)
	closed := uuid.New()
	h.lessons.Put(models.Lesson{ID: closed, Status: models.LessonStatusArchived})

	code, _ := postJSON(t, r, "/videos/mux/upload-url", gin.H{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = postJSON(t, r, "/videos/mux/upload-url", gin.H{"lessonId": "nope"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = postJSON(t, r, "/videos/mux/upload-url", gin.H{"lessonId": uuid.New().String()})
	assert.Equal(t, http.StatusNotFound, code)

	code, env := postJSON(t, r, "/videos/mux/upload-url", gin.H{"lessonId": closed.String()})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, videos.CodeLessonClosed, env.Code)

	code, env = postJSON(t, r, "/videos/mux/upload-url", gin.H{"lessonId": h.lessonID.String(), "sizeBytes": 0})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, videos.KindClientInvalid, env.Code)

	h.fake.SetCreateError(provider.NewError(provider.KindQuotaExceeded, "create_direct_upload", errors.New("429")))
	code, env = postJSON(t, r, "/videos/mux/upload-url", gin.H{"lessonId": h.lessonID.String()})
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, string(provider.KindQuotaExceeded), env.Code)

	h.fake.SetCreateError(provider.NewError(provider.KindAuthFailed, "create_direct_upload", errors.New("401")))
	code, env = postJSON(t, r, "/videos/mux/upload-url", gin.H{"lessonId": h.lessonID.String()})
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, videos.CodeUnavailable, env.Code)
}

func TestCreateUploadURLConflict(t *testing.T) {
	h := newHarness(t)
	r := videoRouter(h, nil)
	up := h.requestSession().Session.UploadID
	h.mustDeliver(uploadCreated("e1", up))

	code, env := postJSON(t, r, "/videos/mux/upload-url", gin.H{"lessonId": h.lessonID.String()})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, videos.CodeSessionConflict, env.Code)

	code, _ = postJSON(t, r, "/videos/mux/upload-url", gin.H{"lessonId": h.lessonID.String(), "override": true})
	assert.Equal(t, http.StatusCreated, code)
}

func TestCreateUploadURLAfterExpiredUpload(t *testing.T) {
	h := newHarness(t)
	r := videoRouter(h, nil)
	up := h.requestSession().Session.UploadID
	h.mustDeliver(uploadCreated("e1", up))

	h.advance(31 * time.Minute)
	code, env := postJSON(t, r, "/videos/mux/upload-url", gin.H{"lessonId": h.lessonID.String()})
	require.Equal(t, http.StatusCreated, code, env.Error)
	var res videos.UploadURLResponse
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.NotEqual(t, up, res.UploadID)
	assert.False(t, res.Reused)
}

func TestStatusEndpoint(t *testing.T) {
	h := newHarness(t)
	r := videoRouter(h, nil)

	code, env := do(t, r, http.MethodGet, "/videos/"+h.lessonID.String()+"/status", nil, "")
	require.Equal(t, http.StatusOK, code)
	var st videos.StatusResponse
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, models.VideoStatusNone, st.Status)
	assert.Equal(t, int64(0), st.Version)

	up := h.requestSession().Session.UploadID
	h.fake.SetPlayback("A", "P", 12.5)
	h.mustDeliver(readyFor("r1", up, "A"))

	code, env = do(t, r, http.MethodGet, "/videos/"+h.lessonID.String()+"/status", nil, "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, models.VideoStatusReady, st.Status)
	assert.Equal(t, "P", st.PlaybackID)
	require.NotNil(t, st.DurationSeconds)
	assert.Equal(t, 12.5, *st.DurationSeconds)
	assert.Equal(t, 100, st.Progress)

	code, _ = do(t, r, http.MethodGet, "/videos/bogus/status", nil, "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestClientFinishedEndpoint(t *testing.T) {
	h := newHarness(t)
	r := videoRouter(h, nil)
	sess := h.requestSession().Session

	code, _ := do(t, r, http.MethodPost, "/videos/uploads/"+sess.ID.String()+"/finished", nil, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.VideoStatusUploading, h.record().Status)

	code, _ = do(t, r, http.MethodPost, "/videos/uploads/"+uuid.New().String()+"/finished", nil, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPlaybackEndpoint(t *testing.T) {
	h := newHarness(t)
	r := videoRouter(h, nil)
	path := "/videos/" + h.lessonID.String() + "/playback"

	code, _ := do(t, r, http.MethodGet, path, nil, "")
	assert.Equal(t, http.StatusNotFound, code)

	up := h.requestSession().Session.UploadID
	code, _ = do(t, r, http.MethodGet, path, nil, "")
	assert.Equal(t, http.StatusNotFound, code)

	h.fake.SetPlayback("A", "P", 30)
	h.mustDeliver(readyFor("r1", up, "A"))
	code, env := do(t, r, http.MethodGet, path, nil, "")
	require.Equal(t, http.StatusOK, code)
	var pb videos.PlaybackResponse
	require.NoError(t, json.Unmarshal(env.Data, &pb))
	assert.Equal(t, "P", pb.PlaybackID)
	assert.Equal(t, "https://stream.test/P.m3u8", pb.StreamURL)
	assert.Equal(t, 30.0, pb.DurationSeconds)
}

func TestDeleteAssetEndpoint(t *testing.T) {
	h := newHarness(t)
	r := videoRouter(h, nil)
	path := "/videos/" + h.lessonID.String() + "/asset"

	code, _ := do(t, r, http.MethodDelete, path, nil, "")
	assert.Equal(t, http.StatusNotFound, code)

	up := h.requestSession().Session.UploadID
	h.fake.SetPlayback("A", "P", 30)
	h.mustDeliver(readyFor("r1", up, "A"))

	code, _ = do(t, r, http.MethodDelete, path, nil, "")
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, []string{"A"}, h.scheduler.deletedAssets())
	// the record changes only once the provider confirms the delete
	assert.Equal(t, models.VideoStatusReady, h.record().Status)
}

func multipartSubtitle(t *testing.T, code, name, content string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("languageCode", code))
	require.NoError(t, mw.WriteField("languageName", name))
	fw, err := mw.CreateFormFile("file", "captions.srt")
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

const sampleSRT = "1\r\n00:00:01,000 --> 00:00:04,500\r\nBlessed is our God\r\n\r\n2\r\n00:00:05,000 --> 00:00:07,250\r\nAmen\r\n"

func TestSubtitleEndpoints(t *testing.T) {
	h := newHarness(t)
	objects := &memoryObjects{}
	r := videoRouter(h, objects)
	path := "/videos/" + h.lessonID.String() + "/subtitle"

	body, ct := multipartSubtitle(t, "en", "English", sampleSRT)
	code, env := do(t, r, http.MethodPost, path, body, ct)
	require.Equal(t, http.StatusOK, code, env.Error)
	var sub models.Subtitle
	require.NoError(t, json.Unmarshal(env.Data, &sub))
	assert.Equal(t, "en", sub.LanguageCode)
	key := "subtitles/" + h.lessonID.String() + "/en.vtt"
	assert.Equal(t, "https://cdn.test/"+key, sub.URL)
	stored := string(objects.objects[key])
	assert.True(t, strings.HasPrefix(stored, "WEBVTT"))
	assert.Contains(t, stored, "00:00:01.000 --> 00:00:04.500")

	// same language replaces the track
	body, ct = multipartSubtitle(t, "en", "English (revised)", sampleSRT)
	code, _ = do(t, r, http.MethodPost, path, body, ct)
	require.Equal(t, http.StatusOK, code)

	code, env = do(t, r, http.MethodGet, "/videos/"+h.lessonID.String()+"/subtitles", nil, "")
	require.Equal(t, http.StatusOK, code)
	var subs []models.Subtitle
	require.NoError(t, json.Unmarshal(env.Data, &subs))
	require.Len(t, subs, 1)
	assert.Equal(t, "English (revised)", subs[0].LanguageName)

	body, ct = multipartSubtitle(t, "en", "English", "just some words")
	code, env = do(t, r, http.MethodPost, path, body, ct)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, videos.KindClientInvalid, env.Code)

	body, ct = multipartSubtitle(t, "not a language!", "?", sampleSRT)
	code, _ = do(t, r, http.MethodPost, path, body, ct)
	assert.Equal(t, http.StatusBadRequest, code)

	body, ct = multipartSubtitle(t, "en", "English", sampleSRT)
	code, _ = do(t, r, http.MethodPost, "/videos/"+uuid.New().String()+"/subtitle", body, ct)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSubtitleUploadWithoutStorage(t *testing.T) {
	h := newHarness(t)
	r := videoRouter(h, nil)
	body, ct := multipartSubtitle(t, "en", "English", sampleSRT)
	code, _ := do(t, r, http.MethodPost, "/videos/"+h.lessonID.String()+"/subtitle", body, ct)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}
