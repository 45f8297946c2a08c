// Package uploadclient is a Go authoring client for the video pipeline. It
// follows the documented upload contract: request a session, subscribe to
// progress, PUT the bytes, optionally signal completion and wait for the
// terminal event.
package uploadclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orthodoxlms/backend/internal/provider"
)

// Client errors. They are wrapped in *provider.Error carrying the kind.
var (
	ErrClientInvalid  = errors.New("client-invalid")
	ErrSessionExpired = errors.New("upload session expired")
	ErrVideoFailed    = errors.New("video processing failed")
)

// Defaults for Config.
const (
	DefaultMinBytes     = 1024
	DefaultMaxBytes     = 5 << 30
	DefaultPollInterval = 5 * time.Second
	DefaultRetryBackoff = 2 * time.Second
	maxSessions         = 3
)

// Config configures a Client.
type Config struct {
	BaseURL      string
	Token        string
	HTTPClient   *http.Client
	Dialer       *websocket.Dialer
	MinBytes     int64
	MaxBytes     int64
	PollInterval time.Duration
	RetryBackoff time.Duration
}

// Client talks to the video API on behalf of one authenticated author.
type Client struct {
	base   *url.URL
	cfg    Config
	http   *http.Client
	dialer *websocket.Dialer
	logger *zap.Logger
}

// New creates a client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = DefaultMinBytes
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	c := &Client{base: base, cfg: cfg, http: cfg.HTTPClient, dialer: cfg.Dialer, logger: logger}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	return c, nil
}

// Session is an issued direct-upload target.
type Session struct {
	UploadURL string    `json:"uploadUrl"`
	UploadID  string    `json:"uploadId"`
	LessonID  uuid.UUID `json:"lessonId"`
	SessionID uuid.UUID `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
	Reused    bool      `json:"reused"`
}

// Status is the polled state of a lesson video.
type Status struct {
	LessonID        uuid.UUID `json:"lessonId"`
	Status          string    `json:"status"`
	Progress        int       `json:"progress"`
	PlaybackID      string    `json:"playbackId,omitempty"`
	DurationSeconds *float64  `json:"durationSeconds,omitempty"`
	ErrorKind       string    `json:"errorKind,omitempty"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
	Version         int64     `json:"version"`
}

// APIError is a non-2xx response from the video API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api %d: %s", e.StatusCode, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

// CheckSize rejects payloads the server would refuse.
func (c *Client) CheckSize(size int64) error {
	if size <= 0 || size < c.cfg.MinBytes || size > c.cfg.MaxBytes {
		return provider.NewError(provider.KindPermanent, "check_size",
			fmt.Errorf("%w: size %d outside [%d, %d]", ErrClientInvalid, size, c.cfg.MinBytes, c.cfg.MaxBytes))
	}
	return nil
}

// DetectContentType sniffs r and rewinds it.
func DetectContentType(r io.ReadSeeker) (string, error) {
	m, err := mimetype.DetectReader(r)
	if err != nil {
		return "", err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return m.String(), nil
}

// IsMedia reports whether a detected content type can be a lesson video.
func IsMedia(contentType string) bool {
	return strings.HasPrefix(contentType, "video/") || strings.HasPrefix(contentType, "audio/")
}

// RequestSession asks for an upload session for lessonID.
func (c *Client) RequestSession(ctx context.Context, lessonID uuid.UUID, metadata map[string]string, size int64, override bool) (*Session, error) {
	body := map[string]interface{}{
		"lessonId": lessonID.String(),
		"metadata": metadata,
		"override": override,
	}
	if size > 0 {
		body["sizeBytes"] = size
	}
	var s Session
	if err := c.call(ctx, "request_session", http.MethodPost, "/videos/mux/upload-url", body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SignalFinished tells the server the PUT completed. It is advisory.
func (c *Client) SignalFinished(ctx context.Context, sessionID uuid.UUID) error {
	return c.call(ctx, "signal_finished", http.MethodPost, "/videos/uploads/"+sessionID.String()+"/finished", nil, nil)
}

// Status polls the lesson's video state.
func (c *Client) Status(ctx context.Context, lessonID uuid.UUID) (*Status, error) {
	var s Status
	if err := c.call(ctx, "status", http.MethodGet, "/videos/"+lessonID.String()+"/status", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) call(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	resp, err := c.http.Do(req)
	if err != nil {
		return provider.Wrap(err, provider.KindTransient, op)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return provider.Wrap(err, provider.KindTransient, op)
	}
	var env envelope
	_ = json.Unmarshal(raw, &env)
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: env.Code, Message: env.Error}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return provider.NewError(kindForAPI(apiErr), op, apiErr)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return provider.NewError(provider.KindMalformed, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func kindForAPI(e *APIError) provider.ErrorKind {
	switch e.Code {
	case string(provider.KindQuotaExceeded):
		return provider.KindQuotaExceeded
	case string(provider.KindTransient):
		return provider.KindTransient
	}
	return provider.KindForStatus(e.StatusCode)
}

// progressReader reports bytes read.
type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.fn != nil {
			p.fn(p.sent, p.total)
		}
	}
	return n, err
}

// Put uploads body to the session's PUT URL. Network failures, 5xx and 429
// are retried on the same URL until the session expires, after which
// ErrSessionExpired is returned and a new session must be requested.
func (c *Client) Put(ctx context.Context, s *Session, body io.ReadSeeker, size int64, contentType string, onProgress func(sent, total int64)) error {
	const op = "put"
	if err := c.CheckSize(size); err != nil {
		return err
	}
	for attempt := 1; ; attempt++ {
		if !time.Now().Before(s.ExpiresAt) {
			return provider.NewError(provider.KindTransient, op, ErrSessionExpired)
		}
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return provider.NewError(provider.KindPermanent, op, err)
		}
		err := c.putOnce(ctx, s, &progressReader{r: body, total: size, fn: onProgress}, size, contentType)
		if err == nil {
			return nil
		}
		if !provider.IsRetryable(err) || ctx.Err() != nil {
			return err
		}
		c.logger.Warn("put failed, retrying", zap.String("upload_id", s.UploadID), zap.Int("attempt", attempt), zap.Error(err))
		wait := c.cfg.RetryBackoff
		if left := time.Until(s.ExpiresAt); left < wait {
			wait = left
		}
		select {
		case <-ctx.Done():
			return provider.Wrap(ctx.Err(), provider.KindTransient, op)
		case <-time.After(wait):
		}
	}
}

func (c *Client) putOnce(ctx context.Context, s *Session, body io.Reader, size int64, contentType string) error {
	const op = "put"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.UploadURL, body)
	if err != nil {
		return provider.NewError(provider.KindPermanent, op, err)
	}
	req.ContentLength = size
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return provider.Wrap(err, provider.KindTransient, op)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return provider.NewError(provider.KindForStatus(resp.StatusCode), op, fmt.Errorf("put status %d", resp.StatusCode))
	}
	return nil
}
