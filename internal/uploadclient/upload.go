package uploadclient

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orthodoxlms/backend/internal/provider"
)

// Phase is the coarse stage of one upload.
type Phase string

const (
	PhaseUploading  Phase = "uploading"
	PhaseProcessing Phase = "processing"
)

// Update is reported to an upload observer.
type Update struct {
	Phase      Phase
	BytesSent  int64
	BytesTotal int64
	Event      *Event
}

// UploadInput describes one video to upload.
type UploadInput struct {
	LessonID    uuid.UUID
	Body        io.ReadSeeker
	Size        int64
	ContentType string
	Metadata    map[string]string
	Override    bool
}

// Result is the terminal state of an upload.
type Result struct {
	LessonID     uuid.UUID
	SessionID    uuid.UUID
	UploadID     string
	Status       string
	PlaybackID   string
	ErrorKind    string
	ErrorMessage string
	Version      int64
}

// Upload runs the whole contract for one file: session, progress
// subscription, PUT, finished signal and wait for complete or failed.
// A failed video returns the result together with ErrVideoFailed.
func (c *Client) Upload(ctx context.Context, in UploadInput, observe func(Update)) (*Result, error) {
	if observe == nil {
		observe = func(Update) {}
	}
	if err := c.CheckSize(in.Size); err != nil {
		return nil, err
	}
	contentType := in.ContentType
	if contentType == "" {
		ct, err := DetectContentType(in.Body)
		if err != nil {
			return nil, provider.NewError(provider.KindPermanent, "detect_content_type", err)
		}
		if !IsMedia(ct) {
			return nil, provider.NewError(provider.KindPermanent, "detect_content_type",
				fmt.Errorf("%w: %s is not a video", ErrClientInvalid, ct))
		}
		contentType = ct
	}

	sess, err := c.RequestSession(ctx, in.LessonID, in.Metadata, in.Size, in.Override)
	if err != nil {
		return nil, err
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	events := c.Watch(watchCtx, in.LessonID, 0)

	onProgress := func(sent, total int64) {
		observe(Update{Phase: PhaseUploading, BytesSent: sent, BytesTotal: total})
	}
	for n := 1; ; n++ {
		err = c.Put(ctx, sess, in.Body, in.Size, contentType, onProgress)
		if !errors.Is(err, ErrSessionExpired) || n == maxSessions {
			break
		}
		c.logger.Info("upload session expired, requesting a new one",
			zap.String("lesson_id", in.LessonID.String()), zap.String("upload_id", sess.UploadID))
		if sess, err = c.RequestSession(ctx, in.LessonID, in.Metadata, in.Size, false); err != nil {
			return nil, err
		}
	}
	if err != nil {
		return nil, err
	}
	if err := c.SignalFinished(ctx, sess.SessionID); err != nil {
		c.logger.Debug("finished signal not delivered", zap.String("session_id", sess.SessionID.String()), zap.Error(err))
	}

	res := &Result{LessonID: in.LessonID, SessionID: sess.SessionID, UploadID: sess.UploadID}
	for ev := range events {
		ev := ev
		observe(Update{Phase: PhaseProcessing, Event: &ev})
		if !ev.Terminal() {
			continue
		}
		res.Status, res.Version = ev.Status, ev.Version
		if ev.Type == EventFailed {
			res.ErrorKind, res.ErrorMessage = ev.ErrorKind, ev.ErrorMessage
			return res, provider.NewError(provider.KindPermanent, "upload",
				fmt.Errorf("%w: %s", ErrVideoFailed, ev.ErrorKind))
		}
		res.PlaybackID = ev.PlaybackID
		return res, nil
	}
	err = ctx.Err()
	if err == nil {
		err = errors.New("progress stream closed")
	}
	return nil, provider.Wrap(err, provider.KindTransient, "wait_terminal")
}
