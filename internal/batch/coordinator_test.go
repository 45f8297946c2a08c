package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orthodoxlms/backend/internal/provider"
	"github.com/orthodoxlms/backend/internal/uploadclient"
)

type memSource struct{ *bytes.Reader }

func (memSource) Close() error { return nil }

func memOpener(files map[string][]byte) Opener {
	return func(path string) (Source, int64, error) {
		b, ok := files[path]
		if !ok {
			return nil, 0, os.ErrNotExist
		}
		return memSource{bytes.NewReader(b)}, int64(len(b)), nil
	}
}

type step func(in uploadclient.UploadInput, observe func(uploadclient.Update)) (*uploadclient.Result, error)

type fakeUploader struct {
	steps map[uuid.UUID][]step
	calls []uploadclient.UploadInput
}

func (f *fakeUploader) Upload(_ context.Context, in uploadclient.UploadInput, observe func(uploadclient.Update)) (*uploadclient.Result, error) {
	f.calls = append(f.calls, in)
	steps := f.steps[in.LessonID]
	if len(steps) == 0 {
		return nil, errors.New("unexpected upload")
	}
	s := steps[0]
	if len(steps) > 1 {
		f.steps[in.LessonID] = steps[1:]
	}
	return s(in, observe)
}

func ok(playbackID string) step {
	return func(in uploadclient.UploadInput, observe func(uploadclient.Update)) (*uploadclient.Result, error) {
		observe(uploadclient.Update{Phase: uploadclient.PhaseUploading, BytesSent: in.Size, BytesTotal: in.Size})
		observe(uploadclient.Update{Phase: uploadclient.PhaseProcessing, Event: &uploadclient.Event{Type: uploadclient.EventProgress, Version: 2}})
		return &uploadclient.Result{LessonID: in.LessonID, Status: "ready", PlaybackID: playbackID}, nil
	}
}

func fail(kind provider.ErrorKind) step {
	return func(uploadclient.UploadInput, func(uploadclient.Update)) (*uploadclient.Result, error) {
		return nil, provider.NewError(kind, "test", fmt.Errorf("%s failure", kind))
	}
}

func videoFailed(kind string) step {
	return func(in uploadclient.UploadInput, observe func(uploadclient.Update)) (*uploadclient.Result, error) {
		observe(uploadclient.Update{Phase: uploadclient.PhaseProcessing, Event: &uploadclient.Event{Type: uploadclient.EventFailed, Version: 3}})
		return &uploadclient.Result{LessonID: in.LessonID, Status: "error", ErrorKind: kind, ErrorMessage: "bad input"},
			provider.NewError(provider.KindPermanent, "upload", fmt.Errorf("%w: %s", uploadclient.ErrVideoFailed, kind))
	}
}

func newFixture(n int) ([]Item, map[string][]byte) {
	items := make([]Item, n)
	files := make(map[string][]byte, n)
	for i := range items {
		name := fmt.Sprintf("lesson-%d.mp4", i)
		items[i] = Item{File: name, LessonID: uuid.New(), Title: fmt.Sprintf("Lesson %d", i)}
		files[name] = bytes.Repeat([]byte{byte(i)}, 2048)
	}
	return items, files
}

func TestRunUploadsSequentially(t *testing.T) {
	items, files := newFixture(3)
	up := &fakeUploader{steps: map[uuid.UUID][]step{
		items[0].LessonID: {ok("pb-0")},
		items[1].LessonID: {ok("pb-1")},
		items[2].LessonID: {ok("pb-2")},
	}}
	var states []State
	c := NewCoordinator(up, Config{Open: memOpener(files), Observe: func(r ItemReport) {
		if len(states) == 0 || states[len(states)-1] != r.State {
			states = append(states, r.State)
		}
	}}, nil)

	rep := c.Run(context.Background(), items)

	assert.Equal(t, 3, rep.Completed)
	assert.Zero(t, rep.Failed)
	assert.False(t, rep.Halted)
	for i, ir := range rep.Items {
		assert.Equal(t, StateCompleted, ir.State)
		assert.Equal(t, fmt.Sprintf("pb-%d", i), ir.PlaybackID)
		assert.Equal(t, int64(2048), ir.BytesSent)
	}
	require.Len(t, up.calls, 3)
	for i, call := range up.calls {
		assert.Equal(t, items[i].LessonID, call.LessonID)
		assert.Equal(t, items[i].Title, call.Metadata["title"])
	}
	assert.Equal(t, []State{
		StateUploading, StateProcessing, StateCompleted,
		StateUploading, StateProcessing, StateCompleted,
		StateUploading, StateProcessing, StateCompleted,
	}, states)
}

func TestRunIsolatesItemFailures(t *testing.T) {
	items, files := newFixture(3)
	up := &fakeUploader{steps: map[uuid.UUID][]step{
		items[0].LessonID: {videoFailed("unsupported-format")},
		items[1].LessonID: {fail(provider.KindAuthFailed)},
		items[2].LessonID: {ok("pb-2")},
	}}
	c := NewCoordinator(up, Config{Open: memOpener(files), Backoff: time.Millisecond}, nil)

	rep := c.Run(context.Background(), items)

	assert.Equal(t, 1, rep.Completed)
	assert.Equal(t, 2, rep.Failed)
	assert.Equal(t, StateError, rep.Items[0].State)
	assert.Equal(t, "unsupported-format", rep.Items[0].ErrorKind)
	assert.Equal(t, 1, rep.Items[0].Attempts)
	assert.Equal(t, string(provider.KindAuthFailed), rep.Items[1].ErrorKind)
	assert.Equal(t, 1, rep.Items[1].Attempts)
	assert.Equal(t, StateCompleted, rep.Items[2].State)
}

func TestRunRetriesTransientFailures(t *testing.T) {
	items, files := newFixture(2)
	items[0].Override = true
	up := &fakeUploader{steps: map[uuid.UUID][]step{
		items[0].LessonID: {fail(provider.KindTransient), ok("pb-0")},
		items[1].LessonID: {fail(provider.KindTransient)},
	}}
	c := NewCoordinator(up, Config{Open: memOpener(files), Backoff: time.Millisecond, MaxAttempts: 3}, nil)

	rep := c.Run(context.Background(), items)

	assert.Equal(t, StateCompleted, rep.Items[0].State)
	assert.Equal(t, 2, rep.Items[0].Attempts)
	assert.Equal(t, StateError, rep.Items[1].State)
	assert.Equal(t, 3, rep.Items[1].Attempts)
	assert.Equal(t, string(provider.KindTransient), rep.Items[1].ErrorKind)

	require.Len(t, up.calls, 5)
	assert.True(t, up.calls[0].Override)
	assert.False(t, up.calls[1].Override, "retry must not replace the video again")
}

func TestRunHaltsOnQuota(t *testing.T) {
	items, files := newFixture(4)
	up := &fakeUploader{steps: map[uuid.UUID][]step{
		items[0].LessonID: {ok("pb-0")},
		items[1].LessonID: {fail(provider.KindQuotaExceeded)},
	}}
	c := NewCoordinator(up, Config{Open: memOpener(files), Backoff: time.Millisecond}, nil)

	rep := c.Run(context.Background(), items)

	assert.True(t, rep.Halted)
	assert.Equal(t, 1, rep.Completed)
	assert.Equal(t, 3, rep.Failed)
	assert.Len(t, up.calls, 2)
	for _, ir := range rep.Items[1:] {
		assert.Equal(t, StateError, ir.State)
		assert.Equal(t, string(provider.KindQuotaExceeded), ir.ErrorKind)
	}
	assert.Zero(t, rep.Items[2].Attempts)
	assert.Zero(t, rep.Items[3].Attempts)
}

func TestRunClientInvalidAndMissingFile(t *testing.T) {
	items, files := newFixture(3)
	delete(files, items[1].File)
	items[2].LessonID = uuid.Nil
	up := &fakeUploader{steps: map[uuid.UUID][]step{
		items[0].LessonID: {func(uploadclient.UploadInput, func(uploadclient.Update)) (*uploadclient.Result, error) {
			return nil, provider.NewError(provider.KindPermanent, "check_size", uploadclient.ErrClientInvalid)
		}},
	}}
	c := NewCoordinator(up, Config{Open: memOpener(files)}, nil)

	rep := c.Run(context.Background(), items)

	assert.Equal(t, 3, rep.Failed)
	assert.Equal(t, "client-invalid", rep.Items[0].ErrorKind)
	assert.Equal(t, string(provider.KindPermanent), rep.Items[1].ErrorKind)
	assert.Zero(t, rep.Items[1].Attempts)
	assert.Equal(t, "lessonId is required", rep.Items[2].ErrorMessage)
	assert.Len(t, up.calls, 1)
}

func TestRunStopsWhenCancelled(t *testing.T) {
	items, files := newFixture(2)
	ctx, cancel := context.WithCancel(context.Background())
	up := &fakeUploader{steps: map[uuid.UUID][]step{
		items[0].LessonID: {func(in uploadclient.UploadInput, o func(uploadclient.Update)) (*uploadclient.Result, error) {
			cancel()
			return nil, provider.Wrap(context.Canceled, provider.KindTransient, "upload")
		}},
	}}
	c := NewCoordinator(up, Config{Open: memOpener(files), Backoff: time.Hour}, nil)

	rep := c.Run(ctx, items)

	assert.Equal(t, 2, rep.Failed)
	assert.Equal(t, 1, rep.Items[0].Attempts)
	assert.Zero(t, rep.Items[1].Attempts)
	assert.Len(t, up.calls, 1)
}

func TestParseManifest(t *testing.T) {
	id := uuid.New()
	m, err := ParseManifest(strings.NewReader(fmt.Sprintf(`
items:
  - file: intro.mp4
    lessonId: %s
    title: Introduction
    metadata:
      course: theology
`, id)))
	require.NoError(t, err)
	require.Len(t, m.Items, 1)
	assert.Equal(t, id, m.Items[0].LessonID)
	assert.Equal(t, "Introduction", m.Items[0].Title)
	assert.Equal(t, "theology", m.Items[0].Metadata["course"])

	tests := map[string]string{
		"empty":       "items: []",
		"no file":     fmt.Sprintf("items:\n  - lessonId: %s\n", id),
		"no lesson":   "items:\n  - file: a.mp4\n",
		"bad lesson":  "items:\n  - file: a.mp4\n    lessonId: nope\n",
		"extra field": fmt.Sprintf("items:\n  - file: a.mp4\n    lessonId: %s\n    colour: red\n", id),
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifest(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadManifestResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	id := uuid.New()
	path := filepath.Join(dir, "batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("items:\n  - file: intro.mp4\n    lessonId: %s\n  - file: /abs/two.mp4\n    lessonId: %s\n", id, id)), 0o600))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "intro.mp4"), m.Items[0].File)
	assert.Equal(t, "/abs/two.mp4", m.Items[1].File)
}

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "v.mp4")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o600))

	src, size, err := OpenFile(path)
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, int64(4096), size)

	_, _, err = OpenFile(dir)
	assert.Error(t, err)
}
