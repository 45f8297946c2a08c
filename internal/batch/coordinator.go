// Package batch drives an ordered list of lesson videos through the upload
// contract one at a time.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orthodoxlms/backend/internal/provider"
	"github.com/orthodoxlms/backend/internal/uploadclient"
)

// State is the per-item lifecycle.
type State string

const (
	StatePending    State = "pending"
	StateUploading  State = "uploading"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateError      State = "error"
)

// Defaults for Config.
const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 5 * time.Second
)

// Item is one file to upload.
type Item struct {
	File        string            `yaml:"file"`
	LessonID    uuid.UUID         `yaml:"lessonId"`
	Title       string            `yaml:"title"`
	Metadata    map[string]string `yaml:"metadata"`
	ContentType string            `yaml:"contentType"`
	Override    bool              `yaml:"override"`
}

// ItemReport is the outcome of one item.
type ItemReport struct {
	Index        int
	Item         Item
	State        State
	Attempts     int
	PlaybackID   string
	ErrorKind    string
	ErrorMessage string
	BytesSent    int64
	BytesTotal   int64
}

// Report is the outcome of a batch.
type Report struct {
	Items     []ItemReport
	Completed int
	Failed    int
	// Halted is set when a quota error stopped the batch early.
	Halted bool
}

// Uploader runs the upload contract for a single file.
type Uploader interface {
	Upload(ctx context.Context, in uploadclient.UploadInput, observe func(uploadclient.Update)) (*uploadclient.Result, error)
}

// Source is an opened file.
type Source interface {
	io.ReadSeeker
	io.Closer
}

// Opener opens a manifest file and returns its size.
type Opener func(path string) (Source, int64, error)

// Config tunes a Coordinator.
type Config struct {
	MaxAttempts int
	Backoff     time.Duration
	Open        Opener
	// Observe is called on every item state change and upload update.
	Observe func(ItemReport)
}

// Coordinator uploads batch items sequentially.
type Coordinator struct {
	uploader Uploader
	cfg      Config
	logger   *zap.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(uploader Uploader, cfg Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Open == nil {
		cfg.Open = OpenFile
	}
	if cfg.Observe == nil {
		cfg.Observe = func(ItemReport) {}
	}
	return &Coordinator{uploader: uploader, cfg: cfg, logger: logger}
}

// OpenFile opens a local file.
func OpenFile(path string) (Source, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if fi.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("%s is a directory", path)
	}
	return f, fi.Size(), nil
}

// Run uploads items in order. A failed item never stops later items, except
// when the provider quota is exhausted: the remaining items are then
// reported as errored with kind quota-exceeded and never attempted.
func (c *Coordinator) Run(ctx context.Context, items []Item) Report {
	rep := Report{Items: make([]ItemReport, len(items))}
	for i, it := range items {
		rep.Items[i] = ItemReport{Index: i, Item: it, State: StatePending}
	}
	for i := range rep.Items {
		ir := &rep.Items[i]
		if rep.Halted {
			c.fail(ir, string(provider.KindQuotaExceeded), "not attempted: provider quota exceeded")
		} else if err := ctx.Err(); err != nil {
			c.fail(ir, string(provider.KindTransient), "not attempted: "+err.Error())
		} else {
			c.runItem(ctx, ir)
			if ir.State == StateError && ir.ErrorKind == string(provider.KindQuotaExceeded) {
				rep.Halted = true
				c.logger.Warn("provider quota exceeded, halting batch", zap.Int("index", i))
			}
		}
		if ir.State == StateCompleted {
			rep.Completed++
		} else {
			rep.Failed++
		}
	}
	return rep
}

func (c *Coordinator) runItem(ctx context.Context, ir *ItemReport) {
	log := c.logger.With(zap.Int("index", ir.Index), zap.String("file", ir.Item.File),
		zap.String("lesson_id", ir.Item.LessonID.String()))

	if ir.Item.LessonID == uuid.Nil {
		c.fail(ir, string(provider.KindPermanent), "lessonId is required")
		return
	}
	src, size, err := c.cfg.Open(ir.Item.File)
	if err != nil {
		c.fail(ir, string(provider.KindPermanent), err.Error())
		return
	}
	defer src.Close()

	for {
		ir.Attempts++
		res, err := c.attempt(ctx, ir, src, size)
		if err == nil {
			ir.PlaybackID = res.PlaybackID
			ir.ErrorKind, ir.ErrorMessage = "", ""
			c.set(ir, StateCompleted)
			log.Info("lesson video ready", zap.String("playback_id", res.PlaybackID), zap.Int("attempts", ir.Attempts))
			return
		}
		kind, msg := classify(res, err)
		retry := provider.KindOf(err) == provider.KindTransient &&
			!errors.Is(err, uploadclient.ErrVideoFailed) &&
			ir.Attempts < c.cfg.MaxAttempts && ctx.Err() == nil
		if !retry {
			log.Warn("lesson video failed", zap.String("error_kind", kind), zap.Int("attempts", ir.Attempts), zap.Error(err))
			c.fail(ir, kind, msg)
			return
		}
		log.Info("retrying lesson video", zap.Int("attempt", ir.Attempts), zap.Error(err))
		select {
		case <-ctx.Done():
			c.fail(ir, string(provider.KindTransient), ctx.Err().Error())
			return
		case <-time.After(c.cfg.Backoff):
		}
	}
}

func (c *Coordinator) attempt(ctx context.Context, ir *ItemReport, src Source, size int64) (*uploadclient.Result, error) {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, provider.NewError(provider.KindPermanent, "seek", err)
	}
	ir.BytesSent, ir.BytesTotal = 0, size
	c.set(ir, StateUploading)

	metadata := make(map[string]string, len(ir.Item.Metadata)+1)
	for k, v := range ir.Item.Metadata {
		metadata[k] = v
	}
	if ir.Item.Title != "" {
		metadata["title"] = ir.Item.Title
	}
	in := uploadclient.UploadInput{
		LessonID:    ir.Item.LessonID,
		Body:        src,
		Size:        size,
		ContentType: ir.Item.ContentType,
		Metadata:    metadata,
		// Only the first attempt may replace a ready video.
		Override: ir.Item.Override && ir.Attempts == 1,
	}
	return c.uploader.Upload(ctx, in, func(u uploadclient.Update) {
		switch u.Phase {
		case uploadclient.PhaseUploading:
			ir.BytesSent, ir.BytesTotal = u.BytesSent, u.BytesTotal
			c.cfg.Observe(*ir)
		case uploadclient.PhaseProcessing:
			if ir.State != StateProcessing {
				c.set(ir, StateProcessing)
			}
		}
	})
}

func classify(res *uploadclient.Result, err error) (kind, msg string) {
	if res != nil && res.ErrorKind != "" {
		return res.ErrorKind, res.ErrorMessage
	}
	if errors.Is(err, uploadclient.ErrClientInvalid) {
		return "client-invalid", err.Error()
	}
	return string(provider.KindOf(err)), err.Error()
}

func (c *Coordinator) fail(ir *ItemReport, kind, msg string) {
	ir.ErrorKind, ir.ErrorMessage = kind, msg
	c.set(ir, StateError)
}

func (c *Coordinator) set(ir *ItemReport, s State) {
	ir.State = s
	c.cfg.Observe(*ir)
}
