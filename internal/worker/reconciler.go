// Package worker runs the background jobs of the video pipeline: periodic
// reconciliation against the provider and deferred asset deletes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orthodoxlms/backend/internal/models"
	"github.com/orthodoxlms/backend/internal/provider"
	"github.com/orthodoxlms/backend/internal/videos"
)

// Reconcile actions reported per record.
const (
	ActionPending   = "pending"
	ActionEncode    = "encode-requested"
	ActionAbandoned = "abandoned"
	ActionSkipped   = "skipped"
)

// ReconcilerConfig controls the sweep.
type ReconcilerConfig struct {
	Period    time.Duration
	Grace     time.Duration
	Abandon   time.Duration
	BatchSize int
}

// Result is what reconciling one record did.
type Result struct {
	LessonID uuid.UUID
	Action   string
	Outcome  *videos.Outcome
}

// Summary counts one sweep.
type Summary struct {
	Scanned   int
	Applied   int
	Abandoned int
	Encoded   int
	Failed    int
}

// Reconciler aligns stale non-terminal records with what the provider
// reports, applying synthetic events through the state machine.
type Reconciler struct {
	records  videos.RecordStore
	provider provider.Provider
	machine  *videos.Machine
	cfg      ReconcilerConfig
	now      func() time.Time
	logger   *zap.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(records videos.RecordStore, p provider.Provider, machine *videos.Machine, cfg ReconcilerConfig, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Period <= 0 {
		cfg.Period = time.Minute
	}
	return &Reconciler{records: records, provider: p, machine: machine, cfg: cfg, now: time.Now, logger: logger}
}

// SetClock replaces the time source.
func (r *Reconciler) SetClock(now func() time.Time) { r.now = now }

// Run sweeps every period until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Period)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reconcile sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep reconciles every uploading or processing record untouched for
// longer than the grace period.
func (r *Reconciler) Sweep(ctx context.Context) (Summary, error) {
	var sum Summary
	cutoff := r.now().Add(-r.cfg.Grace)
	stale, err := r.records.ListStale(ctx,
		[]models.VideoStatus{models.VideoStatusUploading, models.VideoStatusProcessing}, cutoff, r.cfg.BatchSize)
	if err != nil {
		return sum, fmt.Errorf("list stale: %w", err)
	}
	for _, rec := range stale {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		sum.Scanned++
		res, err := r.reconcile(ctx, rec)
		if err != nil {
			sum.Failed++
			r.logger.Warn("reconcile failed",
				zap.String("lesson_id", rec.LessonID.String()), zap.String("status", string(rec.Status)), zap.Error(err))
			continue
		}
		switch {
		case res.Action == ActionAbandoned:
			sum.Abandoned++
		case res.Action == ActionEncode:
			sum.Encoded++
		case res.Outcome != nil && res.Outcome.Applied:
			sum.Applied++
		}
	}
	if sum.Scanned > 0 {
		r.logger.Info("reconcile sweep finished",
			zap.Int("scanned", sum.Scanned), zap.Int("applied", sum.Applied),
			zap.Int("abandoned", sum.Abandoned), zap.Int("encoded", sum.Encoded), zap.Int("failed", sum.Failed))
	}
	return sum, nil
}

// ReconcileLesson reconciles one lesson now, regardless of grace.
func (r *Reconciler) ReconcileLesson(ctx context.Context, lessonID uuid.UUID) (*Result, error) {
	rec, err := r.records.GetRecord(ctx, lessonID)
	if errors.Is(err, videos.ErrNotFound) {
		return &Result{LessonID: lessonID, Action: ActionSkipped}, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() || rec.Status == models.VideoStatusNone {
		return &Result{LessonID: lessonID, Action: ActionSkipped}, nil
	}
	return r.reconcile(ctx, rec)
}

func (r *Reconciler) reconcile(ctx context.Context, rec *models.LessonVideo) (*Result, error) {
	res := &Result{LessonID: rec.LessonID, Action: ActionPending}
	insp, err := r.provider.Inspect(ctx, rec.LessonID, rec.UploadID, rec.AssetID)
	if provider.KindOf(err) == provider.KindNotFound {
		insp, err = &provider.Inspection{Upload: provider.UploadUnknown, Asset: provider.AssetUnknown}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inspect: %w", err)
	}
	assetID := insp.AssetID
	if assetID == "" {
		assetID = rec.AssetID
	}

	in := videos.Input{
		LessonID: &rec.LessonID,
		Provider: rec.Provider,
		UploadID: rec.UploadID,
		AssetID:  assetID,
	}
	switch {
	case insp.Asset == provider.AssetReady:
		in.Kind = provider.EventAssetReady
	case insp.Asset == provider.AssetErrored || insp.Upload == provider.UploadErrored:
		in.Kind = provider.EventAssetErrored
		in.ErrorKind = insp.ErrorKind
		in.ErrorMessage = insp.ErrorMessage
	case insp.Asset == provider.AssetPreparing:
		in.Kind = provider.EventUploadAssetReady
	case insp.Upload == provider.UploadUploaded && insp.Asset == provider.AssetNone:
		if enc, ok := r.provider.(provider.Encoder); ok {
			if err := enc.RequestEncode(ctx, rec.LessonID, rec.UploadID); err != nil {
				return nil, fmt.Errorf("request encode: %w", err)
			}
			r.logger.Info("encode requested for stale upload",
				zap.String("lesson_id", rec.LessonID.String()), zap.String("upload_id", rec.UploadID))
			res.Action = ActionEncode
			return res, nil
		}
		return res, nil
	default:
		age := r.now().Sub(rec.UpdatedAt)
		if age <= r.cfg.Abandon {
			return res, nil
		}
		in = videos.Input{
			Kind:         videos.EventReconcileAbandoned,
			LessonID:     &rec.LessonID,
			ErrorMessage: fmt.Sprintf("provider has no record of the upload after %s", age.Round(time.Second)),
		}
		res.Action = ActionAbandoned
	}

	out, err := r.machine.Apply(ctx, in)
	if err != nil {
		return nil, err
	}
	res.Outcome = out
	if res.Action == ActionPending || !out.Applied {
		res.Action = out.String()
	}
	if in.Kind == provider.EventUploadAssetReady && insp.Progress != nil {
		progress := in
		progress.Kind = provider.EventProgress
		progress.Progress = insp.Progress
		p, err := r.machine.Apply(ctx, progress)
		if err != nil {
			return nil, err
		}
		if p.Applied {
			res.Outcome, res.Action = p, p.String()
		}
	}
	r.logger.Info("lesson reconciled",
		zap.String("lesson_id", rec.LessonID.String()), zap.String("kind", string(in.Kind)), zap.String("action", res.Action))
	return res, nil
}
