package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/orthodoxlms/backend/internal/models"
	"github.com/orthodoxlms/backend/internal/provider"
	"github.com/orthodoxlms/backend/internal/videos"
	"github.com/orthodoxlms/backend/pkg/queue"
)

// AssetDeleter removes replaced or explicitly deleted provider assets.
type AssetDeleter struct {
	records  videos.RecordStore
	provider provider.Provider
	machine  *videos.Machine
	logger   *zap.Logger
}

// NewAssetDeleter creates a deleter.
func NewAssetDeleter(records videos.RecordStore, p provider.Provider, machine *videos.Machine, logger *zap.Logger) *AssetDeleter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssetDeleter{records: records, provider: p, machine: machine, logger: logger}
}

// Delete deletes the asset at the provider. An asset the provider no longer
// knows counts as deleted. When the asset is still the record's current one,
// an asset.deleted event returns the record to none.
func (d *AssetDeleter) Delete(ctx context.Context, payload queue.AssetDeletePayload) error {
	if payload.AssetID == "" {
		return provider.NewError(provider.KindPermanent, "delete_asset", errors.New("empty asset id"))
	}
	if payload.Provider != "" && models.ProviderKind(payload.Provider) != d.provider.Kind() {
		return provider.NewError(provider.KindPermanent, "delete_asset",
			fmt.Errorf("job for provider %s, running %s", payload.Provider, d.provider.Kind()))
	}

	err := d.provider.DeleteAsset(ctx, payload.AssetID)
	switch {
	case provider.KindOf(err) == provider.KindNotFound:
		d.logger.Info("asset already gone", zap.String("lesson_id", payload.LessonID.String()), zap.String("asset_id", payload.AssetID))
	case err != nil:
		return err
	default:
		d.logger.Info("asset deleted", zap.String("lesson_id", payload.LessonID.String()), zap.String("asset_id", payload.AssetID))
	}

	rec, err := d.records.GetRecord(ctx, payload.LessonID)
	if errors.Is(err, videos.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.AssetID != payload.AssetID {
		return nil
	}
	_, err = d.machine.Apply(ctx, videos.Input{
		Kind:     provider.EventAssetDeleted,
		LessonID: &payload.LessonID,
		Provider: rec.Provider,
		AssetID:  payload.AssetID,
	})
	return err
}
