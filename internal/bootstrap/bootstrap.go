// Package bootstrap opens the shared dependencies of the API server and the
// background worker.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/orthodoxlms/backend/config"
	"github.com/orthodoxlms/backend/internal/lessons"
	"github.com/orthodoxlms/backend/internal/provider"
	"github.com/orthodoxlms/backend/internal/provider/managed"
	"github.com/orthodoxlms/backend/internal/provider/objectstore"
	"github.com/orthodoxlms/backend/internal/realtime"
	"github.com/orthodoxlms/backend/internal/videos"
	"github.com/orthodoxlms/backend/internal/worker"
	"github.com/orthodoxlms/backend/pkg/database"
	"github.com/orthodoxlms/backend/pkg/queue"
	"github.com/orthodoxlms/backend/pkg/redis"
	"github.com/orthodoxlms/backend/pkg/storage"
)

// Deps are the wired pipeline components.
type Deps struct {
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	S3       *storage.S3 // nil when no bucket is configured
	Queue    *queue.Queue
	Provider provider.Provider
	Store    *videos.Repository
	Lessons  *lessons.Repository
	Hub      *realtime.Hub
	Machine  *videos.Machine
}

// Open connects Postgres, Redis and the object store, selects the provider
// and builds the state machine. The caller must Close the result.
func Open(ctx context.Context, cfg *config.Config, migrate bool, logger *zap.Logger) (*Deps, error) {
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	d := &Deps{Pool: pool}
	if migrate {
		if err := database.Migrate(ctx, pool); err != nil {
			d.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	d.Redis, err = redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	d.Queue = queue.NewQueue(d.Redis.Client, logger)

	if cfg.AWS.VideosBucket != "" {
		d.S3, err = storage.NewS3(ctx, storage.S3Config{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			Endpoint:        cfg.AWS.Endpoint,
			VideosBucket:    cfg.AWS.VideosBucket,
			PublicBaseURL:   cfg.AWS.PlaybackBaseURL,
		}, logger)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("s3: %w", err)
		}
	}

	d.Provider, err = newProvider(cfg, d.S3, d.Queue, logger)
	if err != nil {
		d.Close()
		return nil, err
	}

	d.Store = videos.NewRepository(pool)
	d.Lessons = lessons.NewRepository(pool)
	pubsub := realtime.NewRedisPubSub(d.Redis.Client, logger)
	d.Hub = realtime.NewHub(logger, cfg.Progress.SubscriberQueueDepth, realtime.RecordSnapshots{Records: d.Store}, pubsub)
	d.Machine = videos.NewMachine(d.Store, d.Provider, d.Hub, d.Queue, logger)
	logger.Info("video pipeline wired", zap.String("provider", string(d.Provider.Kind())))
	return d, nil
}

func newProvider(cfg *config.Config, s3 *storage.S3, q *queue.Queue, logger *zap.Logger) (provider.Provider, error) {
	switch cfg.Provider.Kind {
	case config.ProviderManagedStream:
		return managed.New(managed.Config{
			APIBase:            cfg.Provider.APIBase,
			TokenID:            cfg.Provider.MuxTokenID,
			TokenSecret:        cfg.Provider.MuxTokenSecret,
			WebhookSecret:      cfg.Provider.WebhookSecret,
			SignatureTolerance: cfg.Provider.SignatureTolerance(),
			RequestTimeout:     cfg.Provider.RequestTimeout(),
			UploadTTL:          cfg.Upload.SessionTTL(),
			CORSOrigin:         uploadOrigin(cfg.Server.CORSOrigins()),
		}, logger), nil
	case config.ProviderObjectStore:
		if s3 == nil {
			return nil, fmt.Errorf("%s requires AWS_S3_VIDEOS_BUCKET", config.ProviderObjectStore)
		}
		return objectstore.New(objectstore.Config{
			WebhookSecret:      cfg.Provider.WebhookSecret,
			SignatureTolerance: cfg.Provider.SignatureTolerance(),
			RequestTimeout:     cfg.Provider.RequestTimeout(),
			UploadTTL:          cfg.Upload.SessionTTL(),
		}, s3, q, logger), nil
	}
	return nil, fmt.Errorf("unknown provider kind %q", cfg.Provider.Kind)
}

// uploadOrigin is the single browser origin the managed provider accepts.
func uploadOrigin(origins []string) string {
	if len(origins) == 1 {
		return origins[0]
	}
	return "*"
}

// Workers builds the queue processor and the reconciler.
func (d *Deps) Workers(cfg *config.Config, logger *zap.Logger) (*worker.Processor, *worker.Reconciler) {
	reconciler := worker.NewReconciler(d.Store, d.Provider, d.Machine, worker.ReconcilerConfig{
		Period:  cfg.Reconcile.Period(),
		Grace:   cfg.Reconcile.Grace(),
		Abandon: cfg.Reconcile.Abandon(),
	}, logger)
	deleter := worker.NewAssetDeleter(d.Store, d.Provider, d.Machine, logger)
	return worker.NewProcessor(d.Queue, deleter, reconciler, logger), reconciler
}

// Close releases connections.
func (d *Deps) Close() {
	if d.Redis != nil {
		d.Redis.Close()
	}
	if d.Pool != nil {
		d.Pool.Close()
	}
}
