package videos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orthodoxlms/backend/internal/models"
	"github.com/orthodoxlms/backend/internal/provider"
)

// MaxWebhookBody caps inbound provider payloads.
const MaxWebhookBody = 1 << 20

// Intake authenticates provider callbacks, logs them and feeds them to the
// state machine.
type Intake struct {
	provider provider.Provider
	events   EventStore
	sessions *Sessions
	machine  *Machine
	budget   time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewIntake creates the webhook intake. budget bounds the handling of one
// callback; zero means no extra deadline.
func NewIntake(p provider.Provider, events EventStore, sessions *Sessions, machine *Machine, budget time.Duration, logger *zap.Logger) *Intake {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intake{
		provider: p,
		events:   events,
		sessions: sessions,
		machine:  machine,
		budget:   budget,
		logger:   logger,
		now:      time.Now,
	}
}

// Process handles one raw callback. A nil error means the event was accepted,
// deduplicated or dropped; errors carry a provider.ErrorKind deciding whether
// the provider should retry.
func (i *Intake) Process(ctx context.Context, header http.Header, body []byte) (*Outcome, error) {
	ev, err := i.provider.VerifyWebhook(header, body)
	if err != nil {
		return nil, err
	}
	kind := i.provider.Kind()
	log := i.logger.With(zap.String("event_id", ev.ID), zap.String("kind", string(ev.Kind)),
		zap.String("upload_id", ev.UploadID), zap.String("asset_id", ev.AssetID))

	entry := &models.ProviderEvent{
		Provider:          kind,
		EventID:           ev.ID,
		ProviderTimestamp: ev.Timestamp.UTC(),
		Kind:              string(ev.Kind),
		UploadID:          ev.UploadID,
		AssetID:           ev.AssetID,
		LessonID:          ev.LessonID,
		Progress:          ev.Progress,
		ErrorKind:         ev.ErrorKind,
		RawPayload:        rawPayload(ev.Raw),
		ReceivedAt:        i.now().UTC(),
	}
	processed, err := i.events.RecordEvent(ctx, entry)
	if err != nil {
		return nil, provider.NewError(provider.KindTransient, "record_event", err)
	}
	if processed {
		log.Info("duplicate provider event")
		return &Outcome{Dropped: DropDuplicate}, nil
	}

	var session *models.UploadSession
	if ev.UploadID != "" {
		session, err = i.sessions.MarkConsumed(ctx, ev.UploadID)
		if errors.Is(err, ErrNotFound) {
			session, err = nil, nil
		}
		if err != nil {
			return nil, provider.NewError(provider.KindTransient, "mark_consumed", err)
		}
	}

	out, err := i.machine.Apply(ctx, InputFromEvent(ev, kind, session))
	if err != nil {
		log.Warn("provider event not applied", zap.Error(err))
		return nil, provider.NewError(provider.KindTransient, "apply", err)
	}
	if err := i.events.MarkEventProcessed(ctx, kind, ev.ID, out.String(), i.now().UTC()); err != nil {
		return nil, provider.NewError(provider.KindTransient, "mark_processed", err)
	}
	return out, nil
}

// rawPayload keeps the body as JSON for the event log, quoting it when the
// provider sent something else.
func rawPayload(b []byte) json.RawMessage {
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	q, _ := json.Marshal(string(b))
	return q
}

// WebhookStatus maps an intake result to the HTTP status the provider sees:
// 204 on accept, 400 for requests it must not retry, 503 otherwise.
func WebhookStatus(err error) int {
	if err == nil {
		return http.StatusNoContent
	}
	switch provider.KindOf(err) {
	case provider.KindAuthFailed, provider.KindMalformed:
		return http.StatusBadRequest
	}
	return http.StatusServiceUnavailable
}

// Handle serves POST /webhooks/provider.
func (i *Intake) Handle(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxWebhookBody+1))
	if err != nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	if len(body) > MaxWebhookBody {
		i.logger.Warn("webhook body too large", zap.Int("bytes", len(body)))
		c.Status(http.StatusBadRequest)
		return
	}
	ctx := c.Request.Context()
	if i.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.budget)
		defer cancel()
	}

	out, err := i.Process(ctx, c.Request.Header, body)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = provider.NewError(provider.KindTransient, "webhook", fmt.Errorf("budget exceeded: %w", err))
	}
	status := WebhookStatus(err)
	switch {
	case err == nil:
		i.logger.Debug("webhook handled", zap.String("outcome", out.String()))
	case status == http.StatusBadRequest:
		i.logger.Warn("webhook rejected", zap.String("kind", string(provider.KindOf(err))), zap.Error(err))
	default:
		i.logger.Warn("webhook deferred to provider retry", zap.String("kind", string(provider.KindOf(err))), zap.Error(err))
	}
	c.Status(status)
}
