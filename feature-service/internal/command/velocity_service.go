package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mulehunter/backend/shared/cqrs"
	"github.com/mulehunter/backend/shared/events"
	"github.com/mulehunter/backend/shared/metrics"
	"github.com/mulehunter/backend/shared/models"
)

// VelocityWindow counts transactions per account in a trailing window.
type VelocityWindow interface {
	Record(ctx context.Context, accountID int64, transactionID string, occurredAt, now time.Time, window time.Duration) (int64, error)
	IsProcessed(ctx context.Context, transactionID string) bool
	MarkProcessed(ctx context.Context, transactionID string)
}

// VelocityWriter persists the windowed count onto the features record.
type VelocityWriter interface {
	SetVelocity(ctx context.Context, accountID, velocity int64, at time.Time) (*models.AccountFeatures, error)
}

type FeatureViewCache interface {
	CacheFeaturesView(ctx context.Context, view *models.FeaturesView)
}

// VelocityService maintains txVelocity from transaction events.
type VelocityService struct {
	window  VelocityWindow
	writer  VelocityWriter
	views   FeatureViewCache
	span    time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewVelocityService(window VelocityWindow, writer VelocityWriter, views FeatureViewCache, span time.Duration, m *metrics.Metrics, logger *slog.Logger) *VelocityService {
	if logger == nil {
		logger = slog.Default()
	}
	return &VelocityService{
		window:  window,
		writer:  writer,
		views:   views,
		span:    span,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// HandleTransactionEvent reacts to transaction.created events by counting
// the transaction against both accounts. Duplicate deliveries of the same
// transaction id are detected via Redis and skipped. Returning an error
// leaves the message unacknowledged so it is redelivered.
func (s *VelocityService) HandleTransactionEvent(ctx context.Context, event events.Event) error {
	if event.Type != events.TransactionCreated {
		return nil
	}
	var data events.TransactionCreatedEvent
	if err := events.DecodeData(event, &data); err != nil {
		s.observe("invalid")
		return fmt.Errorf("failed to decode transaction.created event: %w", err)
	}
	if s.window.IsProcessed(ctx, data.TransactionID) {
		s.observe("duplicate")
		s.logger.DebugContext(ctx, "transaction already counted, skipping duplicate event",
			"transaction_id", data.TransactionID)
		return nil
	}

	occurredAt := data.CreatedAt
	if occurredAt.IsZero() {
		occurredAt = event.Timestamp
	}
	accounts := []int64{data.SourceAccount}
	if data.TargetAccount != data.SourceAccount {
		accounts = append(accounts, data.TargetAccount)
	}
	for _, accountID := range accounts {
		if err := s.RecordVelocity(ctx, cqrs.RecordVelocityCommand{
			TransactionID: data.TransactionID,
			AccountID:     accountID,
			OccurredAt:    occurredAt,
		}); err != nil {
			s.observe("error")
			return err
		}
	}

	// Recorded after both accounts so a partial failure is retried in full;
	// re-adding the same member to a window is a no-op.
	s.window.MarkProcessed(ctx, data.TransactionID)
	s.observe("ok")
	return nil
}

// RecordVelocity counts one transaction for one account and stores the result.
func (s *VelocityService) RecordVelocity(ctx context.Context, cmd cqrs.RecordVelocityCommand) error {
	now := s.now()
	count, err := s.window.Record(ctx, cmd.AccountID, cmd.TransactionID, cmd.OccurredAt, now, s.span)
	if err != nil {
		return err
	}
	features, err := s.writer.SetVelocity(ctx, cmd.AccountID, count, now)
	if err != nil {
		return err
	}
	if s.views != nil {
		s.views.CacheFeaturesView(ctx, models.FeaturesToView(features))
	}
	s.logger.DebugContext(ctx, "velocity updated",
		"account_id", cmd.AccountID, "transaction_id", cmd.TransactionID, "tx_velocity", count)
	return nil
}

func (s *VelocityService) observe(result string) {
	if s.metrics != nil {
		s.metrics.VelocityUpdates.WithLabelValues(result).Inc()
	}
}
