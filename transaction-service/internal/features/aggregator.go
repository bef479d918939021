// Package features applies transactions to the per-account behavioural
// aggregates.
package features

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mulehunter/backend/shared/metrics"
	"github.com/mulehunter/backend/shared/models"
	"github.com/shopspring/decimal"
)

// Store applies one delta to one account as a single atomic step: the
// read-or-create, the increment and the risk-ratio recomputation must not be
// observable as separate operations, or concurrent transactions lose updates.
type Store interface {
	ApplyDelta(ctx context.Context, delta models.FeatureDelta) (*models.AccountFeatures, error)
}

// ViewCache receives the post-update record so readers see fresh features.
type ViewCache interface {
	CacheFeaturesView(ctx context.Context, view *models.FeaturesView)
}

type Aggregator struct {
	store   Store
	views   ViewCache
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewAggregator wires an Aggregator. views and m may be nil.
func NewAggregator(store Store, views ViewCache, m *metrics.Metrics, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		store:   store,
		views:   views,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ApplyOutgoing counts amount as money leaving accountID.
func (a *Aggregator) ApplyOutgoing(ctx context.Context, accountID int64, amount decimal.Decimal) error {
	return a.apply(ctx, models.FeatureDelta{AccountID: accountID, Side: models.SideOutgoing, Amount: amount})
}

// ApplyIncoming counts amount as money arriving at accountID.
func (a *Aggregator) ApplyIncoming(ctx context.Context, accountID int64, amount decimal.Decimal) error {
	return a.apply(ctx, models.FeatureDelta{AccountID: accountID, Side: models.SideIncoming, Amount: amount})
}

func (a *Aggregator) apply(ctx context.Context, delta models.FeatureDelta) error {
	delta.At = a.now()

	updated, err := a.store.ApplyDelta(ctx, delta)
	if err != nil {
		a.observe(delta.Side, "error")
		if !errors.Is(err, models.ErrStorageUnavailable) {
			err = models.StorageError("apply "+string(delta.Side)+" features", err)
		}
		a.logger.ErrorContext(ctx, "feature update failed",
			"account_id", delta.AccountID, "side", delta.Side, "error", err)
		return err
	}
	a.observe(delta.Side, "ok")

	if a.views != nil {
		a.views.CacheFeaturesView(ctx, models.FeaturesToView(updated))
	}
	a.logger.DebugContext(ctx, "features updated",
		"account_id", updated.AccountID,
		"side", delta.Side,
		"in_degree", updated.InDegree,
		"out_degree", updated.OutDegree,
		"risk_ratio", updated.RiskRatio.String())
	return nil
}

func (a *Aggregator) observe(side models.Side, result string) {
	if a.metrics != nil {
		a.metrics.FeatureUpdatesTotal.WithLabelValues(string(side), result).Inc()
	}
}
