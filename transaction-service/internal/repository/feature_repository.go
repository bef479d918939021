package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/mulehunter/backend/shared/models"
	sharedredis "github.com/mulehunter/backend/shared/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const featureColumns = `account_id, in_degree, out_degree, total_incoming, total_outgoing, risk_ratio, tx_velocity, account_age_days, balance, updated_at, version`

// Each statement is a single upsert so PostgreSQL holds the row lock for the
// whole read-modify-write. SET expressions see the pre-update row (f) and the
// proposed insert (EXCLUDED), so the ratio is computed from both. Ratios are
// rounded to the same eight places models.RiskRatio keeps.
const applyOutgoingSQL = `
	INSERT INTO account_features AS f (account_id, out_degree, total_outgoing, risk_ratio, updated_at)
	VALUES ($1, 1, $2, $3, $4)
	ON CONFLICT (account_id) DO UPDATE SET
		out_degree     = f.out_degree + 1,
		total_outgoing = f.total_outgoing + EXCLUDED.total_outgoing,
		risk_ratio     = CASE
			WHEN f.total_incoming > 0 THEN ROUND((f.total_outgoing + EXCLUDED.total_outgoing) / f.total_incoming, 8)
			ELSE 1
		END,
		updated_at     = EXCLUDED.updated_at,
		version        = f.version + 1
	RETURNING ` + featureColumns

const applyIncomingSQL = `
	INSERT INTO account_features AS f (account_id, in_degree, total_incoming, risk_ratio, updated_at)
	VALUES ($1, 1, $2, $3, $4)
	ON CONFLICT (account_id) DO UPDATE SET
		in_degree      = f.in_degree + 1,
		total_incoming = f.total_incoming + EXCLUDED.total_incoming,
		risk_ratio     = CASE
			WHEN f.total_incoming + EXCLUDED.total_incoming > 0 THEN ROUND(f.total_outgoing / (f.total_incoming + EXCLUDED.total_incoming), 8)
			ELSE 1
		END,
		updated_at     = EXCLUDED.updated_at,
		version        = f.version + 1
	RETURNING ` + featureColumns

// FeatureRepository is the PostgreSQL FeatureStore.
type FeatureRepository struct {
	db      *sql.DB
	cache   *sharedredis.VersionedViewCache[models.FeaturesView]
	timeout time.Duration
}

func NewFeatureRepository(db *sql.DB, redisClient *goredis.Client, timeout time.Duration, logger *slog.Logger) *FeatureRepository {
	r := &FeatureRepository{db: db, timeout: timeout}
	if redisClient != nil {
		r.cache = sharedredis.NewVersionedViewCache[models.FeaturesView](redisClient, sharedredis.FeaturesViewPrefix, 0, logger)
	}
	return r
}

// ApplyDelta upserts the account row and returns it as stored.
func (r *FeatureRepository) ApplyDelta(ctx context.Context, delta models.FeatureDelta) (*models.AccountFeatures, error) {
	var (
		query        string
		initialRatio decimal.Decimal
	)
	switch delta.Side {
	case models.SideOutgoing:
		query = applyOutgoingSQL
		initialRatio = models.RiskRatio(decimal.Zero, delta.Amount)
	case models.SideIncoming:
		query = applyIncomingSQL
		initialRatio = models.RiskRatio(delta.Amount, decimal.Zero)
	default:
		return nil, fmt.Errorf("unknown feature side %q", delta.Side)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, query, delta.AccountID, delta.Amount, initialRatio, delta.At)
	features, err := scanFeatures(row)
	if err != nil {
		return nil, models.StorageError("apply "+string(delta.Side)+" delta", err)
	}
	return features, nil
}

// CacheFeaturesView refreshes the Redis projection of one account. A view
// older than the cached one is ignored.
func (r *FeatureRepository) CacheFeaturesView(ctx context.Context, view *models.FeaturesView) {
	if r.cache == nil {
		return
	}
	r.cache.Set(ctx, fmt.Sprint(view.NodeID), view.Version, view)
}

// scanFeatures reads a row selected with the account_features column list.
func scanFeatures(row rowScanner) (*models.AccountFeatures, error) {
	var f models.AccountFeatures
	if err := row.Scan(
		&f.AccountID, &f.InDegree, &f.OutDegree,
		&f.TotalIncoming, &f.TotalOutgoing, &f.RiskRatio,
		&f.TxVelocity, &f.AccountAgeDays, &f.Balance, &f.UpdatedAt, &f.Version,
	); err != nil {
		return nil, err
	}
	return &f, nil
}
