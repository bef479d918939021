package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mulehunter/backend/shared/cqrs"
	"github.com/mulehunter/backend/shared/models"
	sharedredis "github.com/mulehunter/backend/shared/redis"
	goredis "github.com/redis/go-redis/v9"
)

const featureColumns = `account_id, in_degree, out_degree, total_incoming, total_outgoing, risk_ratio, tx_velocity, account_age_days, balance, updated_at, version`

// FeatureReadRepository handles all read operations for account features.
// The Redis view written by the transaction-service is the primary read
// store; PostgreSQL is the fallback and the cache is warmed on every cold read.
type FeatureReadRepository struct {
	db      *sql.DB
	cache   *sharedredis.VersionedViewCache[models.FeaturesView]
	timeout time.Duration
}

func NewFeatureReadRepository(db *sql.DB, redisClient *goredis.Client, timeout time.Duration, logger *slog.Logger) *FeatureReadRepository {
	r := &FeatureReadRepository{db: db, timeout: timeout}
	if redisClient != nil {
		r.cache = sharedredis.NewVersionedViewCache[models.FeaturesView](redisClient, sharedredis.FeaturesViewPrefix, 0, logger)
	}
	return r
}

// GetByAccountID returns an account's FeaturesView, trying Redis first then PostgreSQL.
func (r *FeatureReadRepository) GetByAccountID(ctx context.Context, accountID int64) (*models.FeaturesView, error) {
	if r.cache != nil {
		if view, ok := r.cache.Get(ctx, fmt.Sprint(accountID)); ok {
			return view, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `SELECT `+featureColumns+` FROM account_features WHERE account_id = $1`, accountID)
	features, err := scanFeatures(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, models.StorageError("get features", err)
	}

	view := models.FeaturesToView(features)
	r.CacheFeaturesView(ctx, view)
	return view, nil
}

// List returns feature records ordered by account id, straight from PostgreSQL.
func (r *FeatureReadRepository) List(ctx context.Context, q cqrs.ListFeaturesQuery) ([]models.FeaturesView, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+featureColumns+`
		FROM account_features
		ORDER BY account_id
		LIMIT $1
	`, q.Limit)
	if err != nil {
		return nil, models.StorageError("list features", err)
	}
	defer rows.Close()

	views := make([]models.FeaturesView, 0)
	for rows.Next() {
		features, err := scanFeatures(rows)
		if err != nil {
			return nil, models.StorageError("scan features", err)
		}
		views = append(views, *models.FeaturesToView(features))
	}
	if err := rows.Err(); err != nil {
		return nil, models.StorageError("list features", err)
	}
	return views, nil
}

// CacheFeaturesView refreshes the Redis read model for one account unless a
// newer version is already cached.
func (r *FeatureReadRepository) CacheFeaturesView(ctx context.Context, view *models.FeaturesView) {
	if r.cache == nil {
		return
	}
	r.cache.Set(ctx, fmt.Sprint(view.NodeID), view.Version, view)
}

type rowScanner interface {
	Scan(dest ...any) error
}

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
