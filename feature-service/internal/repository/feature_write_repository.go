package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/mulehunter/backend/shared/models"
)

// setVelocitySQL creates the record with the neutral defaults when the
// account is new and otherwise touches only tx_velocity, so it never races
// with the degree and volume counters owned by the transaction-service.
const setVelocitySQL = `
	INSERT INTO account_features AS f (account_id, tx_velocity, risk_ratio, updated_at)
	VALUES ($1, $2, 1, $3)
	ON CONFLICT (account_id) DO UPDATE SET
		tx_velocity = EXCLUDED.tx_velocity,
		updated_at  = GREATEST(f.updated_at, EXCLUDED.updated_at),
		version     = f.version + 1
	RETURNING ` + featureColumns

// FeatureWriteRepository handles state-mutating operations for features.
// It operates exclusively against the PostgreSQL write store.
type FeatureWriteRepository struct {
	db      *sql.DB
	timeout time.Duration
}

func NewFeatureWriteRepository(db *sql.DB, timeout time.Duration) *FeatureWriteRepository {
	return &FeatureWriteRepository{db: db, timeout: timeout}
}

// SetVelocity stores the trailing-window transaction count for an account.
func (r *FeatureWriteRepository) SetVelocity(ctx context.Context, accountID, velocity int64, at time.Time) (*models.AccountFeatures, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	features, err := scanFeatures(r.db.QueryRowContext(ctx, setVelocitySQL, accountID, velocity, at))
	if err != nil {
		return nil, models.StorageError("set velocity", err)
	}
	return features, nil
}
