package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/mulehunter/backend/shared/models"
	"github.com/mulehunter/backend/shared/utils"
)

// TransactionWriteRepository handles all state-mutating operations for transactions.
// It operates exclusively against the PostgreSQL write store (source of truth).
type TransactionWriteRepository struct {
	db      *sql.DB
	timeout time.Duration
}

func NewTransactionWriteRepository(db *sql.DB, timeout time.Duration) *TransactionWriteRepository {
	return &TransactionWriteRepository{db: db, timeout: timeout}
}

// Insert stores tx, assigning its id when empty, and returns the id.
func (r *TransactionWriteRepository) Insert(ctx context.Context, tx *models.Transaction) (string, error) {
	if tx.ID == "" {
		tx.ID = utils.GenerateID(utils.TransactionIDPrefix)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO transactions (id, source_account, target_account, amount, suspected_fraud, risk_score, verdict, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		tx.ID, tx.SourceAccount, tx.TargetAccount, tx.Amount,
		tx.SuspectedFraud, nullFloat(tx.RiskScore), tx.Verdict,
		tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		return "", models.StorageError("insert transaction", err)
	}
	return tx.ID, nil
}

// UpdateByID attaches a model verdict to an existing transaction.
func (r *TransactionWriteRepository) UpdateByID(ctx context.Context, id string, riskScore float64, verdict string, suspectedFraud bool, updatedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE transactions
		SET risk_score = $2, verdict = $3, suspected_fraud = $4, updated_at = $5
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query, id, riskScore, verdict, suspectedFraud, updatedAt)
	if err != nil {
		return models.StorageError("update transaction", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return models.StorageError("update transaction", err)
	}
	if rows == 0 {
		return models.ErrNotFound
	}
	return nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
