package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/mulehunter/backend/shared/cqrs"
	"github.com/mulehunter/backend/shared/models"
	sharedredis "github.com/mulehunter/backend/shared/redis"
	goredis "github.com/redis/go-redis/v9"
)

// TransactionReadRepository handles all read operations for transactions.
// It uses Redis as the primary read store, falling back to PostgreSQL on a miss.
// A nil Redis client turns it into a plain PostgreSQL reader.
type TransactionReadRepository struct {
	db      *sql.DB
	cache   *sharedredis.ViewCache[models.TransactionView]
	timeout time.Duration
}

func NewTransactionReadRepository(db *sql.DB, redisClient *goredis.Client, timeout time.Duration, logger *slog.Logger) *TransactionReadRepository {
	r := &TransactionReadRepository{db: db, timeout: timeout}
	if redisClient != nil {
		r.cache = sharedredis.NewViewCache[models.TransactionView](redisClient, sharedredis.TransactionViewPrefix, 24*time.Hour, logger)
	}
	return r
}

const transactionColumns = `id, source_account, target_account, amount, suspected_fraud, risk_score, verdict, created_at, updated_at`

// GetByID returns a TransactionView by attempting Redis first, then PostgreSQL.
func (r *TransactionReadRepository) GetByID(ctx context.Context, id string) (*models.TransactionView, error) {
	if r.cache != nil {
		if view, ok := r.cache.Get(ctx, id); ok {
			return view, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	view, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, models.StorageError("get transaction", err)
	}

	// Warm the cache
	r.CacheTransactionView(ctx, view)
	return view, nil
}

// List returns TransactionViews newest first from PostgreSQL.
func (r *TransactionReadRepository) List(ctx context.Context, q cqrs.ListTransactionsQuery) ([]models.TransactionView, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		rows *sql.Rows
		err  error
	)
	if q.AccountID != nil {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+transactionColumns+`
			FROM transactions
			WHERE source_account = $1 OR target_account = $1
			ORDER BY created_at DESC
			LIMIT $2
		`, *q.AccountID, q.Limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+transactionColumns+`
			FROM transactions
			ORDER BY created_at DESC
			LIMIT $1
		`, q.Limit)
	}
	if err != nil {
		return nil, models.StorageError("list transactions", err)
	}
	defer rows.Close()

	views := make([]models.TransactionView, 0)
	for rows.Next() {
		view, err := scanTransaction(rows)
		if err != nil {
			return nil, models.StorageError("scan transaction", err)
		}
		views = append(views, *view)
	}
	if err := rows.Err(); err != nil {
		return nil, models.StorageError("list transactions", err)
	}
	return views, nil
}

// CacheTransactionView stores the read model for a transaction in Redis.
// Called by the saga after the row is inserted and again once it is final.
func (r *TransactionReadRepository) CacheTransactionView(ctx context.Context, view *models.TransactionView) {
	if r.cache == nil {
		return
	}
	r.cache.Set(ctx, view.ID, view)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.TransactionView, error) {
	var (
		view      models.TransactionView
		riskScore sql.NullFloat64
	)
	if err := row.Scan(
		&view.ID, &view.SourceAccount, &view.TargetAccount,
		&view.Amount, &view.SuspectedFraud, &riskScore,
		&view.Verdict, &view.CreatedAt, &view.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if riskScore.Valid {
		score := riskScore.Float64
		view.RiskScore = &score
	}
	return &view, nil
}
