package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mulehunter/backend/shared/models"
)

const (
	upsertAnomalyScoreSQL = `
		INSERT INTO anomaly_scores (node_id, anomaly_score, is_anomalous, model, source, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (node_id) DO UPDATE SET
			anomaly_score = EXCLUDED.anomaly_score,
			is_anomalous  = EXCLUDED.is_anomalous,
			model         = EXCLUDED.model,
			source        = EXCLUDED.source,
			updated_at    = EXCLUDED.updated_at`

	insertShapExplanationSQL = `
		INSERT INTO shap_explanations (node_id, anomaly_score, top_factors, model, source, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	upsertFraudExplanationSQL = `
		INSERT INTO fraud_explanations (node_id, reasons, model, source, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (node_id) DO UPDATE SET
			reasons    = EXCLUDED.reasons,
			model      = EXCLUDED.model,
			source     = EXCLUDED.source,
			updated_at = EXCLUDED.updated_at`
)

// AnalyticsRepository stores the outputs of the visual-analytics models.
// Each batch is written in one transaction.
type AnalyticsRepository struct {
	db      *sql.DB
	timeout time.Duration
}

func NewAnalyticsRepository(db *sql.DB, timeout time.Duration) *AnalyticsRepository {
	return &AnalyticsRepository{db: db, timeout: timeout}
}

func (r *AnalyticsRepository) UpsertAnomalyScores(ctx context.Context, scores []models.AnomalyScore) error {
	return r.batch(ctx, "store anomaly scores", upsertAnomalyScoreSQL, len(scores), func(i int) ([]any, error) {
		s := scores[i]
		return []any{s.NodeID, s.AnomalyScore, s.IsAnomalous, s.Model, s.Source, s.UpdatedAt}, nil
	})
}

func (r *AnalyticsRepository) InsertShapExplanations(ctx context.Context, explanations []models.ShapExplanation) error {
	return r.batch(ctx, "store shap explanations", insertShapExplanationSQL, len(explanations), func(i int) ([]any, error) {
		e := explanations[i]
		return []any{e.NodeID, nullFloat(e.AnomalyScore), string(e.TopFactors), e.Model, e.Source, e.UpdatedAt}, nil
	})
}

func (r *AnalyticsRepository) UpsertFraudExplanations(ctx context.Context, explanations []models.FraudExplanation) error {
	return r.batch(ctx, "store fraud explanations", upsertFraudExplanationSQL, len(explanations), func(i int) ([]any, error) {
		e := explanations[i]
		reasons, err := json.Marshal(e.Reasons)
		if err != nil {
			return nil, err
		}
		return []any{e.NodeID, string(reasons), e.Model, e.Source, e.UpdatedAt}, nil
	})
}

// batch runs query once per row inside a single transaction.
func (r *AnalyticsRepository) batch(ctx context.Context, op, query string, n int, args func(i int) ([]any, error)) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.StorageError(op, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return models.StorageError(op, err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		values, err := args(i)
		if err != nil {
			return fmt.Errorf("%s: row %d: %w", op, i, err)
		}
		if _, err := stmt.ExecContext(ctx, values...); err != nil {
			return models.StorageError(op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return models.StorageError(op, err)
	}
	return nil
}

func (r *AnalyticsRepository) GetAnomalyScore(ctx context.Context, nodeID int64) (*models.AnomalyScore, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var s models.AnomalyScore
	err := r.db.QueryRowContext(ctx, `
		SELECT node_id, anomaly_score, is_anomalous, model, source, updated_at
		FROM anomaly_scores WHERE node_id = $1
	`, nodeID).Scan(&s.NodeID, &s.AnomalyScore, &s.IsAnomalous, &s.Model, &s.Source, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, models.StorageError("get anomaly score", err)
	}
	return &s, nil
}

// ListShapExplanations returns a node's attribution runs, newest first.
func (r *AnalyticsRepository) ListShapExplanations(ctx context.Context, nodeID int64, limit int) ([]models.ShapExplanation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT node_id, anomaly_score, top_factors, model, source, updated_at
		FROM shap_explanations
		WHERE node_id = $1
		ORDER BY updated_at DESC, id DESC
		LIMIT $2
	`, nodeID, limit)
	if err != nil {
		return nil, models.StorageError("list shap explanations", err)
	}
	defer rows.Close()

	explanations := make([]models.ShapExplanation, 0)
	for rows.Next() {
		var (
			e       models.ShapExplanation
			score   sql.NullFloat64
			factors []byte
		)
		if err := rows.Scan(&e.NodeID, &score, &factors, &e.Model, &e.Source, &e.UpdatedAt); err != nil {
			return nil, models.StorageError("scan shap explanation", err)
		}
		if score.Valid {
			e.AnomalyScore = &score.Float64
		}
		e.TopFactors = json.RawMessage(factors)
		explanations = append(explanations, e)
	}
	if err := rows.Err(); err != nil {
		return nil, models.StorageError("list shap explanations", err)
	}
	return explanations, nil
}

func (r *AnalyticsRepository) GetFraudExplanation(ctx context.Context, nodeID int64) (*models.FraudExplanation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		e       models.FraudExplanation
		reasons []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT node_id, reasons, model, source, updated_at
		FROM fraud_explanations WHERE node_id = $1
	`, nodeID).Scan(&e.NodeID, &reasons, &e.Model, &e.Source, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, models.StorageError("get fraud explanation", err)
	}
	if err := json.Unmarshal(reasons, &e.Reasons); err != nil {
		return nil, fmt.Errorf("decode reasons of node %d: %w", nodeID, err)
	}
	return &e, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
