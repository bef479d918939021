package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/mulehunter/backend/shared/models"
)

// GraphRepository reads the account graph: accounts known from features or
// anomaly scores are nodes, stored transactions are links.
type GraphRepository struct {
	db      *sql.DB
	timeout time.Duration
}

func NewGraphRepository(db *sql.DB, timeout time.Duration) *GraphRepository {
	return &GraphRepository{db: db, timeout: timeout}
}

// Nodes returns up to limit nodes ordered by id.
func (r *GraphRepository) Nodes(ctx context.Context, limit int) ([]models.GraphNode, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT COALESCE(f.account_id, a.node_id) AS node_id,
		       COALESCE(a.anomaly_score, 0),
		       COALESCE(a.is_anomalous, FALSE),
		       COALESCE(f.tx_velocity, 0)
		FROM account_features f
		FULL OUTER JOIN anomaly_scores a ON a.node_id = f.account_id
		ORDER BY node_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, models.StorageError("list graph nodes", err)
	}
	defer rows.Close()

	nodes := make([]models.GraphNode, 0)
	for rows.Next() {
		var n models.GraphNode
		if err := rows.Scan(&n.NodeID, &n.AnomalyScore, &n.IsAnomalous, &n.TxVelocity); err != nil {
			return nil, models.StorageError("scan graph node", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, models.StorageError("list graph nodes", err)
	}
	return nodes, nil
}

// Links returns the limit most recent transactions as edges.
func (r *GraphRepository) Links(ctx context.Context, limit int) ([]models.GraphLink, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT source_account, target_account, amount
		FROM transactions
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, models.StorageError("list graph links", err)
	}
	defer rows.Close()

	links := make([]models.GraphLink, 0)
	for rows.Next() {
		var l models.GraphLink
		if err := rows.Scan(&l.Source, &l.Target, &l.Amount); err != nil {
			return nil, models.StorageError("scan graph link", err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, models.StorageError("list graph links", err)
	}
	return links, nil
}
