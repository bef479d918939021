package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mulehunter/backend/shared/config"

	_ "github.com/lib/pq"
)

// ConnectPostgres opens the pool, applies the pool limits and verifies the
// connection.
func ConnectPostgres(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the tables shared by the transaction and feature
// services if they do not exist yet.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
		id              TEXT PRIMARY KEY,
		source_account  BIGINT NOT NULL,
		target_account  BIGINT NOT NULL,
		amount          NUMERIC(20, 4) NOT NULL CHECK (amount >= 0),
		suspected_fraud BOOLEAN NOT NULL DEFAULT FALSE,
		risk_score      DOUBLE PRECISION CHECK (risk_score BETWEEN 0 AND 1),
		verdict         TEXT NOT NULL DEFAULT 'PENDING',
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_source ON transactions (source_account, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_target ON transactions (target_account, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS account_features (
		account_id       BIGINT PRIMARY KEY,
		in_degree        BIGINT NOT NULL DEFAULT 0,
		out_degree       BIGINT NOT NULL DEFAULT 0,
		total_incoming   NUMERIC(38, 4) NOT NULL DEFAULT 0,
		total_outgoing   NUMERIC(38, 4) NOT NULL DEFAULT 0,
		risk_ratio       NUMERIC NOT NULL DEFAULT 1,
		tx_velocity      BIGINT NOT NULL DEFAULT 0,
		account_age_days BIGINT NOT NULL DEFAULT 0,
		balance          NUMERIC(38, 4) NOT NULL DEFAULT 0,
		updated_at       TIMESTAMPTZ NOT NULL,
		version          BIGINT NOT NULL DEFAULT 1
	)`,
	// Upgrades for tables created before the ratio was unbounded and rows
	// were versioned.
	`ALTER TABLE account_features
		ALTER COLUMN total_incoming TYPE NUMERIC(38, 4),
		ALTER COLUMN total_outgoing TYPE NUMERIC(38, 4),
		ALTER COLUMN balance TYPE NUMERIC(38, 4),
		ALTER COLUMN risk_ratio TYPE NUMERIC`,
	`ALTER TABLE account_features ADD COLUMN IF NOT EXISTS version BIGINT NOT NULL DEFAULT 1`,
	`CREATE TABLE IF NOT EXISTS anomaly_scores (
		node_id       BIGINT PRIMARY KEY,
		anomaly_score DOUBLE PRECISION NOT NULL,
		is_anomalous  BOOLEAN NOT NULL DEFAULT FALSE,
		model         TEXT NOT NULL DEFAULT '',
		source        TEXT NOT NULL DEFAULT '',
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS shap_explanations (
		id            BIGSERIAL PRIMARY KEY,
		node_id       BIGINT NOT NULL,
		anomaly_score DOUBLE PRECISION,
		top_factors   JSONB NOT NULL DEFAULT '[]',
		model         TEXT NOT NULL DEFAULT '',
		source        TEXT NOT NULL DEFAULT '',
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_shap_explanations_node ON shap_explanations (node_id, updated_at DESC)`,
	`CREATE TABLE IF NOT EXISTS fraud_explanations (
		node_id    BIGINT PRIMARY KEY,
		reasons    JSONB NOT NULL DEFAULT '[]',
		model      TEXT NOT NULL DEFAULT '',
		source     TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL
	)`,
}
