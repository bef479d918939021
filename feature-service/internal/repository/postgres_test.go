package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/mulehunter/backend/shared/config"
	shareddb "github.com/mulehunter/backend/shared/db"
	"github.com/mulehunter/backend/shared/logging"
	"github.com/mulehunter/backend/shared/models"
)

// openTestDB connects to DATABASE_URL and applies the schema. Tests using it
// are skipped when the variable is unset.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	conn, err := shareddb.ConnectPostgres(ctx, config.DatabaseConfig{URL: url, MaxOpenConns: 10, MaxIdleConns: 2, ConnMaxLifetime: time.Minute})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := shareddb.EnsureSchema(ctx, conn); err != nil {
		t.Fatalf("schema: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// testNodeID returns a node id unlikely to collide with other runs and
// removes its rows afterwards.
func testNodeID(t *testing.T, conn *sql.DB) int64 {
	t.Helper()
	id := time.Now().UnixNano() % 1_000_000_000_000
	t.Cleanup(func() {
		for _, table := range []string{"anomaly_scores", "shap_explanations", "fraud_explanations"} {
			_, _ = conn.Exec(`DELETE FROM `+table+` WHERE node_id = $1`, id)
		}
		_, _ = conn.Exec(`DELETE FROM account_features WHERE account_id = $1`, id)
		_, _ = conn.Exec(`DELETE FROM transactions WHERE source_account = $1`, id)
	})
	return id
}

func TestAnalyticsRepositoryRoundTrip(t *testing.T) {
	conn := openTestDB(t)
	repo := NewAnalyticsRepository(conn, 5*time.Second)
	ctx := context.Background()
	node := testNodeID(t, conn)
	first := time.Now().UTC().Truncate(time.Microsecond)
	later := first.Add(time.Minute)

	if _, err := repo.GetAnomalyScore(ctx, node); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found got %v", err)
	}
	if err := repo.UpsertAnomalyScores(ctx, []models.AnomalyScore{
		{NodeID: node, AnomalyScore: 0.4, Model: "eif_v1", UpdatedAt: first},
		{NodeID: node, AnomalyScore: 0.9, IsAnomalous: true, Model: "eif_v2", UpdatedAt: later},
	}); err != nil {
		t.Fatalf("UpsertAnomalyScores: %v", err)
	}
	score, err := repo.GetAnomalyScore(ctx, node)
	if err != nil {
		t.Fatalf("GetAnomalyScore: %v", err)
	}
	if score.AnomalyScore != 0.9 || !score.IsAnomalous || score.Model != "eif_v2" {
		t.Errorf("score = %+v, want the last write", score)
	}

	s := 0.7
	if err := repo.InsertShapExplanations(ctx, []models.ShapExplanation{
		{NodeID: node, TopFactors: json.RawMessage(`{"in_degree": 0.4}`), UpdatedAt: first},
		{NodeID: node, AnomalyScore: &s, TopFactors: json.RawMessage(`[{"risk_ratio": 0.2}]`), UpdatedAt: later},
	}); err != nil {
		t.Fatalf("InsertShapExplanations: %v", err)
	}
	shap, err := repo.ListShapExplanations(ctx, node, 10)
	if err != nil {
		t.Fatalf("ListShapExplanations: %v", err)
	}
	if len(shap) != 2 || shap[0].AnomalyScore == nil || *shap[0].AnomalyScore != 0.7 || shap[1].AnomalyScore != nil {
		t.Fatalf("shap = %+v, want newest first", shap)
	}
	var factors []map[string]float64
	if err := json.Unmarshal(shap[0].TopFactors, &factors); err != nil || factors[0]["risk_ratio"] != 0.2 {
		t.Errorf("factors = %s (%v)", shap[0].TopFactors, err)
	}

	if err := repo.UpsertFraudExplanations(ctx, []models.FraudExplanation{
		{NodeID: node, Reasons: []string{"old"}, UpdatedAt: first},
		{NodeID: node, Reasons: []string{"fan-in", "rapid pass-through"}, UpdatedAt: later},
	}); err != nil {
		t.Fatalf("UpsertFraudExplanations: %v", err)
	}
	reasons, err := repo.GetFraudExplanation(ctx, node)
	if err != nil {
		t.Fatalf("GetFraudExplanation: %v", err)
	}
	if len(reasons.Reasons) != 2 || reasons.Reasons[1] != "rapid pass-through" {
		t.Errorf("reasons = %q", reasons.Reasons)
	}
}

func TestGraphRepositoryJoinsFeaturesAndScores(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	node := testNodeID(t, conn)
	now := time.Now().UTC()

	writer := NewFeatureWriteRepository(conn, 5*time.Second)
	features, err := writer.SetVelocity(ctx, node, 4, now)
	if err != nil {
		t.Fatalf("SetVelocity: %v", err)
	}
	if features.TxVelocity != 4 || features.Version != 1 {
		t.Errorf("features = %+v", features)
	}
	if again, err := writer.SetVelocity(ctx, node, 5, now); err != nil || again.Version != 2 {
		t.Errorf("second SetVelocity = %+v, %v; want version 2", again, err)
	}

	if err := NewAnalyticsRepository(conn, 5*time.Second).UpsertAnomalyScores(ctx, []models.AnomalyScore{
		{NodeID: node, AnomalyScore: 0.8, IsAnomalous: true, UpdatedAt: now},
	}); err != nil {
		t.Fatalf("UpsertAnomalyScores: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `
		INSERT INTO transactions (id, source_account, target_account, amount, created_at, updated_at)
		VALUES ($1, $2, 1, 12.5, $3, $3)
	`, "txn-graph-test-"+now.Format("150405.000000"), node, now); err != nil {
		t.Fatalf("insert transaction: %v", err)
	}

	graph := NewGraphRepository(conn, 5*time.Second)
	nodes, err := graph.Nodes(ctx, 1000)
	if err != nil {
		t.Fatalf("Nodes: %v", err)
	}
	var found *models.GraphNode
	for i := range nodes {
		if nodes[i].NodeID == node {
			found = &nodes[i]
		}
	}
	if found == nil || found.TxVelocity != 5 || found.AnomalyScore != 0.8 || !found.IsAnomalous {
		t.Errorf("graph node = %+v", found)
	}

	links, err := graph.Links(ctx, 1)
	if err != nil {
		t.Fatalf("Links: %v", err)
	}
	if len(links) != 1 || links[0].Source != node || links[0].Amount != 12.5 {
		t.Errorf("links = %+v, want the newest transaction", links)
	}

	reader := NewFeatureReadRepository(conn, nil, 5*time.Second, logging.Discard())
	view, err := reader.GetByAccountID(ctx, node)
	if err != nil || view.TxVelocity != 5 || view.Version != 2 {
		t.Errorf("view = %+v, %v", view, err)
	}
}
