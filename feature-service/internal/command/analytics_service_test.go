package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mulehunter/backend/shared/cqrs"
	"github.com/mulehunter/backend/shared/logging"
	"github.com/mulehunter/backend/shared/metrics"
	"github.com/mulehunter/backend/shared/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeAnalyticsStore struct {
	scores  []models.AnomalyScore
	shap    []models.ShapExplanation
	reasons []models.FraudExplanation
	err     error
}

func (f *fakeAnalyticsStore) UpsertAnomalyScores(_ context.Context, s []models.AnomalyScore) error {
	if f.err != nil {
		return f.err
	}
	f.scores = append(f.scores, s...)
	return nil
}

func (f *fakeAnalyticsStore) InsertShapExplanations(_ context.Context, e []models.ShapExplanation) error {
	if f.err != nil {
		return f.err
	}
	f.shap = append(f.shap, e...)
	return nil
}

func (f *fakeAnalyticsStore) UpsertFraudExplanations(_ context.Context, e []models.FraudExplanation) error {
	if f.err != nil {
		return f.err
	}
	f.reasons = append(f.reasons, e...)
	return nil
}

func newAnalyticsFixture(now time.Time) (*AnalyticsService, *fakeAnalyticsStore, *metrics.Metrics) {
	store := &fakeAnalyticsStore{}
	m := metrics.New("analyticstest")
	svc := NewAnalyticsService(store, m, logging.Discard())
	svc.now = func() time.Time { return now }
	return svc, store, m
}

func fieldOf(err error) string {
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		return ve.Field
	}
	return ""
}

func TestRecordAnomalyScoresStampsAndCleans(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	svc, store, m := newAnalyticsFixture(now)

	n, err := svc.RecordAnomalyScores(context.Background(), cqrs.RecordAnomalyScoresCommand{Scores: []models.AnomalyScore{
		{NodeID: 100, AnomalyScore: 0.93, IsAnomalous: true, Model: " eif_v1 ", Source: "visual-analytics"},
		{NodeID: 0, AnomalyScore: 0.1},
	}})
	if err != nil || n != 2 {
		t.Fatalf("RecordAnomalyScores = %d, %v", n, err)
	}
	if len(store.scores) != 2 {
		t.Fatalf("stored %d scores", len(store.scores))
	}
	if store.scores[0].Model != "eif_v1" || !store.scores[0].UpdatedAt.Equal(now) || !store.scores[1].UpdatedAt.Equal(now) {
		t.Errorf("stored = %+v", store.scores)
	}
	if v := testutil.ToFloat64(m.AnalyticsRecords.WithLabelValues("anomaly_score", "ok")); v != 2 {
		t.Errorf("ok records = %v, want 2", v)
	}
}

func TestRecordAnalyticsRejectsBadBatches(t *testing.T) {
	svc, store, _ := newAnalyticsFixture(time.Now())
	ctx := context.Background()
	tooMany := make([]models.AnomalyScore, MaxAnalyticsBatch+1)

	tests := []struct {
		name          string
		run           func() (int, error)
		expectedField string
	}{
		{
			name:          "empty anomaly batch",
			run:           func() (int, error) { return svc.RecordAnomalyScores(ctx, cqrs.RecordAnomalyScoresCommand{}) },
			expectedField: "batch",
		},
		{
			name: "oversized anomaly batch",
			run: func() (int, error) {
				return svc.RecordAnomalyScores(ctx, cqrs.RecordAnomalyScoresCommand{Scores: tooMany})
			},
			expectedField: "batch",
		},
		{
			name: "negative node in anomaly batch",
			run: func() (int, error) {
				return svc.RecordAnomalyScores(ctx, cqrs.RecordAnomalyScoresCommand{Scores: []models.AnomalyScore{{NodeID: 1}, {NodeID: -4}}})
			},
			expectedField: "[1].nodeId",
		},
		{
			name: "scalar shap factors",
			run: func() (int, error) {
				return svc.RecordShapExplanations(ctx, cqrs.RecordShapExplanationsCommand{Explanations: []models.ShapExplanation{
					{NodeID: 1, TopFactors: json.RawMessage(`0.4`)},
				}})
			},
			expectedField: "[0].topFactors",
		},
		{
			name: "broken shap factors",
			run: func() (int, error) {
				return svc.RecordShapExplanations(ctx, cqrs.RecordShapExplanationsCommand{Explanations: []models.ShapExplanation{
					{NodeID: 1, TopFactors: json.RawMessage(`{"a":`)},
				}})
			},
			expectedField: "[0].topFactors",
		},
		{
			name:          "empty fraud batch",
			run:           func() (int, error) { return svc.RecordFraudExplanations(ctx, cqrs.RecordFraudExplanationsCommand{}) },
			expectedField: "batch",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := tt.run()
			if !errors.Is(err, models.ErrValidation) {
				t.Fatalf("[%s] expected a validation error got %v", tt.name, err)
			}
			if n != 0 {
				t.Errorf("[%s] reported %d stored", tt.name, n)
			}
			if got := fieldOf(err); got != tt.expectedField {
				t.Errorf("[%s] expected field %q got %q", tt.name, tt.expectedField, got)
			}
		})
	}
	if len(store.scores)+len(store.shap)+len(store.reasons) != 0 {
		t.Errorf("rejected batches reached the store")
	}
}

func TestRecordShapExplanationsNormalisesFactors(t *testing.T) {
	svc, store, _ := newAnalyticsFixture(time.Now())
	score := 0.8

	_, err := svc.RecordShapExplanations(context.Background(), cqrs.RecordShapExplanationsCommand{Explanations: []models.ShapExplanation{
		{NodeID: 1, TopFactors: json.RawMessage(` {"in_degree": 0.4} `)},
		{NodeID: 2, AnomalyScore: &score, TopFactors: json.RawMessage(`[{"risk_ratio": 0.2}]`)},
		{NodeID: 3, TopFactors: json.RawMessage(`null`)},
		{NodeID: 4},
	}})
	if err != nil {
		t.Fatalf("RecordShapExplanations: %v", err)
	}
	want := []string{`{"in_degree": 0.4}`, `[{"risk_ratio": 0.2}]`, `[]`, `[]`}
	for i, w := range want {
		if got := string(store.shap[i].TopFactors); got != w {
			t.Errorf("node %d factors = %s, want %s", store.shap[i].NodeID, got, w)
		}
	}
}

func TestRecordFraudExplanationsDropsBlankReasons(t *testing.T) {
	svc, store, _ := newAnalyticsFixture(time.Now())

	_, err := svc.RecordFraudExplanations(context.Background(), cqrs.RecordFraudExplanationsCommand{Explanations: []models.FraudExplanation{
		{NodeID: 1, Reasons: []string{" fan-in ", "", "  "}},
		{NodeID: 2},
	}})
	if err != nil {
		t.Fatalf("RecordFraudExplanations: %v", err)
	}
	if r := store.reasons[0].Reasons; len(r) != 1 || r[0] != "fan-in" {
		t.Errorf("reasons = %q", r)
	}
	if r := store.reasons[1].Reasons; r == nil || len(r) != 0 {
		t.Errorf("missing reasons = %#v, want an empty list", r)
	}
}

func TestRecordAnalyticsStoreFailure(t *testing.T) {
	svc, store, m := newAnalyticsFixture(time.Now())
	store.err = models.StorageError("store fraud explanations", fmt.Errorf("connection refused"))

	n, err := svc.RecordFraudExplanations(context.Background(), cqrs.RecordFraudExplanationsCommand{Explanations: []models.FraudExplanation{{NodeID: 1}}})
	if !errors.Is(err, models.ErrStorageUnavailable) || n != 0 {
		t.Fatalf("RecordFraudExplanations = %d, %v", n, err)
	}
	if v := testutil.ToFloat64(m.AnalyticsRecords.WithLabelValues("fraud_explanation", "error")); v != 1 {
		t.Errorf("error records = %v, want 1", v)
	}
}
