package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mulehunter/backend/shared/cqrs"
	"github.com/mulehunter/backend/shared/metrics"
	"github.com/mulehunter/backend/shared/models"
)

// MaxAnalyticsBatch bounds one ingestion request.
const MaxAnalyticsBatch = 1000

// AnalyticsWriter persists model outputs.
type AnalyticsWriter interface {
	UpsertAnomalyScores(ctx context.Context, scores []models.AnomalyScore) error
	InsertShapExplanations(ctx context.Context, explanations []models.ShapExplanation) error
	UpsertFraudExplanations(ctx context.Context, explanations []models.FraudExplanation) error
}

// AnalyticsService ingests the anomaly scores, SHAP attributions and fraud
// reasons produced by the visual-analytics pipeline.
type AnalyticsService struct {
	store   AnalyticsWriter
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewAnalyticsService(store AnalyticsWriter, m *metrics.Metrics, logger *slog.Logger) *AnalyticsService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalyticsService{
		store:   store,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RecordAnomalyScores stores the batch, replacing each node's previous score.
// It returns the number of records written.
func (s *AnalyticsService) RecordAnomalyScores(ctx context.Context, cmd cqrs.RecordAnomalyScoresCommand) (int, error) {
	if err := checkBatch(len(cmd.Scores)); err != nil {
		return 0, err
	}
	now := s.now()
	scores := make([]models.AnomalyScore, len(cmd.Scores))
	for i, sc := range cmd.Scores {
		if sc.NodeID < 0 {
			return 0, itemError(i, "nodeId", "must not be negative")
		}
		sc.Model = strings.TrimSpace(sc.Model)
		sc.Source = strings.TrimSpace(sc.Source)
		sc.UpdatedAt = now
		scores[i] = sc
	}
	err := s.store.UpsertAnomalyScores(ctx, scores)
	return s.finish(ctx, "anomaly_score", len(scores), err)
}

// RecordShapExplanations appends the batch. Missing factors are stored as an
// empty list.
func (s *AnalyticsService) RecordShapExplanations(ctx context.Context, cmd cqrs.RecordShapExplanationsCommand) (int, error) {
	if err := checkBatch(len(cmd.Explanations)); err != nil {
		return 0, err
	}
	now := s.now()
	explanations := make([]models.ShapExplanation, len(cmd.Explanations))
	for i, e := range cmd.Explanations {
		if e.NodeID < 0 {
			return 0, itemError(i, "nodeId", "must not be negative")
		}
		factors, err := normaliseFactors(e.TopFactors)
		if err != nil {
			return 0, itemError(i, "topFactors", err.Error())
		}
		e.TopFactors = factors
		e.Model = strings.TrimSpace(e.Model)
		e.Source = strings.TrimSpace(e.Source)
		e.UpdatedAt = now
		explanations[i] = e
	}
	err := s.store.InsertShapExplanations(ctx, explanations)
	return s.finish(ctx, "shap_explanation", len(explanations), err)
}

// RecordFraudExplanations replaces the reasons of every node in the batch.
func (s *AnalyticsService) RecordFraudExplanations(ctx context.Context, cmd cqrs.RecordFraudExplanationsCommand) (int, error) {
	if err := checkBatch(len(cmd.Explanations)); err != nil {
		return 0, err
	}
	now := s.now()
	explanations := make([]models.FraudExplanation, len(cmd.Explanations))
	for i, e := range cmd.Explanations {
		if e.NodeID < 0 {
			return 0, itemError(i, "nodeId", "must not be negative")
		}
		reasons := make([]string, 0, len(e.Reasons))
		for _, r := range e.Reasons {
			if r = strings.TrimSpace(r); r != "" {
				reasons = append(reasons, r)
			}
		}
		e.Reasons = reasons
		e.Model = strings.TrimSpace(e.Model)
		e.Source = strings.TrimSpace(e.Source)
		e.UpdatedAt = now
		explanations[i] = e
	}
	err := s.store.UpsertFraudExplanations(ctx, explanations)
	return s.finish(ctx, "fraud_explanation", len(explanations), err)
}

func (s *AnalyticsService) finish(ctx context.Context, kind string, n int, err error) (int, error) {
	if err != nil {
		s.observe(kind, "error", 1)
		s.logger.ErrorContext(ctx, "failed to store model output", "kind", kind, "count", n, "error", err)
		return 0, err
	}
	s.observe(kind, "ok", n)
	s.logger.DebugContext(ctx, "model output stored", "kind", kind, "count", n)
	return n, nil
}

func (s *AnalyticsService) observe(kind, result string, n int) {
	if s.metrics != nil {
		s.metrics.AnalyticsRecords.WithLabelValues(kind, result).Add(float64(n))
	}
}

func checkBatch(n int) error {
	switch {
	case n == 0:
		return &models.ValidationError{Field: "batch", Reason: "must contain at least one record"}
	case n > MaxAnalyticsBatch:
		return &models.ValidationError{Field: "batch", Reason: fmt.Sprintf("must contain at most %d records", MaxAnalyticsBatch)}
	}
	return nil
}

func itemError(i int, field, reason string) error {
	return &models.ValidationError{Field: fmt.Sprintf("[%d].%s", i, field), Reason: reason}
}

// normaliseFactors accepts a JSON object (feature to weight) or a list of
// such objects. Absent or null factors become an empty list.
func normaliseFactors(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("[]"), nil
	}
	if !json.Valid(trimmed) {
		return nil, errors.New("not valid JSON")
	}
	switch trimmed[0] {
	case '{', '[':
		return json.RawMessage(trimmed), nil
	}
	return nil, errors.New("must be an object or a list")
}
