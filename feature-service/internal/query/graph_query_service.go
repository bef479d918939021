package query

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mulehunter/backend/shared/cqrs"
	"github.com/mulehunter/backend/shared/models"
	"github.com/mulehunter/backend/shared/utils"
	"golang.org/x/sync/errgroup"
)

// ShapHistoryLimit caps the attribution runs returned for one node.
const ShapHistoryLimit = 20

type GraphReader interface {
	Nodes(ctx context.Context, limit int) ([]models.GraphNode, error)
	Links(ctx context.Context, limit int) ([]models.GraphLink, error)
}

type AnalyticsReader interface {
	GetAnomalyScore(ctx context.Context, nodeID int64) (*models.AnomalyScore, error)
	ListShapExplanations(ctx context.Context, nodeID int64, limit int) ([]models.ShapExplanation, error)
	GetFraudExplanation(ctx context.Context, nodeID int64) (*models.FraudExplanation, error)
}

// GraphQueryService serves the graph and per-node analytics views. A node
// exists once it has features or an anomaly score.
type GraphQueryService struct {
	graph     GraphReader
	analytics AnalyticsReader
	features  FeatureReader
}

func NewGraphQueryService(graph GraphReader, analytics AnalyticsReader, features FeatureReader) *GraphQueryService {
	return &GraphQueryService{graph: graph, analytics: analytics, features: features}
}

func (s *GraphQueryService) GetGraph(ctx context.Context, q cqrs.GetGraphQuery) (*models.Graph, error) {
	limit := utils.ClampLimit(q.Limit)
	graph := &models.Graph{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		nodes, err := s.graph.Nodes(gctx, limit)
		graph.Nodes = nodes
		return err
	})
	g.Go(func() error {
		links, err := s.graph.Links(gctx, limit)
		graph.Links = links
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return graph, nil
}

func (s *GraphQueryService) GetAnomalyScore(ctx context.Context, q cqrs.GetNodeQuery) (*models.AnomalyScore, error) {
	return s.analytics.GetAnomalyScore(ctx, q.NodeID)
}

// GetNodeDetail summarises a node for the graph view, using the newest SHAP
// run for its factors.
func (s *GraphQueryService) GetNodeDetail(ctx context.Context, q cqrs.GetNodeQuery) (*models.NodeDetail, error) {
	all, err := s.load(ctx, q.NodeID, 1)
	if err != nil {
		return nil, err
	}
	detail := &models.NodeDetail{
		NodeID:      q.NodeID,
		Reasons:     []string{},
		ShapFactors: json.RawMessage("[]"),
	}
	if all.Anomaly != nil {
		detail.AnomalyScore = all.Anomaly.AnomalyScore
		detail.IsAnomalous = all.Anomaly.IsAnomalous
	}
	if all.Reasons != nil {
		detail.Reasons = all.Reasons.Reasons
	}
	if len(all.Shap) > 0 {
		detail.ShapFactors = all.Shap[0].TopFactors
	}
	return detail, nil
}

func (s *GraphQueryService) GetNodeAnalytics(ctx context.Context, q cqrs.GetNodeQuery) (*models.NodeAnalytics, error) {
	return s.load(ctx, q.NodeID, ShapHistoryLimit)
}

// load reads the four sources concurrently.
func (s *GraphQueryService) load(ctx context.Context, nodeID int64, shapLimit int) (*models.NodeAnalytics, error) {
	out := &models.NodeAnalytics{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := optional(s.features.GetByAccountID(gctx, nodeID))
		out.Features = v
		return err
	})
	g.Go(func() error {
		v, err := optional(s.analytics.GetAnomalyScore(gctx, nodeID))
		out.Anomaly = v
		return err
	})
	g.Go(func() error {
		v, err := s.analytics.ListShapExplanations(gctx, nodeID, shapLimit)
		out.Shap = v
		return err
	})
	g.Go(func() error {
		v, err := optional(s.analytics.GetFraudExplanation(gctx, nodeID))
		out.Reasons = v
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if out.Features == nil && out.Anomaly == nil {
		return nil, models.ErrNotFound
	}
	if out.Shap == nil {
		out.Shap = []models.ShapExplanation{}
	}
	return out, nil
}

func optional[T any](v *T, err error) (*T, error) {
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	return v, err
}
