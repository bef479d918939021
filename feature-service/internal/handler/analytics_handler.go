package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mulehunter/backend/shared/cqrs"
	"github.com/mulehunter/backend/shared/logging"
	"github.com/mulehunter/backend/shared/middleware"
	"github.com/mulehunter/backend/shared/models"
	"github.com/mulehunter/backend/shared/utils"
)

// AnalyticsCommander defines the ingestion operations used by AnalyticsHandler.
type AnalyticsCommander interface {
	RecordAnomalyScores(context.Context, cqrs.RecordAnomalyScoresCommand) (int, error)
	RecordShapExplanations(context.Context, cqrs.RecordShapExplanationsCommand) (int, error)
	RecordFraudExplanations(context.Context, cqrs.RecordFraudExplanationsCommand) (int, error)
}

// AnalyticsQuerier defines the graph and node reads used by AnalyticsHandler.
type AnalyticsQuerier interface {
	GetGraph(context.Context, cqrs.GetGraphQuery) (*models.Graph, error)
	GetNodeDetail(context.Context, cqrs.GetNodeQuery) (*models.NodeDetail, error)
	GetNodeAnalytics(context.Context, cqrs.GetNodeQuery) (*models.NodeAnalytics, error)
	GetAnomalyScore(context.Context, cqrs.GetNodeQuery) (*models.AnomalyScore, error)
}

// AnalyticsHandler serves the transaction graph and accepts model outputs
// from the visual-analytics pipeline.
type AnalyticsHandler struct {
	commands AnalyticsCommander
	queries  AnalyticsQuerier
}

type AnomalyScoreRequest struct {
	NodeID       *int64      `json:"nodeId" validate:"required,gte=0"`
	AnomalyScore *float64    `json:"anomalyScore" validate:"required"`
	IsAnomalous  AnomalyFlag `json:"isAnomalous"`
	Model        string      `json:"model" validate:"max=64"`
	Source       string      `json:"source" validate:"max=64"`
}

type ShapExplanationRequest struct {
	NodeID       *int64          `json:"nodeId" validate:"required,gte=0"`
	AnomalyScore *float64        `json:"anomalyScore"`
	TopFactors   json.RawMessage `json:"topFactors"`
	Model        string          `json:"model" validate:"max=64"`
	Source       string          `json:"source" validate:"max=64"`
}

type FraudExplanationRequest struct {
	NodeID  *int64   `json:"nodeId" validate:"required,gte=0"`
	Reasons []string `json:"reasons"`
	Model   string   `json:"model" validate:"max=64"`
	Source  string   `json:"source" validate:"max=64"`
}

// AnomalyFlag decodes a boolean sent as true/false or as 0/1.
type AnomalyFlag bool

func (f *AnomalyFlag) UnmarshalJSON(b []byte) error {
	switch string(bytes.TrimSpace(b)) {
	case "true", "1":
		*f = true
	case "false", "0", "null":
		*f = false
	default:
		return fmt.Errorf("isAnomalous must be a boolean or 0/1, got %s", b)
	}
	return nil
}

type BatchResponse struct {
	Message string `json:"message"`
	Stored  int    `json:"stored"`
}

func NewAnalyticsHandler(commands AnalyticsCommander, queries AnalyticsQuerier) *AnalyticsHandler {
	return &AnalyticsHandler{commands: commands, queries: queries}
}

// RegisterRoutes mounts the graph and visual endpoints on rg.
func (h *AnalyticsHandler) RegisterRoutes(rg *gin.RouterGroup, internalKey string) {
	graph := rg.Group("/graph")
	graph.GET("", h.GetGraph)
	graph.GET("/nodes/:nodeId", h.GetNodeDetail)

	h.RegisterVisualRoutes(rg, internalKey)
}

// RegisterVisualRoutes mounts the node analytics reads and the batch
// ingestion endpoints, which require internalKey.
func (h *AnalyticsHandler) RegisterVisualRoutes(rg *gin.RouterGroup, internalKey string) {
	visual := rg.Group("/visual")
	visual.GET("/nodes/:nodeId/full", h.GetNodeAnalytics)
	visual.GET("/anomaly-scores/:nodeId", h.GetAnomalyScore)

	ingest := visual.Group("", middleware.InternalKeyMiddleware(internalKey))
	ingest.POST("/anomaly-scores/batch", h.RecordAnomalyScores)
	ingest.POST("/shap-explanations/batch", h.RecordShapExplanations)
	ingest.POST("/fraud-explanations/batch", h.RecordFraudExplanations)
}

func (h *AnalyticsHandler) GetGraph(c *gin.Context) {
	q := cqrs.GetGraphQuery{}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			middleware.RespondWithFieldError(c, &models.ValidationError{Field: "limit", Reason: "limit must be an integer"})
			return
		}
		q.Limit = limit
	}
	graph, err := h.queries.GetGraph(c.Request.Context(), q)
	if err != nil {
		respondWithAnalyticsError(c, err, "Failed to load graph")
		return
	}
	c.JSON(http.StatusOK, graph)
}

func (h *AnalyticsHandler) GetNodeDetail(c *gin.Context) {
	q, ok := nodeQuery(c)
	if !ok {
		return
	}
	detail, err := h.queries.GetNodeDetail(c.Request.Context(), q)
	if err != nil {
		respondWithAnalyticsError(c, err, "Failed to load node")
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *AnalyticsHandler) GetNodeAnalytics(c *gin.Context) {
	q, ok := nodeQuery(c)
	if !ok {
		return
	}
	analytics, err := h.queries.GetNodeAnalytics(c.Request.Context(), q)
	if err != nil {
		respondWithAnalyticsError(c, err, "Failed to load node analytics")
		return
	}
	c.JSON(http.StatusOK, analytics)
}

func (h *AnalyticsHandler) GetAnomalyScore(c *gin.Context) {
	q, ok := nodeQuery(c)
	if !ok {
		return
	}
	score, err := h.queries.GetAnomalyScore(c.Request.Context(), q)
	if err != nil {
		respondWithAnalyticsError(c, err, "Failed to get anomaly score")
		return
	}
	c.JSON(http.StatusOK, score)
}

func (h *AnalyticsHandler) RecordAnomalyScores(c *gin.Context) {
	var reqs []AnomalyScoreRequest
	if !bindBatch(c, &reqs, false) || !validateBatch(c, reqs) {
		return
	}
	cmd := cqrs.RecordAnomalyScoresCommand{Scores: make([]models.AnomalyScore, len(reqs))}
	for i, r := range reqs {
		cmd.Scores[i] = models.AnomalyScore{
			NodeID:       *r.NodeID,
			AnomalyScore: *r.AnomalyScore,
			IsAnomalous:  bool(r.IsAnomalous),
			Model:        r.Model,
			Source:       r.Source,
		}
	}
	n, err := h.commands.RecordAnomalyScores(c.Request.Context(), cmd)
	if err != nil {
		respondWithAnalyticsError(c, err, "Failed to store anomaly scores")
		return
	}
	c.JSON(http.StatusOK, BatchResponse{Message: "Anomaly scores stored successfully", Stored: n})
}

func (h *AnalyticsHandler) RecordShapExplanations(c *gin.Context) {
	var reqs []ShapExplanationRequest
	if !bindBatch(c, &reqs, false) || !validateBatch(c, reqs) {
		return
	}
	cmd := cqrs.RecordShapExplanationsCommand{Explanations: make([]models.ShapExplanation, len(reqs))}
	for i, r := range reqs {
		cmd.Explanations[i] = models.ShapExplanation{
			NodeID:       *r.NodeID,
			AnomalyScore: r.AnomalyScore,
			TopFactors:   r.TopFactors,
			Model:        r.Model,
			Source:       r.Source,
		}
	}
	n, err := h.commands.RecordShapExplanations(c.Request.Context(), cmd)
	if err != nil {
		respondWithAnalyticsError(c, err, "Failed to store SHAP explanations")
		return
	}
	c.JSON(http.StatusOK, BatchResponse{Message: "SHAP explanations stored successfully", Stored: n})
}

// RecordFraudExplanations accepts a list or a single explanation object.
func (h *AnalyticsHandler) RecordFraudExplanations(c *gin.Context) {
	var reqs []FraudExplanationRequest
	if !bindBatch(c, &reqs, true) || !validateBatch(c, reqs) {
		return
	}
	cmd := cqrs.RecordFraudExplanationsCommand{Explanations: make([]models.FraudExplanation, len(reqs))}
	for i, r := range reqs {
		cmd.Explanations[i] = models.FraudExplanation{
			NodeID:  *r.NodeID,
			Reasons: r.Reasons,
			Model:   r.Model,
			Source:  r.Source,
		}
	}
	n, err := h.commands.RecordFraudExplanations(c.Request.Context(), cmd)
	if err != nil {
		respondWithAnalyticsError(c, err, "Failed to store fraud explanations")
		return
	}
	c.JSON(http.StatusOK, BatchResponse{Message: "Fraud explanations stored successfully", Stored: n})
}

// bindBatch decodes a JSON array into out. With allowSingle a lone object is
// read as a one-element batch.
func bindBatch[T any](c *gin.Context, out *[]T, allowSingle bool) bool {
	body, err := c.GetRawData()
	if err != nil {
		middleware.RespondWithError(c, http.StatusBadRequest, "Invalid request body")
		return false
	}
	body = bytes.TrimSpace(body)
	if allowSingle && len(body) > 0 && body[0] == '{' {
		var one T
		if err := json.Unmarshal(body, &one); err != nil {
			middleware.RespondWithError(c, http.StatusBadRequest, "Invalid request body")
			return false
		}
		*out = []T{one}
		return true
	}
	if err := json.Unmarshal(body, out); err != nil {
		middleware.RespondWithError(c, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// validateBatch runs the validate tags of every item, prefixing fields with
// the item's index.
func validateBatch[T any](c *gin.Context, items []T) bool {
	var details []middleware.ValidationError
	for i, item := range items {
		for _, d := range middleware.ValidateRequest(item) {
			d.Field = fmt.Sprintf("[%d].%s", i, d.Field)
			details = append(details, d)
		}
	}
	if len(details) > 0 {
		middleware.RespondWithValidationError(c, details)
		return false
	}
	return true
}

func nodeQuery(c *gin.Context) (cqrs.GetNodeQuery, bool) {
	nodeID, err := utils.ParseAccountID(c.Param("nodeId"))
	if err != nil {
		middleware.RespondWithFieldError(c, &models.ValidationError{Field: "nodeId", Reason: err.Error()})
		return cqrs.GetNodeQuery{}, false
	}
	return cqrs.GetNodeQuery{NodeID: nodeID}, true
}

func respondWithAnalyticsError(c *gin.Context, err error, fallback string) {
	var validationErr *models.ValidationError
	switch {
	case errors.As(err, &validationErr):
		middleware.RespondWithFieldError(c, validationErr)
	case errors.Is(err, models.ErrNotFound):
		middleware.RespondWithError(c, http.StatusNotFound, "Node not found")
	case errors.Is(err, models.ErrStorageUnavailable):
		logging.FromContext(c.Request.Context()).Error("storage unavailable", "error", err)
		middleware.RespondWithError(c, http.StatusServiceUnavailable, "Storage temporarily unavailable")
	default:
		logging.FromContext(c.Request.Context()).Error("request failed", "error", err)
		middleware.RespondWithError(c, http.StatusInternalServerError, fallback)
	}
}
