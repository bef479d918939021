package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mulehunter/backend/shared/cqrs"
	"github.com/mulehunter/backend/shared/logging"
	"github.com/mulehunter/backend/shared/middleware"
	"github.com/mulehunter/backend/shared/models"
	"github.com/mulehunter/backend/shared/utils"
)

// FeatureQuerier defines the read-side operations used by FeatureHandler.
type FeatureQuerier interface {
	GetFeatures(context.Context, cqrs.GetFeaturesQuery) (*models.FeaturesView, error)
	ListFeatures(context.Context, cqrs.ListFeaturesQuery) ([]models.FeaturesView, error)
}

// FeatureHandler handles account-feature HTTP requests.
type FeatureHandler struct {
	queries FeatureQuerier
}

type ListFeaturesResponse struct {
	Features []models.FeaturesView `json:"features"`
}

func NewFeatureHandler(queries FeatureQuerier) *FeatureHandler {
	return &FeatureHandler{queries: queries}
}

// RegisterRoutes mounts the feature endpoints on rg. The full listing is
// only served to callers holding internalKey.
func (h *FeatureHandler) RegisterRoutes(rg *gin.RouterGroup, internalKey string) {
	features := rg.Group("/features")
	features.GET("", middleware.InternalKeyMiddleware(internalKey), h.ListFeatures)
	features.GET("/:accountId", h.GetFeatures)
}

func (h *FeatureHandler) GetFeatures(c *gin.Context) {
	accountID, err := utils.ParseAccountID(c.Param("accountId"))
	if err != nil {
		middleware.RespondWithFieldError(c, &models.ValidationError{Field: "accountId", Reason: err.Error()})
		return
	}

	view, err := h.queries.GetFeatures(c.Request.Context(), cqrs.GetFeaturesQuery{AccountID: accountID})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			middleware.RespondWithError(c, http.StatusNotFound, "Account features not found")
		case errors.Is(err, models.ErrStorageUnavailable):
			logging.FromContext(c.Request.Context()).Error("storage unavailable", "error", err)
			middleware.RespondWithError(c, http.StatusServiceUnavailable, "Storage temporarily unavailable")
		default:
			middleware.RespondWithError(c, http.StatusInternalServerError, "Failed to get account features")
		}
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *FeatureHandler) ListFeatures(c *gin.Context) {
	q := cqrs.ListFeaturesQuery{}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			middleware.RespondWithFieldError(c, &models.ValidationError{Field: "limit", Reason: "limit must be an integer"})
			return
		}
		q.Limit = limit
	}

	views, err := h.queries.ListFeatures(c.Request.Context(), q)
	if err != nil {
		if errors.Is(err, models.ErrStorageUnavailable) {
			middleware.RespondWithError(c, http.StatusServiceUnavailable, "Storage temporarily unavailable")
			return
		}
		middleware.RespondWithError(c, http.StatusInternalServerError, "Failed to list account features")
		return
	}
	c.JSON(http.StatusOK, ListFeaturesResponse{Features: views})
}
