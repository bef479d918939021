package query

import (
	"context"

	"github.com/mulehunter/backend/shared/cqrs"
	"github.com/mulehunter/backend/shared/models"
	"github.com/mulehunter/backend/shared/utils"
)

// FeatureReader is the read side of the feature store.
type FeatureReader interface {
	GetByAccountID(ctx context.Context, accountID int64) (*models.FeaturesView, error)
	List(ctx context.Context, q cqrs.ListFeaturesQuery) ([]models.FeaturesView, error)
}

type FeatureQueryService struct {
	readRepo FeatureReader
}

func NewFeatureQueryService(readRepo FeatureReader) *FeatureQueryService {
	return &FeatureQueryService{readRepo: readRepo}
}

func (s *FeatureQueryService) GetFeatures(ctx context.Context, q cqrs.GetFeaturesQuery) (*models.FeaturesView, error) {
	return s.readRepo.GetByAccountID(ctx, q.AccountID)
}

func (s *FeatureQueryService) ListFeatures(ctx context.Context, q cqrs.ListFeaturesQuery) ([]models.FeaturesView, error) {
	q.Limit = utils.ClampLimit(q.Limit)
	return s.readRepo.List(ctx, q)
}
