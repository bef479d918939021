package query

import (
	"context"
	"strings"

	"github.com/mulehunter/backend/shared/cqrs"
	"github.com/mulehunter/backend/shared/models"
	"github.com/mulehunter/backend/shared/utils"
)

// TransactionReader is the read side of the transaction store.
type TransactionReader interface {
	GetByID(ctx context.Context, id string) (*models.TransactionView, error)
	List(ctx context.Context, q cqrs.ListTransactionsQuery) ([]models.TransactionView, error)
}

// TransactionQueryService serves transaction reads from the view cache, with
// the store as fallback.
type TransactionQueryService struct {
	readRepo TransactionReader
}

func NewTransactionQueryService(readRepo TransactionReader) *TransactionQueryService {
	return &TransactionQueryService{readRepo: readRepo}
}

func (s *TransactionQueryService) GetTransaction(ctx context.Context, q cqrs.GetTransactionQuery) (*models.TransactionView, error) {
	id := strings.TrimSpace(q.TransactionID)
	if !utils.ValidateTransactionID(id) {
		return nil, models.ErrNotFound
	}
	return s.readRepo.GetByID(ctx, id)
}

// ListTransactions returns transactions newest first, optionally restricted
// to one account.
func (s *TransactionQueryService) ListTransactions(ctx context.Context, q cqrs.ListTransactionsQuery) ([]models.TransactionView, error) {
	q.Limit = utils.ClampLimit(q.Limit)
	return s.readRepo.List(ctx, q)
}
