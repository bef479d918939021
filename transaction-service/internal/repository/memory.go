package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mulehunter/backend/shared/cqrs"
	"github.com/mulehunter/backend/shared/models"
	"github.com/mulehunter/backend/shared/utils"
)

// MemoryTransactionStore keeps transactions in process. It backs the
// "memory" database driver and the service tests.
type MemoryTransactionStore struct {
	mu   sync.RWMutex
	rows map[string]models.Transaction
}

func NewMemoryTransactionStore() *MemoryTransactionStore {
	return &MemoryTransactionStore{rows: make(map[string]models.Transaction)}
}

func (s *MemoryTransactionStore) Insert(ctx context.Context, tx *models.Transaction) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", models.StorageError("insert transaction", err)
	}
	if tx.ID == "" {
		tx.ID = utils.GenerateID(utils.TransactionIDPrefix)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[tx.ID]; exists {
		return "", models.StorageError("insert transaction", fmt.Errorf("duplicate id %s", tx.ID))
	}
	s.rows[tx.ID] = *tx
	return tx.ID, nil
}

func (s *MemoryTransactionStore) UpdateByID(ctx context.Context, id string, riskScore float64, verdict string, suspectedFraud bool, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return models.StorageError("update transaction", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.rows[id]
	if !ok {
		return models.ErrNotFound
	}
	score := riskScore
	tx.RiskScore = &score
	tx.Verdict = verdict
	tx.SuspectedFraud = suspectedFraud
	tx.UpdatedAt = updatedAt
	s.rows[id] = tx
	return nil
}

func (s *MemoryTransactionStore) GetByID(_ context.Context, id string) (*models.TransactionView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.rows[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return models.TransactionToView(&tx), nil
}

func (s *MemoryTransactionStore) List(_ context.Context, q cqrs.ListTransactionsQuery) ([]models.TransactionView, error) {
	s.mu.RLock()
	views := make([]models.TransactionView, 0, len(s.rows))
	for _, tx := range s.rows {
		if q.AccountID != nil && tx.SourceAccount != *q.AccountID && tx.TargetAccount != *q.AccountID {
			continue
		}
		views = append(views, *models.TransactionToView(&tx))
	}
	s.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
	if q.Limit > 0 && len(views) > q.Limit {
		views = views[:q.Limit]
	}
	return views, nil
}

// CacheTransactionView is a no-op: the store is its own read model.
func (s *MemoryTransactionStore) CacheTransactionView(context.Context, *models.TransactionView) {}

// MemoryFeatureStore keeps account features in process. Each account has
// its own lock, so updates to one account are serialised while different
// accounts proceed independently.
type MemoryFeatureStore struct {
	mu    sync.Mutex
	slots map[int64]*featureSlot
}

type featureSlot struct {
	mu       sync.Mutex
	features *models.AccountFeatures
}

func NewMemoryFeatureStore() *MemoryFeatureStore {
	return &MemoryFeatureStore{slots: make(map[int64]*featureSlot)}
}

// slot returns the account's slot, creating it on first write.
func (s *MemoryFeatureStore) slot(accountID int64) *featureSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[accountID]
	if !ok {
		sl = &featureSlot{}
		s.slots[accountID] = sl
	}
	return sl
}

func (s *MemoryFeatureStore) ApplyDelta(ctx context.Context, delta models.FeatureDelta) (*models.AccountFeatures, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.StorageError("apply "+string(delta.Side)+" delta", err)
	}
	sl := s.slot(delta.AccountID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.features == nil {
		sl.features = models.NewAccountFeatures(delta.AccountID, delta.At)
	}
	sl.features.Apply(delta)
	out := *sl.features
	return &out, nil
}

// GetByAccountID returns a copy of the account's features.
func (s *MemoryFeatureStore) GetByAccountID(_ context.Context, accountID int64) (*models.AccountFeatures, error) {
	s.mu.Lock()
	sl, ok := s.slots[accountID]
	s.mu.Unlock()
	if !ok {
		return nil, models.ErrNotFound
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.features == nil {
		return nil, models.ErrNotFound
	}
	out := *sl.features
	return &out, nil
}
