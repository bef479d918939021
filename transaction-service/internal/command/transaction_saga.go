package command

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mulehunter/backend/shared/config"
	"github.com/mulehunter/backend/shared/cqrs"
	"github.com/mulehunter/backend/shared/events"
	"github.com/mulehunter/backend/shared/metrics"
	"github.com/mulehunter/backend/shared/models"
	"github.com/mulehunter/backend/shared/utils"
	"github.com/mulehunter/backend/transaction-service/internal/notification"
	"github.com/mulehunter/backend/transaction-service/internal/scoring"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// TransactionStore persists transactions.
type TransactionStore interface {
	Insert(ctx context.Context, tx *models.Transaction) (string, error)
	UpdateByID(ctx context.Context, id string, riskScore float64, verdict string, suspectedFraud bool, updatedAt time.Time) error
}

// FeatureUpdater applies one side of a transaction to an account's features.
type FeatureUpdater interface {
	ApplyOutgoing(ctx context.Context, accountID int64, amount decimal.Decimal) error
	ApplyIncoming(ctx context.Context, accountID int64, amount decimal.Decimal) error
}

type Scorer interface {
	Score(ctx context.Context, req scoring.Request) scoring.Result
}

type EventPublisher interface {
	Publish(ctx context.Context, stream, eventType string, data any) error
}

type TransactionViewCache interface {
	CacheTransactionView(ctx context.Context, view *models.TransactionView)
}

// SagaOptions configures a TransactionSaga. Publisher and Views may be nil.
type SagaOptions struct {
	Store          TransactionStore
	Features       FeatureUpdater
	Scorer         Scorer
	Notifier       notification.Notifier
	Publisher      EventPublisher
	Views          TransactionViewCache
	StepOrder      string
	FeatureTimeout time.Duration
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// TransactionSaga runs the intake flow for one transaction at a time per
// call; calls are independent and may run concurrently.
type TransactionSaga struct {
	store          TransactionStore
	features       FeatureUpdater
	scorer         Scorer
	notifier       notification.Notifier
	publisher      EventPublisher
	views          TransactionViewCache
	stepOrder      string
	featureTimeout time.Duration
	metrics        *metrics.Metrics
	logger         *slog.Logger
	now            func() time.Time
}

func NewTransactionSaga(opts SagaOptions) *TransactionSaga {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notification.Noop{}
	}
	if opts.StepOrder == "" {
		opts.StepOrder = config.StepOrderScoreFirst
	}
	if opts.FeatureTimeout <= 0 {
		opts.FeatureTimeout = 3 * time.Second
	}
	return &TransactionSaga{
		store:          opts.Store,
		features:       opts.Features,
		scorer:         opts.Scorer,
		notifier:       opts.Notifier,
		publisher:      opts.Publisher,
		views:          opts.Views,
		stepOrder:      opts.StepOrder,
		featureTimeout: opts.FeatureTimeout,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// CreateTransaction runs the saga and returns the transaction as the caller
// should see it. Only validation and insert failures are returned as errors.
func (s *TransactionSaga) CreateTransaction(ctx context.Context, cmd cqrs.CreateTransactionCommand) (*models.Transaction, error) {
	exec, err := s.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return exec.Transaction, nil
}

// Run executes every step and returns the execution record.
func (s *TransactionSaga) Run(ctx context.Context, cmd cqrs.CreateTransactionCommand) (*Execution, error) {
	exec := newExecution(s.stepOrder)

	tx, err := s.receive(cmd)
	if err != nil {
		exec.advance(StateRejected)
		exec.Err = err
		s.observe(string(StateRejected))
		s.logger.InfoContext(ctx, "transaction rejected", "state", exec.State, "error", err)
		return exec, err
	}

	if _, err := s.store.Insert(ctx, tx); err != nil {
		if !errors.Is(err, models.ErrStorageUnavailable) {
			err = models.StorageError("insert transaction", err)
		}
		s.observe(outcomeInsertFailed)
		s.logger.ErrorContext(ctx, "transaction insert failed", "state", exec.State, "error", err)
		return exec, err
	}
	persisted := *tx
	exec.Transaction = &persisted
	exec.advance(StatePersisted)

	logger := s.logger.With("transaction_id", tx.ID)
	s.cacheView(ctx, tx)
	s.publish(ctx, logger, events.TransactionCreated, events.TransactionCreatedEvent{
		TransactionID: tx.ID,
		SourceAccount: tx.SourceAccount,
		TargetAccount: tx.TargetAccount,
		Amount:        tx.Amount,
		CreatedAt:     tx.CreatedAt,
	})

	if err := s.updateFeatures(ctx, tx); err != nil {
		exec.advance(StateRejected)
		exec.Err = err
		s.observe(string(StateRejected))
		logger.ErrorContext(ctx, "feature update failed, transaction left pending",
			"state", exec.State, "error", err)
		s.publishFinalized(ctx, logger, exec)
		return exec, nil
	}
	exec.advance(StateFeaturesUpdated)

	if s.stepOrder == config.StepOrderNotifyFirst {
		s.notify(ctx, exec, tx)
		s.score(ctx, exec, tx)
	} else {
		s.score(ctx, exec, tx)
		s.notify(ctx, exec, tx)
	}

	s.finalize(ctx, logger, exec, tx)
	return exec, nil
}

// receive validates the request and builds the PENDING transaction.
func (s *TransactionSaga) receive(cmd cqrs.CreateTransactionCommand) (*models.Transaction, error) {
	source, err := utils.ParseAccountID(cmd.SourceAccount)
	if err != nil {
		return nil, &models.ValidationError{Field: "sourceAccount", Reason: err.Error()}
	}
	target, err := utils.ParseAccountID(cmd.TargetAccount)
	if err != nil {
		return nil, &models.ValidationError{Field: "targetAccount", Reason: err.Error()}
	}
	if err := models.ValidateAmount(cmd.Amount); err != nil {
		return nil, err
	}

	now := s.now()
	return &models.Transaction{
		SourceAccount: source,
		TargetAccount: target,
		Amount:        cmd.Amount,
		Verdict:       models.VerdictPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// updateFeatures applies both sides concurrently and waits for both. The
// first failure cancels the other update.
func (s *TransactionSaga) updateFeatures(ctx context.Context, tx *models.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, s.featureTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.features.ApplyOutgoing(gctx, tx.SourceAccount, tx.Amount)
	})
	g.Go(func() error {
		return s.features.ApplyIncoming(gctx, tx.TargetAccount, tx.Amount)
	})
	return g.Wait()
}

func (s *TransactionSaga) score(ctx context.Context, exec *Execution, tx *models.Transaction) {
	exec.Score = s.scorer.Score(ctx, scoring.Request{
		SourceID:  tx.SourceAccount,
		TargetID:  tx.TargetAccount,
		Amount:    tx.Amount,
		Timestamp: tx.CreatedAt,
	})
	exec.advance(StateScoredOrSkipped)
}

func (s *TransactionSaga) notify(ctx context.Context, exec *Execution, tx *models.Transaction) {
	exec.Delivery = s.notifier.NotifyReanalysis(ctx, tx.ID, tx.SourceAccount, tx.TargetAccount)
	exec.advance(StateNotifiedOrSkipped)
}

// finalize attaches the score, if any, and persists it. A failed update
// leaves the stored row PENDING, so the caller gets the persisted copy.
func (s *TransactionSaga) finalize(ctx context.Context, logger *slog.Logger, exec *Execution, tx *models.Transaction) {
	defer func() {
		exec.advance(StateFinalized)
		s.observe(string(StateFinalized))
		s.publishFinalized(ctx, logger, exec)
	}()

	if !exec.Score.Available() {
		logger.InfoContext(ctx, "transaction finalized unscored",
			"state", StateFinalized, "reason", exec.Score.Reason)
		return
	}

	scored := *tx
	scored.ApplyScore(exec.Score.RiskScore, exec.Score.Verdict)
	scored.UpdatedAt = s.now()

	if err := s.store.UpdateByID(ctx, scored.ID, *scored.RiskScore, scored.Verdict, scored.SuspectedFraud, scored.UpdatedAt); err != nil {
		exec.Err = err
		logger.ErrorContext(ctx, "failed to attach score, transaction left pending",
			"state", StateFinalized, "error", err)
		return
	}
	exec.Transaction = &scored
	s.cacheView(ctx, &scored)
	logger.InfoContext(ctx, "transaction finalized",
		"state", StateFinalized,
		"risk_score", exec.Score.RiskScore,
		"verdict", scored.Verdict,
		"suspected_fraud", scored.SuspectedFraud)
}

func (s *TransactionSaga) cacheView(ctx context.Context, tx *models.Transaction) {
	if s.views != nil {
		s.views.CacheTransactionView(ctx, models.TransactionToView(tx))
	}
}

func (s *TransactionSaga) publishFinalized(ctx context.Context, logger *slog.Logger, exec *Execution) {
	tx := exec.Transaction
	s.publish(ctx, logger, events.TransactionFinalized, events.TransactionFinalizedEvent{
		TransactionID:  tx.ID,
		FinalState:     string(exec.State),
		Verdict:        tx.Verdict,
		RiskScore:      tx.RiskScore,
		SuspectedFraud: tx.SuspectedFraud,
	})
}

func (s *TransactionSaga) publish(ctx context.Context, logger *slog.Logger, eventType string, data any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, events.TransactionEventsStream, eventType, data); err != nil {
		logger.WarnContext(ctx, "failed to publish event", "event", eventType, "error", err)
	}
}

func (s *TransactionSaga) observe(outcome string) {
	if s.metrics != nil {
		s.metrics.SagaOutcomesTotal.WithLabelValues(outcome).Inc()
	}
}
