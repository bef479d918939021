package cqrs

import (
	"time"

	"github.com/mulehunter/backend/shared/models"
	"github.com/shopspring/decimal"
)

// CreateTransactionCommand carries the raw request. Account ids stay
// string-encoded until the saga parses them.
type CreateTransactionCommand struct {
	SourceAccount string
	TargetAccount string
	Amount        decimal.Decimal
}

// RecordVelocityCommand asks the feature-service to count one transaction
// against an account's trailing window.
type RecordVelocityCommand struct {
	TransactionID string
	AccountID     int64
	OccurredAt    time.Time
}

// RecordAnomalyScoresCommand stores one batch of model scores.
type RecordAnomalyScoresCommand struct {
	Scores []models.AnomalyScore
}

// RecordShapExplanationsCommand appends one batch of attribution runs.
type RecordShapExplanationsCommand struct {
	Explanations []models.ShapExplanation
}

// RecordFraudExplanationsCommand replaces the reasons of every node in the
// batch.
type RecordFraudExplanationsCommand struct {
	Explanations []models.FraudExplanation
}
