package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	TransactionCreated   = "transaction.created"
	TransactionFinalized = "transaction.finalized"
)

// Stream names
const (
	TransactionEventsStream = "transaction.events"
)

// Base event structure
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Transaction events

// TransactionCreatedEvent is published once the transaction row exists,
// before any enrichment.
type TransactionCreatedEvent struct {
	TransactionID string          `json:"transactionId"`
	SourceAccount int64           `json:"sourceAccount"`
	TargetAccount int64           `json:"targetAccount"`
	Amount        decimal.Decimal `json:"amount"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// TransactionFinalizedEvent is published when the saga finishes, whether or
// not a score was attached.
type TransactionFinalizedEvent struct {
	TransactionID  string   `json:"transactionId"`
	FinalState     string   `json:"finalState"`
	Verdict        string   `json:"verdict"`
	RiskScore      *float64 `json:"riskScore"`
	SuspectedFraud bool     `json:"suspectedFraud"`
}
