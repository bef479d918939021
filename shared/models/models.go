package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// VerdictPending is the verdict every transaction carries until the scoring
// model supplies its own label.
const VerdictPending = "PENDING"

// Amounts are stored as NUMERIC(20,4): at most four decimal places and
// sixteen integer digits.
const (
	AmountScale = 4
	// RiskRatioScale is the number of decimal places kept for risk ratios.
	RiskRatioScale = 8
)

// MaxAmount is the first amount the transactions table cannot hold.
var MaxAmount = decimal.New(1, 16)

// FraudThreshold is the risk score above which a transaction is suspected fraud.
// A score equal to the threshold is not suspicious.
const FraudThreshold = 0.5

type Transaction struct {
	ID             string          `json:"id"`
	SourceAccount  int64           `json:"sourceAccount,string"`
	TargetAccount  int64           `json:"targetAccount,string"`
	Amount         decimal.Decimal `json:"amount"`
	SuspectedFraud bool            `json:"suspectedFraud"`
	RiskScore      *float64        `json:"riskScore"`
	Verdict        string          `json:"verdict"`
	CreatedAt      time.Time       `json:"createdTimestamp"`
	UpdatedAt      time.Time       `json:"updatedTimestamp"`
}

// ApplyScore attaches a model verdict. Score, verdict and the fraud flag are
// always set together.
func (t *Transaction) ApplyScore(score float64, verdict string) {
	t.RiskScore = &score
	t.Verdict = verdict
	t.SuspectedFraud = IsSuspectedFraud(score)
}

func IsSuspectedFraud(score float64) bool {
	return score > FraudThreshold
}

// ValidateAmount rejects amounts the store would round or refuse.
func ValidateAmount(amount decimal.Decimal) error {
	switch {
	case amount.IsNegative():
		return &ValidationError{Field: "amount", Reason: "amount must not be negative"}
	case !amount.Equal(amount.Truncate(AmountScale)):
		return &ValidationError{Field: "amount", Reason: "amount must have at most 4 decimal places"}
	case amount.GreaterThanOrEqual(MaxAmount):
		return &ValidationError{Field: "amount", Reason: "amount must be less than " + MaxAmount.String()}
	}
	return nil
}

// AccountFeatures is the behavioural aggregate kept for one account.
type AccountFeatures struct {
	AccountID      int64           `json:"nodeId"`
	InDegree       int64           `json:"inDegree"`
	OutDegree      int64           `json:"outDegree"`
	TotalIncoming  decimal.Decimal `json:"totalIncoming"`
	TotalOutgoing  decimal.Decimal `json:"totalOutgoing"`
	RiskRatio      decimal.Decimal `json:"riskRatio"`
	TxVelocity     int64           `json:"txVelocity"`
	AccountAgeDays int64           `json:"accountAgeDays"`
	Balance        decimal.Decimal `json:"balance"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	// Version increases by one with every write to the record.
	Version int64 `json:"version"`
}

// NewAccountFeatures returns the record created the first time a transaction
// touches an account.
func NewAccountFeatures(accountID int64, now time.Time) *AccountFeatures {
	return &AccountFeatures{
		AccountID:     accountID,
		TotalIncoming: decimal.Zero,
		TotalOutgoing: decimal.Zero,
		RiskRatio:     decimal.NewFromInt(1),
		Balance:       decimal.Zero,
		UpdatedAt:     now,
	}
}

// RiskRatio is totalOutgoing/totalIncoming rounded to RiskRatioScale
// places, or 1 when nothing has come in.
func RiskRatio(totalIncoming, totalOutgoing decimal.Decimal) decimal.Decimal {
	if !totalIncoming.IsPositive() {
		return decimal.NewFromInt(1)
	}
	return totalOutgoing.DivRound(totalIncoming, RiskRatioScale)
}

// Side selects which half of an account's counters a transaction updates.
type Side string

const (
	SideIncoming Side = "incoming"
	SideOutgoing Side = "outgoing"
)

// FeatureDelta is one transaction's contribution to one account.
type FeatureDelta struct {
	AccountID int64
	Side      Side
	Amount    decimal.Decimal
	At        time.Time
}

// Apply adds the delta to f and recomputes the risk ratio.
func (f *AccountFeatures) Apply(d FeatureDelta) {
	switch d.Side {
	case SideIncoming:
		f.InDegree++
		f.TotalIncoming = f.TotalIncoming.Add(d.Amount)
	case SideOutgoing:
		f.OutDegree++
		f.TotalOutgoing = f.TotalOutgoing.Add(d.Amount)
	}
	f.RiskRatio = RiskRatio(f.TotalIncoming, f.TotalOutgoing)
	f.UpdatedAt = d.At
	f.Version++
}
