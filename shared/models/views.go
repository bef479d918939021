package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionView is the read-optimised projection of a transaction, cached
// in Redis under its id.
type TransactionView struct {
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

// FeaturesView is the read-optimised projection of an account's features.
// It is what the feature-service returns and what the saga warms after
// every feature update.
type FeaturesView struct {
	NodeID         int64           `json:"nodeId"`
	InDegree       int64           `json:"inDegree"`
	OutDegree      int64           `json:"outDegree"`
	TotalIncoming  decimal.Decimal `json:"totalIncoming"`
	TotalOutgoing  decimal.Decimal `json:"totalOutgoing"`
	RiskRatio      decimal.Decimal `json:"riskRatio"`
	TxVelocity     int64           `json:"txVelocity"`
	AccountAgeDays int64           `json:"accountAgeDays"`
	Balance        decimal.Decimal `json:"balance"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	Version        int64           `json:"version"`
}

func TransactionToView(t *Transaction) *TransactionView {
	return &TransactionView{
		ID:             t.ID,
		SourceAccount:  t.SourceAccount,
		TargetAccount:  t.TargetAccount,
		Amount:         t.Amount,
		SuspectedFraud: t.SuspectedFraud,
		RiskScore:      t.RiskScore,
		Verdict:        t.Verdict,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func FeaturesToView(f *AccountFeatures) *FeaturesView {
	return &FeaturesView{
		NodeID:         f.AccountID,
		InDegree:       f.InDegree,
		OutDegree:      f.OutDegree,
		TotalIncoming:  f.TotalIncoming,
		TotalOutgoing:  f.TotalOutgoing,
		RiskRatio:      f.RiskRatio,
		TxVelocity:     f.TxVelocity,
		AccountAgeDays: f.AccountAgeDays,
		Balance:        f.Balance,
		UpdatedAt:      f.UpdatedAt,
		Version:        f.Version,
	}
}
