// Package notification tells the visualization pipeline which accounts a new
// transaction touched. Delivery is best effort: failures are reported in the
// returned Delivery and logged, never returned as errors.
package notification

import (
	"context"
	"log/slog"

	"github.com/mulehunter/backend/shared/metrics"
)

const (
	TriggerTransactionEvent = "TRANSACTION_EVENT"
	RoleSource              = "SOURCE"
	RoleTarget              = "TARGET"
)

// Notifier is implemented by every transport.
type Notifier interface {
	NotifyReanalysis(ctx context.Context, transactionID string, sourceAccount, targetAccount int64) Delivery
}

// Delivery is the outcome of one notification attempt.
type Delivery struct {
	Delivered bool
	Transport string
	Reason    string
}

func delivered(transport string) Delivery {
	return Delivery{Delivered: true, Transport: transport}
}

func failed(transport, reason string) Delivery {
	return Delivery{Transport: transport, Reason: reason}
}

type Node struct {
	NodeID int64  `json:"nodeId"`
	Role   string `json:"role"`
}

// ReanalysisRequest is the payload understood by the visual pipeline.
type ReanalysisRequest struct {
	Trigger       string `json:"trigger"`
	TransactionID string `json:"transactionId"`
	Nodes         []Node `json:"nodes"`
}

func NewReanalysisRequest(transactionID string, sourceAccount, targetAccount int64) ReanalysisRequest {
	return ReanalysisRequest{
		Trigger:       TriggerTransactionEvent,
		TransactionID: transactionID,
		Nodes: []Node{
			{NodeID: sourceAccount, Role: RoleSource},
			{NodeID: targetAccount, Role: RoleTarget},
		},
	}
}

// Noop is used when notifications are switched off.
type Noop struct{}

func (Noop) NotifyReanalysis(context.Context, string, int64, int64) Delivery {
	return failed("none", "notifications disabled")
}

func record(ctx context.Context, m *metrics.Metrics, logger *slog.Logger, transactionID string, d Delivery) Delivery {
	result := "delivered"
	if !d.Delivered {
		result = "failed"
		logger.WarnContext(ctx, "reanalysis notification failed",
			"transaction_id", transactionID, "transport", d.Transport, "reason", d.Reason)
	}
	if m != nil {
		m.NotificationsTotal.WithLabelValues(d.Transport, result).Inc()
	}
	return d
}
