package cqrs

// ---------- Transaction queries ----------

// GetTransactionQuery fetches a single transaction.
type GetTransactionQuery struct {
	TransactionID string
}

// ListTransactionsQuery lists transactions newest first. A non-nil
// AccountID restricts the result to transactions where the account is the
// source or the target.
type ListTransactionsQuery struct {
	AccountID *int64
	Limit     int
}

// ---------- Feature queries ----------

// GetFeaturesQuery fetches one account's features.
type GetFeaturesQuery struct {
	AccountID int64
}

// ListFeaturesQuery lists feature records ordered by account id.
type ListFeaturesQuery struct {
	Limit int
}

// ---------- Graph queries ----------

// GetGraphQuery loads up to Limit nodes and the Limit most recent links.
type GetGraphQuery struct {
	Limit int
}

// GetNodeQuery addresses one account in the graph and analytics views.
type GetNodeQuery struct {
	NodeID int64
}
