package models

import (
	"encoding/json"
	"time"
)

// AnomalyScore is the latest unsupervised-model score for one account.
// A new score for the same node replaces the previous one.
type AnomalyScore struct {
	NodeID       int64     `json:"nodeId"`
	AnomalyScore float64   `json:"anomalyScore"`
	IsAnomalous  bool      `json:"isAnomalous"`
	Model        string    `json:"model"`
	Source       string    `json:"source"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ShapExplanation is one attribution run for a node. Runs accumulate; the
// newest is listed first. TopFactors is kept as the JSON object or array the
// model sent.
type ShapExplanation struct {
	NodeID       int64           `json:"nodeId"`
	AnomalyScore *float64        `json:"anomalyScore"`
	TopFactors   json.RawMessage `json:"topFactors"`
	Model        string          `json:"model"`
	Source       string          `json:"source"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// FraudExplanation holds the human-readable reasons a node was flagged.
type FraudExplanation struct {
	NodeID    int64     `json:"nodeId"`
	Reasons   []string  `json:"reasons"`
	Model     string    `json:"model"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// GraphNode is an account in the transaction graph. Node ids are
// string-encoded so they match link endpoints on the client.
type GraphNode struct {
	NodeID       int64   `json:"nodeId,string"`
	AnomalyScore float64 `json:"anomalyScore"`
	IsAnomalous  bool    `json:"isAnomalous"`
	TxVelocity   int64   `json:"txVelocity"`
}

// GraphLink is one transaction drawn as an edge from source to target.
type GraphLink struct {
	Source int64   `json:"source,string"`
	Target int64   `json:"target,string"`
	Amount float64 `json:"amount"`
}

type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Links []GraphLink `json:"links"`
}

// NodeDetail is what the graph view shows for a selected node.
type NodeDetail struct {
	NodeID       int64           `json:"nodeId,string"`
	AnomalyScore float64         `json:"anomalyScore"`
	IsAnomalous  bool            `json:"isAnomalous"`
	Reasons      []string        `json:"reasons"`
	ShapFactors  json.RawMessage `json:"shapFactors"`
}

// NodeAnalytics gathers everything known about one account. Anomaly and
// Reasons are null until the models have produced them.
type NodeAnalytics struct {
	Features *FeaturesView     `json:"features"`
	Anomaly  *AnomalyScore     `json:"anomaly"`
	Shap     []ShapExplanation `json:"shap"`
	Reasons  *FraudExplanation `json:"reasons"`
}
