package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mulehunter/backend/shared/cqrs"
	"github.com/mulehunter/backend/shared/middleware"
	"github.com/mulehunter/backend/shared/models"
)

// ---- mock implementations ----

type mockAnalyticsCommander struct {
	anomalyFn func(cqrs.RecordAnomalyScoresCommand) (int, error)
	shapFn    func(cqrs.RecordShapExplanationsCommand) (int, error)
	fraudFn   func(cqrs.RecordFraudExplanationsCommand) (int, error)
}

func (m *mockAnalyticsCommander) RecordAnomalyScores(_ context.Context, cmd cqrs.RecordAnomalyScoresCommand) (int, error) {
	if m.anomalyFn != nil {
		return m.anomalyFn(cmd)
	}
	return 0, fmt.Errorf("not configured")
}
func (m *mockAnalyticsCommander) RecordShapExplanations(_ context.Context, cmd cqrs.RecordShapExplanationsCommand) (int, error) {
	if m.shapFn != nil {
		return m.shapFn(cmd)
	}
	return 0, fmt.Errorf("not configured")
}
func (m *mockAnalyticsCommander) RecordFraudExplanations(_ context.Context, cmd cqrs.RecordFraudExplanationsCommand) (int, error) {
	if m.fraudFn != nil {
		return m.fraudFn(cmd)
	}
	return 0, fmt.Errorf("not configured")
}

type mockAnalyticsQuerier struct {
	graphFn     func(cqrs.GetGraphQuery) (*models.Graph, error)
	detailFn    func(cqrs.GetNodeQuery) (*models.NodeDetail, error)
	analyticsFn func(cqrs.GetNodeQuery) (*models.NodeAnalytics, error)
	scoreFn     func(cqrs.GetNodeQuery) (*models.AnomalyScore, error)
}

func (m *mockAnalyticsQuerier) GetGraph(_ context.Context, q cqrs.GetGraphQuery) (*models.Graph, error) {
	if m.graphFn != nil {
		return m.graphFn(q)
	}
	return nil, fmt.Errorf("not configured")
}
func (m *mockAnalyticsQuerier) GetNodeDetail(_ context.Context, q cqrs.GetNodeQuery) (*models.NodeDetail, error) {
	if m.detailFn != nil {
		return m.detailFn(q)
	}
	return nil, fmt.Errorf("not configured")
}
func (m *mockAnalyticsQuerier) GetNodeAnalytics(_ context.Context, q cqrs.GetNodeQuery) (*models.NodeAnalytics, error) {
	if m.analyticsFn != nil {
		return m.analyticsFn(q)
	}
	return nil, fmt.Errorf("not configured")
}
func (m *mockAnalyticsQuerier) GetAnomalyScore(_ context.Context, q cqrs.GetNodeQuery) (*models.AnomalyScore, error) {
	if m.scoreFn != nil {
		return m.scoreFn(q)
	}
	return nil, fmt.Errorf("not configured")
}

// ---- helpers ----

func newAnalyticsTestRouter(cmds AnalyticsCommander, qrys AnalyticsQuerier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewAnalyticsHandler(cmds, qrys)
	h.RegisterRoutes(r.Group("/v1"), testInternalKey)
	h.RegisterVisualRoutes(r.Group("/backend/api"), testInternalKey)
	return r
}

func analyticsDoRequest(router *gin.Engine, method, url, body string, key string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(middleware.InternalAPIKeyHeader, key)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func firstDetailField(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp middleware.BadRequestErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || len(resp.Details) == 0 {
		t.Fatalf("expected validation details, got %s", w.Body.String())
	}
	return resp.Details[0].Field
}

// ---- tests ----

func TestGetGraph(t *testing.T) {
	tests := []struct {
		name           string
		query          string
		graphFn        func(cqrs.GetGraphQuery) (*models.Graph, error)
		expectedStatus int
	}{
		{
			name: "success - nodes and links",
			graphFn: func(q cqrs.GetGraphQuery) (*models.Graph, error) {
				return &models.Graph{
					Nodes: []models.GraphNode{{NodeID: 100, AnomalyScore: 0.9, IsAnomalous: true}},
					Links: []models.GraphLink{{Source: 100, Target: 200, Amount: 50}},
				}, nil
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:  "success - limit is forwarded",
			query: "?limit=25",
			graphFn: func(q cqrs.GetGraphQuery) (*models.Graph, error) {
				if q.Limit != 25 {
					return nil, fmt.Errorf("unexpected limit %d", q.Limit)
				}
				return &models.Graph{}, nil
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "bad request - limit is not numeric",
			query:          "?limit=all",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "service unavailable - store down",
			graphFn: func(q cqrs.GetGraphQuery) (*models.Graph, error) {
				return nil, models.StorageError("list graph nodes", fmt.Errorf("timeout"))
			},
			expectedStatus: http.StatusServiceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newAnalyticsTestRouter(&mockAnalyticsCommander{}, &mockAnalyticsQuerier{graphFn: tt.graphFn})
			w := analyticsDoRequest(router, http.MethodGet, "/v1/graph"+tt.query, "", "")
			if w.Code != tt.expectedStatus {
				t.Errorf("[%s] expected %d got %d; body: %s", tt.name, tt.expectedStatus, w.Code, w.Body.String())
			}
		})
	}
}

func TestGetGraphEncodesIDsAsStrings(t *testing.T) {
	qrys := &mockAnalyticsQuerier{graphFn: func(cqrs.GetGraphQuery) (*models.Graph, error) {
		return &models.Graph{
			Nodes: []models.GraphNode{{NodeID: 100, TxVelocity: 4}},
			Links: []models.GraphLink{{Source: 100, Target: 200, Amount: 12.5}},
		}, nil
	}}
	w := analyticsDoRequest(newAnalyticsTestRouter(&mockAnalyticsCommander{}, qrys), http.MethodGet, "/v1/graph", "", "")

	var got struct {
		Nodes []map[string]any `json:"nodes"`
		Links []map[string]any `json:"links"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Nodes) != 1 || got.Nodes[0]["nodeId"] != "100" || got.Nodes[0]["txVelocity"] != 4.0 {
		t.Errorf("nodes = %v", got.Nodes)
	}
	if len(got.Links) != 1 || got.Links[0]["source"] != "100" || got.Links[0]["target"] != "200" || got.Links[0]["amount"] != 12.5 {
		t.Errorf("links = %v", got.Links)
	}
}

func TestGetNodeReads(t *testing.T) {
	tests := []struct {
		name           string
		url            string
		qrys           *mockAnalyticsQuerier
		expectedStatus int
	}{
		{
			name: "success - node detail",
			url:  "/v1/graph/nodes/100",
			qrys: &mockAnalyticsQuerier{detailFn: func(q cqrs.GetNodeQuery) (*models.NodeDetail, error) {
				if q.NodeID != 100 {
					return nil, fmt.Errorf("unexpected node %d", q.NodeID)
				}
				return &models.NodeDetail{NodeID: 100, Reasons: []string{"fan-in"}, ShapFactors: json.RawMessage(`[]`)}, nil
			}},
			expectedStatus: http.StatusOK,
		},
		{
			name: "not found - node detail",
			url:  "/v1/graph/nodes/404",
			qrys: &mockAnalyticsQuerier{detailFn: func(cqrs.GetNodeQuery) (*models.NodeDetail, error) {
				return nil, models.ErrNotFound
			}},
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "bad request - node id is not numeric",
			url:            "/v1/graph/nodes/abc",
			qrys:           &mockAnalyticsQuerier{},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "success - full node analytics",
			url:  "/v1/visual/nodes/100/full",
			qrys: &mockAnalyticsQuerier{analyticsFn: func(q cqrs.GetNodeQuery) (*models.NodeAnalytics, error) {
				return &models.NodeAnalytics{Features: featureTestView(100), Shap: []models.ShapExplanation{}}, nil
			}},
			expectedStatus: http.StatusOK,
		},
		{
			name: "success - full node analytics under the pipeline prefix",
			url:  "/backend/api/visual/nodes/100/full",
			qrys: &mockAnalyticsQuerier{analyticsFn: func(q cqrs.GetNodeQuery) (*models.NodeAnalytics, error) {
				return &models.NodeAnalytics{Features: featureTestView(100), Shap: []models.ShapExplanation{}}, nil
			}},
			expectedStatus: http.StatusOK,
		},
		{
			name: "service unavailable - full node analytics",
			url:  "/v1/visual/nodes/100/full",
			qrys: &mockAnalyticsQuerier{analyticsFn: func(cqrs.GetNodeQuery) (*models.NodeAnalytics, error) {
				return nil, models.StorageError("get anomaly score", fmt.Errorf("timeout"))
			}},
			expectedStatus: http.StatusServiceUnavailable,
		},
		{
			name: "success - latest anomaly score",
			url:  "/v1/visual/anomaly-scores/100",
			qrys: &mockAnalyticsQuerier{scoreFn: func(cqrs.GetNodeQuery) (*models.AnomalyScore, error) {
				return &models.AnomalyScore{NodeID: 100, AnomalyScore: 0.7, UpdatedAt: time.Now()}, nil
			}},
			expectedStatus: http.StatusOK,
		},
		{
			name: "not found - no anomaly score yet",
			url:  "/v1/visual/anomaly-scores/100",
			qrys: &mockAnalyticsQuerier{scoreFn: func(cqrs.GetNodeQuery) (*models.AnomalyScore, error) {
				return nil, models.ErrNotFound
			}},
			expectedStatus: http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newAnalyticsTestRouter(&mockAnalyticsCommander{}, tt.qrys)
			w := analyticsDoRequest(router, http.MethodGet, tt.url, "", "")
			if w.Code != tt.expectedStatus {
				t.Errorf("[%s] expected %d got %d; body: %s", tt.name, tt.expectedStatus, w.Code, w.Body.String())
			}
		})
	}
}

func TestRecordAnomalyScores(t *testing.T) {
	tests := []struct {
		name           string
		url            string
		body           string
		key            string
		anomalyFn      func(cqrs.RecordAnomalyScoresCommand) (int, error)
		expectedStatus int
		expectedField  string
	}{
		{
			name: "success - pipeline payload without a flag",
			body: `[{"nodeId": 100, "anomalyScore": 0.91, "model": "eif_v1", "source": "visual-analytics"}]`,
			key:  testInternalKey,
			anomalyFn: func(cmd cqrs.RecordAnomalyScoresCommand) (int, error) {
				s := cmd.Scores[0]
				if len(cmd.Scores) != 1 || s.NodeID != 100 || s.AnomalyScore != 0.91 || s.IsAnomalous || s.Model != "eif_v1" {
					return 0, fmt.Errorf("unexpected command %+v", cmd)
				}
				return 1, nil
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "success - flag sent as 1 and as true",
			body: `[{"nodeId": 1, "anomalyScore": 0.5, "isAnomalous": 1}, {"nodeId": 0, "anomalyScore": 0.2, "isAnomalous": true}]`,
			key:  testInternalKey,
			anomalyFn: func(cmd cqrs.RecordAnomalyScoresCommand) (int, error) {
				if len(cmd.Scores) != 2 || !cmd.Scores[0].IsAnomalous || !cmd.Scores[1].IsAnomalous || cmd.Scores[1].NodeID != 0 {
					return 0, fmt.Errorf("unexpected command %+v", cmd)
				}
				return 2, nil
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "success - pipeline prefix",
			url:            "/backend/api/visual/anomaly-scores/batch",
			body:           `[{"nodeId": 100, "anomalyScore": 0.91}]`,
			key:            testInternalKey,
			anomalyFn:      func(cmd cqrs.RecordAnomalyScoresCommand) (int, error) { return len(cmd.Scores), nil },
			expectedStatus: http.StatusOK,
		},
		{
			name:           "unauthorized - missing internal key",
			body:           `[{"nodeId": 100, "anomalyScore": 0.91}]`,
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "unauthorized - wrong internal key",
			body:           `[{"nodeId": 100, "anomalyScore": 0.91}]`,
			key:            "guess",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "bad request - second item has no node id",
			body:           `[{"nodeId": 1, "anomalyScore": 0.5}, {"anomalyScore": 0.5}]`,
			key:            testInternalKey,
			expectedStatus: http.StatusBadRequest,
			expectedField:  "[1].nodeId",
		},
		{
			name:           "bad request - missing score",
			body:           `[{"nodeId": 1}]`,
			key:            testInternalKey,
			expectedStatus: http.StatusBadRequest,
			expectedField:  "[0].anomalyScore",
		},
		{
			name:           "bad request - flag is not boolean",
			body:           `[{"nodeId": 1, "anomalyScore": 0.5, "isAnomalous": "yes"}]`,
			key:            testInternalKey,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "bad request - single object is not a batch",
			body:           `{"nodeId": 1, "anomalyScore": 0.5}`,
			key:            testInternalKey,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "bad request - empty batch",
			body: `[]`,
			key:  testInternalKey,
			anomalyFn: func(cqrs.RecordAnomalyScoresCommand) (int, error) {
				return 0, &models.ValidationError{Field: "batch", Reason: "must contain at least one record"}
			},
			expectedStatus: http.StatusBadRequest,
			expectedField:  "batch",
		},
		{
			name: "service unavailable - store down",
			body: `[{"nodeId": 1, "anomalyScore": 0.5}]`,
			key:  testInternalKey,
			anomalyFn: func(cqrs.RecordAnomalyScoresCommand) (int, error) {
				return 0, models.StorageError("store anomaly scores", fmt.Errorf("connection refused"))
			},
			expectedStatus: http.StatusServiceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := tt.url
			if url == "" {
				url = "/v1/visual/anomaly-scores/batch"
			}
			router := newAnalyticsTestRouter(&mockAnalyticsCommander{anomalyFn: tt.anomalyFn}, &mockAnalyticsQuerier{})
			w := analyticsDoRequest(router, http.MethodPost, url, tt.body, tt.key)
			if w.Code != tt.expectedStatus {
				t.Fatalf("[%s] expected %d got %d; body: %s", tt.name, tt.expectedStatus, w.Code, w.Body.String())
			}
			if tt.expectedField != "" {
				if got := firstDetailField(t, w); got != tt.expectedField {
					t.Errorf("[%s] expected field %q got %q", tt.name, tt.expectedField, got)
				}
			}
		})
	}
}

func TestRecordShapExplanations(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		shapFn         func(cqrs.RecordShapExplanationsCommand) (int, error)
		expectedStatus int
	}{
		{
			name: "success - factors as an object and no score",
			body: `[{"nodeId": 100, "anomalyScore": null, "topFactors": {"in_degree": 0.4, "risk_ratio": 0.3}, "model": "shap_v1"}]`,
			shapFn: func(cmd cqrs.RecordShapExplanationsCommand) (int, error) {
				e := cmd.Explanations[0]
				if e.AnomalyScore != nil || !strings.HasPrefix(string(e.TopFactors), "{") {
					return 0, fmt.Errorf("unexpected explanation %+v", e)
				}
				return 1, nil
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "success - factors as a list",
			body: `[{"nodeId": 100, "anomalyScore": 0.8, "topFactors": [{"in_degree": 0.4}]}]`,
			shapFn: func(cmd cqrs.RecordShapExplanationsCommand) (int, error) {
				e := cmd.Explanations[0]
				if e.AnomalyScore == nil || *e.AnomalyScore != 0.8 {
					return 0, fmt.Errorf("unexpected explanation %+v", e)
				}
				return 1, nil
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "bad request - factors rejected downstream",
			body: `[{"nodeId": 100, "topFactors": 3}]`,
			shapFn: func(cqrs.RecordShapExplanationsCommand) (int, error) {
				return 0, &models.ValidationError{Field: "[0].topFactors", Reason: "must be an object or a list"}
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "bad request - negative node id",
			body:           `[{"nodeId": -1, "topFactors": {}}]`,
			expectedStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newAnalyticsTestRouter(&mockAnalyticsCommander{shapFn: tt.shapFn}, &mockAnalyticsQuerier{})
			w := analyticsDoRequest(router, http.MethodPost, "/v1/visual/shap-explanations/batch", tt.body, testInternalKey)
			if w.Code != tt.expectedStatus {
				t.Errorf("[%s] expected %d got %d; body: %s", tt.name, tt.expectedStatus, w.Code, w.Body.String())
			}
		})
	}
}

func TestRecordFraudExplanations(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		fraudFn        func(cqrs.RecordFraudExplanationsCommand) (int, error)
		expectedStatus int
		expectedStored int
	}{
		{
			name: "success - single object from the pipeline",
			body: `{"nodeId": 100, "reasons": ["fan-in from 12 accounts"], "model": "rules_v1", "source": "visual-analytics"}`,
			fraudFn: func(cmd cqrs.RecordFraudExplanationsCommand) (int, error) {
				if len(cmd.Explanations) != 1 || cmd.Explanations[0].NodeID != 100 || cmd.Explanations[0].Reasons[0] != "fan-in from 12 accounts" {
					return 0, fmt.Errorf("unexpected command %+v", cmd)
				}
				return 1, nil
			},
			expectedStatus: http.StatusOK,
			expectedStored: 1,
		},
		{
			name:           "success - list of explanations",
			body:           `[{"nodeId": 100, "reasons": ["a"]}, {"nodeId": 200, "reasons": []}]`,
			fraudFn:        func(cmd cqrs.RecordFraudExplanationsCommand) (int, error) { return len(cmd.Explanations), nil },
			expectedStatus: http.StatusOK,
			expectedStored: 2,
		},
		{
			name:           "bad request - object without node id",
			body:           `{"reasons": ["a"]}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "bad request - reasons is not a list",
			body:           `{"nodeId": 100, "reasons": "a"}`,
			expectedStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newAnalyticsTestRouter(&mockAnalyticsCommander{fraudFn: tt.fraudFn}, &mockAnalyticsQuerier{})
			w := analyticsDoRequest(router, http.MethodPost, "/v1/visual/fraud-explanations/batch", tt.body, testInternalKey)
			if w.Code != tt.expectedStatus {
				t.Fatalf("[%s] expected %d got %d; body: %s", tt.name, tt.expectedStatus, w.Code, w.Body.String())
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}
			var resp BatchResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Stored != tt.expectedStored {
				t.Errorf("[%s] expected %d stored got %d", tt.name, tt.expectedStored, resp.Stored)
			}
		})
	}
}
