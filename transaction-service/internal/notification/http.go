package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-resty/resty/v2"
	"github.com/mulehunter/backend/shared/config"
	"github.com/mulehunter/backend/shared/metrics"
	"github.com/mulehunter/backend/shared/middleware"
)

const reanalyzePath = "/visual/reanalyze/nodes"

// HTTPNotifier posts re-analysis requests to the visual pipeline, signed with
// the shared internal API key. Safe for concurrent use.
type HTTPNotifier struct {
	cfg     config.NotificationConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	once sync.Once
	rest *resty.Client
}

func NewHTTPNotifier(cfg config.NotificationConfig, m *metrics.Metrics, logger *slog.Logger) *HTTPNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPNotifier{cfg: cfg, metrics: m, logger: logger}
}

func (n *HTTPNotifier) client() *resty.Client {
	n.once.Do(func() {
		n.rest = resty.New().
			SetBaseURL(n.cfg.BaseURL).
			SetTimeout(n.cfg.Timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader(middleware.InternalAPIKeyHeader, n.cfg.InternalAPIKey)
	})
	return n.rest
}

func (n *HTTPNotifier) NotifyReanalysis(ctx context.Context, transactionID string, sourceAccount, targetAccount int64) Delivery {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	resp, err := n.client().R().
		SetContext(ctx).
		SetBody(NewReanalysisRequest(transactionID, sourceAccount, targetAccount)).
		Post(reanalyzePath)

	var d Delivery
	switch {
	case err != nil:
		d = failed(config.TransportHTTP, err.Error())
	case resp.IsError():
		d = failed(config.TransportHTTP, fmt.Sprintf("HTTP %d", resp.StatusCode()))
	default:
		d = delivered(config.TransportHTTP)
	}
	return record(ctx, n.metrics, n.logger, transactionID, d)
}
