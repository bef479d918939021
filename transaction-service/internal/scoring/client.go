// Package scoring calls the external fraud model. Calls never fail from the
// caller's point of view: any problem yields an Unavailable result.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mulehunter/backend/shared/config"
	"github.com/mulehunter/backend/shared/metrics"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

const analyzePath = "/analyze-transaction"

type Status int

const (
	StatusUnavailable Status = iota
	StatusScored
)

func (s Status) String() string {
	if s == StatusScored {
		return "scored"
	}
	return "unavailable"
}

// Result is either a model verdict or Unavailable with a reason.
type Result struct {
	Status    Status
	RiskScore float64
	Verdict   string
	Reason    string
}

func Scored(score float64, verdict string) Result {
	return Result{Status: StatusScored, RiskScore: score, Verdict: verdict}
}

func Unavailable(reason string) Result {
	return Result{Status: StatusUnavailable, Reason: reason}
}

func (r Result) Available() bool {
	return r.Status == StatusScored
}

// Request is the transaction context sent to the model.
type Request struct {
	SourceID  int64
	TargetID  int64
	Amount    decimal.Decimal
	Timestamp time.Time
}

type analyzeRequest struct {
	SourceID  int64   `json:"source_id"`
	TargetID  int64   `json:"target_id"`
	Amount    float64 `json:"amount"`
	Timestamp string  `json:"timestamp"`
}

// analyzeResponse reads only the two contractual fields; anything else the
// model returns is ignored.
type analyzeResponse struct {
	RiskScore *float64 `json:"risk_score"`
	Verdict   string   `json:"verdict"`
}

// Client is safe for concurrent use. The underlying HTTP client is built on
// first use and shared by every call.
type Client struct {
	cfg     config.ScoringConfig
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger

	once sync.Once
	rest *resty.Client
}

func NewClient(cfg config.ScoringConfig, m *metrics.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.BreakerMaxFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "scoring",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return maxFailures > 0 && counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Client{cfg: cfg, breaker: breaker, metrics: m, logger: logger}
}

func (c *Client) client() *resty.Client {
	c.once.Do(func() {
		c.rest = resty.New().
			SetBaseURL(c.cfg.BaseURL).
			SetTimeout(c.cfg.Timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json")
	})
	return c.rest
}

// Score asks the model for a verdict. It performs exactly one attempt.
func (c *Client) Score(ctx context.Context, req Request) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.call(ctx, req)
	})

	var result Result
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		result = Unavailable("circuit open")
	case err != nil:
		result = Unavailable(err.Error())
	default:
		result = out.(Result)
	}

	if c.metrics != nil {
		c.metrics.ScoringRequests.WithLabelValues(result.Status.String()).Inc()
		c.metrics.ScoringDuration.Observe(time.Since(start).Seconds())
	}
	if !result.Available() {
		c.logger.WarnContext(ctx, "scoring unavailable",
			"source_id", req.SourceID, "target_id", req.TargetID, "reason", result.Reason)
	}
	return result
}

func (c *Client) call(ctx context.Context, req Request) (Result, error) {
	var body analyzeResponse
	resp, err := c.client().R().
		SetContext(ctx).
		SetBody(analyzeRequest{
			SourceID:  req.SourceID,
			TargetID:  req.TargetID,
			Amount:    req.Amount.InexactFloat64(),
			Timestamp: req.Timestamp.UTC().Format(time.RFC3339Nano),
		}).
		SetResult(&body).
		ForceContentType("application/json").
		Post(analyzePath)
	if err != nil {
		return Result{}, fmt.Errorf("scoring request failed: %w", err)
	}
	if resp.IsError() {
		return Result{}, fmt.Errorf("scoring returned HTTP %d", resp.StatusCode())
	}
	if body.RiskScore == nil {
		return Result{}, errors.New("scoring response has no risk_score")
	}
	score := *body.RiskScore
	if score < 0 || score > 1 {
		return Result{}, fmt.Errorf("risk_score %v outside [0,1]", score)
	}
	if body.Verdict == "" {
		return Result{}, errors.New("scoring response has no verdict")
	}
	return Scored(score, body.Verdict), nil
}
