// rest.go implements the REST depth-snapshot fallback.
//
// When the WebSocket snapshot refresh fails, the pool falls back to
// GET /api/v1/contract/depth/{symbol}. The client carries its own timeout,
// rate limiter, and circuit breaker so a struggling REST API can never
// back-pressure the WebSocket path.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	restTimeout       = 5 * time.Second
	restMinGap        = 100 * time.Millisecond // enforced via the token bucket refill
	restAcquireWait   = 2 * time.Second
	restBreakerFails  = 5
	restBreakerOks    = 3
	restBreakerWindow = 30 * time.Second
)

// RESTClient fetches depth snapshots over HTTP.
type RESTClient struct {
	http    *resty.Client
	limiter *TokenBucket
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// NewRESTClient creates the fallback client against the given base URL.
func NewRESTClient(baseURL string, logger *slog.Logger) *RESTClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(restTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &RESTClient{
		http: httpClient,
		// One request per 100ms sustained, no burst beyond a single token.
		limiter: NewTokenBucket(1, 1.0/restMinGap.Seconds()),
		breaker: NewCircuitBreaker(restBreakerFails, restBreakerOks, restBreakerWindow),
		logger:  logger.With("component", "rest_depth"),
	}
}

// depthResponse is the REST body for GET /api/v1/contract/depth/{symbol}.
type depthResponse struct {
	Success bool      `json:"success"`
	Code    int       `json:"code"`
	Data    depthData `json:"data"`
}

// GetDepth fetches a full depth snapshot for a symbol.
func (c *RESTClient) GetDepth(ctx context.Context, symbol string) (*depthData, error) {
	if !c.breaker.Allow() {
		return nil, ErrCircuitOpen
	}
	if !c.limiter.Acquire(1, restAcquireWait) {
		c.breaker.Record(true) // throttling is not an API failure
		return nil, ErrRateLimitTimeout
	}

	var result depthResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/api/v1/contract/depth/" + symbol)
	if err != nil {
		c.breaker.Record(false)
		return nil, fmt.Errorf("get depth %s: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		c.breaker.Record(false)
		return nil, fmt.Errorf("get depth %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}
	if !result.Success {
		c.breaker.Record(false)
		return nil, fmt.Errorf("get depth %s: api code %d", symbol, result.Code)
	}

	c.breaker.Record(true)
	return &result.Data, nil
}
