package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/portfolio-rebalancer/internal/circuitbreaker"
	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/retry"
)

const maxResponseBytes = 1 << 20

// ClientConfig configures a collaborator client
type ClientConfig struct {
	BaseURL       string
	Timeout       time.Duration
	RetryAttempts int

	// Breakers registers the client's circuit breaker so its state can be reported. Optional.
	Breakers *circuitbreaker.CircuitBreakerManager
	// HTTPClient overrides the default client. Optional.
	HTTPClient *http.Client
}

// jsonClient is the JSON over HTTP transport shared by the collaborator clients.
// Each call runs through the service's circuit breaker and is retried with
// exponential backoff when the failure is retryable.
type jsonClient struct {
	service string
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	retry   retry.RetryConfig
	wrap    func(op string, err error) error
}

func newJSONClient(service string, cfg ClientConfig, wrap func(op string, err error) error) *jsonClient {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.Breakers != nil {
		breaker = cfg.Breakers.GetOrCreate(service, nil)
	} else {
		breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig(service))
	}

	retryConfig := *retry.DefaultRetryConfig()
	if cfg.RetryAttempts > 0 {
		retryConfig.MaxAttempts = cfg.RetryAttempts
	}
	retryConfig.ShouldRetry = func(err error) bool {
		return !circuitbreaker.IsOpen(err) && apperrors.IsRetryable(err)
	}

	return &jsonClient{
		service: service,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		breaker: breaker,
		retry:   retryConfig,
		wrap:    wrap,
	}
}

// call sends in as JSON and decodes the response into out. in and out may be nil.
func (c *jsonClient) call(ctx context.Context, op, method, path, idempotencyKey string, in, out interface{}) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return apperrors.NewInternalError("failed to encode "+c.service+" request", err)
		}
	}

	err := retry.Do(ctx, &c.retry, func(ctx context.Context, attempt int) error {
		return c.breaker.Execute(ctx, func() error {
			return c.roundTrip(ctx, op, method, path, idempotencyKey, payload, out)
		})
	})

	if circuitbreaker.IsOpen(err) {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"service": c.service,
			"op":      op,
		}).Warn("Collaborator call refused by open circuit")
		return apperrors.NewServiceUnavailableError(c.service)
	}
	return err
}

func (c *jsonClient) roundTrip(ctx context.Context, op, method, path, idempotencyKey string, payload []byte, out interface{}) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apperrors.NewInternalError("failed to create "+c.service+" request", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.wrap(op, &CollaboratorError{Service: c.service, Op: op, Err: err})
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return c.wrap(op, &CollaboratorError{Service: c.service, Op: op, Err: err})
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return c.wrap(op, &CollaboratorError{
			Service: c.service,
			Op:      op,
			Err:     fmt.Errorf("status=%d, body=%s", resp.StatusCode, string(respBody)),
		})
	case resp.StatusCode >= 400:
		return apperrors.NewCollaboratorRejectedError(c.service, resp.StatusCode, string(respBody))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return apperrors.NewCollaboratorRejectedError(c.service, resp.StatusCode, "unparseable response: "+err.Error())
	}
	return nil
}
