package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	collerrors "github.com/johnayoung/tda-collector/internal/errors"
	"golang.org/x/time/rate"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxErrorBodyBytes     = 512
	userAgent             = "tda-collector/1.0"
)

// restClient performs rate-limited GET requests against an exchange REST API and maps
// failures onto the collector error taxonomy.
type restClient struct {
	exchange    string
	baseURL     string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	logger      *slog.Logger
}

func newRESTClient(exchange string, opts Options) *restClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	return &restClient{
		exchange:    exchange,
		baseURL:     opts.BaseURL,
		httpClient:  httpClient,
		rateLimiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		logger:      opts.Logger.With("component", "exchange", "exchange", exchange),
	}
}

// get issues a GET request and returns the response body of a 2xx answer.
func (c *restClient) get(ctx context.Context, op, path string, params url.Values) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, ctxErr
		}
		// The limiter refuses waits that would outlive the deadline; waiting again cannot help.
		return nil, collerrors.NewExchangeError(op, fmt.Errorf("request throttle: %w", err))
	}

	requestURL := c.baseURL + path
	if len(params) > 0 {
		requestURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, collerrors.NewExchangeError(op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	c.logger.Debug("exchange request", "op", op, "url", requestURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Caller cancellation is surfaced as-is so it is never retried.
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, ctxErr
		}
		return nil, collerrors.NewNetworkError(op, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, collerrors.NewNetworkError(op, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode < 400 {
		return body, nil
	}

	detail := string(body)
	if len(detail) > maxErrorBodyBytes {
		detail = detail[:maxErrorBodyBytes]
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		return nil, collerrors.NewRateLimitError(op,
			fmt.Errorf("rate limited (status %d): %s", resp.StatusCode, detail))
	case resp.StatusCode >= 500:
		return nil, collerrors.NewNetworkError(op, fmt.Errorf("server error %d: %s", resp.StatusCode, detail))
	default:
		return nil, collerrors.NewExchangeError(op, fmt.Errorf("client error %d: %s", resp.StatusCode, detail))
	}
}
