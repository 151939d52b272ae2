package wxapi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// retryableError is a transient HTTP failure.
type retryableError struct {
	statusCode int
	body       string
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

// doWithRetry executes a request with exponential backoff on network
// failures, 5xx and 429. The request is rebuilt for every attempt.
func doWithRetry(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), maxRetries int, backoffBase time.Duration, logger *slog.Logger) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			base := time.Duration(attempt*attempt) * backoffBase
			jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
			backoff := base + jitter
			logger.Warn("retrying platform request", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < maxRetries {
				logger.Warn("platform request failed, will retry", "error", err)
				continue
			}
			return nil, fmt.Errorf("request failed after %d retries: %w", maxRetries, err)
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = &retryableError{statusCode: resp.StatusCode, body: string(body)}
			if attempt < maxRetries {
				logger.Warn("platform server error, will retry", "status", resp.StatusCode)
				continue
			}
			return nil, fmt.Errorf("server error after %d retries: %w", maxRetries, lastErr)
		}

		return resp, nil
	}

	return nil, lastErr
}
