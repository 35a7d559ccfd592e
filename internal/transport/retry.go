// Package transport builds the HTTP clients used to talk to relayers and the
// confidential prover.
package transport

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// RetryConfig bounds retries of idempotent requests.
type RetryConfig struct {
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// DefaultRetryConfig returns conservative retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		RetryDelay: 200 * time.Millisecond,
		Timeout:    30 * time.Second,
	}
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type leveledLogger struct {
	inner zerolog.Logger
}

func fields(e *zerolog.Event, kv []any) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		e = e.Interface(fmt.Sprint(kv[i]), kv[i+1])
	}
	return e
}

func (l leveledLogger) Error(msg string, kv ...any) { fields(l.inner.Error(), kv).Msg(msg) }
func (l leveledLogger) Info(msg string, kv ...any)  { fields(l.inner.Info(), kv).Msg(msg) }
func (l leveledLogger) Warn(msg string, kv ...any)  { fields(l.inner.Warn(), kv).Msg(msg) }
func (l leveledLogger) Debug(msg string, kv ...any) { fields(l.inner.Debug(), kv).Msg(msg) }

// NewRetryClient returns a client that retries transient failures. Its
// HTTPClient field can be used directly for requests that must not be retried.
func NewRetryClient(cfg RetryConfig, logger zerolog.Logger) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.MaxRetries
	client.RetryWaitMin = cfg.RetryDelay
	client.RetryWaitMax = 2 * cfg.RetryDelay
	client.Backoff = retryablehttp.LinearJitterBackoff
	client.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	client.Logger = leveledLogger{inner: logger}
	client.ResponseLogHook = func(_ retryablehttp.Logger, resp *http.Response) {
		logger.Debug().
			Stringer("url", resp.Request.URL).
			Int("status", resp.StatusCode).
			Msg("response received")
	}
	return client
}
