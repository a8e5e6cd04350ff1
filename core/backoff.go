package core

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"connectd/logger"
)

const (
	DefaultMaxRetries = 5
)

// DefaultFallbackDelays is used when a 429 carries no usable Retry-After.
var DefaultFallbackDelays = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	40 * time.Second,
	60 * time.Second,
}

// Backoff retries rate-limited requests. MaxRetries counts attempts, not
// additional retries.
type Backoff struct {
	MaxRetries     int
	FallbackDelays []time.Duration

	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewBackoff(cfg BackoffConfig) *Backoff {
	b := &Backoff{
		MaxRetries:     cfg.MaxRetries,
		FallbackDelays: cfg.FallbackDelays,
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = DefaultMaxRetries
	}
	if len(b.FallbackDelays) == 0 {
		b.FallbackDelays = DefaultFallbackDelays
	}
	return b
}

// Do calls fn until it returns something other than 429 Too Many Requests or
// the attempts run out. The last response is returned either way; transport
// errors are returned as is.
func (b *Backoff) Do(ctx context.Context, fn func(ctx context.Context) (*http.Response, error)) (*http.Response, error) {
	attempts := b.MaxRetries
	if attempts <= 0 {
		attempts = DefaultMaxRetries
	}
	delays := b.FallbackDelays
	if len(delays) == 0 {
		delays = DefaultFallbackDelays
	}
	sleep := b.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var resp *http.Response
	for attempt := 0; attempt < attempts; attempt++ {
		var err error
		resp, err = fn(ctx)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}
		if attempt == attempts-1 {
			break
		}

		delay := delays[min(attempt, len(delays)-1)]
		if ra := strings.TrimSpace(resp.Header.Get("Retry-After")); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				delay = time.Duration(secs) * time.Second
			}
		}

		// the response is being replaced, release its connection
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		backoffRetries.Inc()
		logger.From(ctx).Warn("rate limited, backing off",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
		)

		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
