package core_test

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connectd/core"
)

type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func response(status int, headers map[string]string) *http.Response {
	resp := &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader("{}")),
	}
	for k, v := range headers {
		resp.Header.Set(k, v)
	}
	return resp
}

// scripted returns the given responses in order, repeating the last one.
func scripted(calls *int, responses ...*http.Response) func(ctx context.Context) (*http.Response, error) {
	return func(ctx context.Context) (*http.Response, error) {
		i := *calls
		*calls++
		if i >= len(responses) {
			i = len(responses) - 1
		}
		return responses[i], nil
	}
}

func newBackoff(maxRetries int, sleeper *recordingSleeper) *core.Backoff {
	b := core.NewBackoff(core.BackoffConfig{MaxRetries: maxRetries})
	b.Sleep = sleeper.Sleep
	return b
}

func TestBackoff_SuccessWithoutSleeping(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0

	resp, err := newBackoff(5, sleeper).Do(context.Background(), scripted(&calls, response(200, nil)))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeper.delays)
}

func TestBackoff_FallbackDelays(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0

	resp, err := newBackoff(5, sleeper).Do(context.Background(), scripted(&calls,
		response(429, nil),
		response(429, nil),
		response(429, nil),
		response(200, nil),
	))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, sleeper.delays)
}

func TestBackoff_RetryAfterHeader(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0

	resp, err := newBackoff(5, sleeper).Do(context.Background(), scripted(&calls,
		response(429, map[string]string{"Retry-After": "15"}),
		response(200, nil),
	))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []time.Duration{15 * time.Second}, sleeper.delays)
}

func TestBackoff_NonNumericRetryAfterUsesTable(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0

	_, err := newBackoff(5, sleeper).Do(context.Background(), scripted(&calls,
		response(429, map[string]string{"Retry-After": "Wed, 21 Oct 2015 07:28:00 GMT"}),
		response(200, nil),
	))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Second}, sleeper.delays)
}

func TestBackoff_ExhaustedReturnsLast429(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0

	resp, err := newBackoff(3, sleeper).Do(context.Background(), scripted(&calls, response(429, nil)))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, 3, calls)
	// no sleep after the final attempt
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, sleeper.delays)
}

func TestBackoff_DelayTableClampsToLastEntry(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0

	b := newBackoff(8, sleeper)
	_, err := b.Do(context.Background(), scripted(&calls, response(429, nil)))
	require.NoError(t, err)
	require.Len(t, sleeper.delays, 7)
	assert.Equal(t, 60*time.Second, sleeper.delays[6])
}

func TestBackoff_TransportErrorIsNotRetried(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0

	_, err := newBackoff(5, sleeper).Do(context.Background(), func(ctx context.Context) (*http.Response, error) {
		calls++
		return nil, io.ErrUnexpectedEOF
	})
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeper.delays)
}

func TestBackoff_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	b := core.NewBackoff(core.BackoffConfig{})
	_, err := b.Do(ctx, scripted(&calls, response(429, map[string]string{"Retry-After": "30"})))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
