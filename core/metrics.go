package core

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	tokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "connectd_token_refresh_total",
		Help: "Access token refresh attempts by provider and outcome",
	}, []string{"provider", "outcome"})

	oauthCallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "connectd_oauth_callback_total",
		Help: "Completed OAuth callbacks by provider and outcome",
	}, []string{"provider", "outcome"})

	backoffRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "connectd_backoff_retries_total",
		Help: "Requests retried after a 429 response",
	})
)

// RegisterMetrics registers the token lifecycle metrics on reg (or the default
// registerer if nil).
func RegisterMetrics(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{tokenRefreshes, oauthCallbacks, backoffRetries} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}
