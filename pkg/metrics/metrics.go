package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records authentication attempts by result (success|failure|rate_limited).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickwell_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)

	// LoginLockouts counts lockouts imposed by the login rate limiter.
	LoginLockouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tickwell_login_lockouts_total",
			Help: "Total number of login lockouts",
		},
	)

	// ActiveSessions tracks active sessions (not expired/revoked).
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tickwell_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// TwoFactorCodes counts issued and validated two-factor codes by purpose and result.
	TwoFactorCodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickwell_two_factor_codes_total",
			Help: "Two-factor code operations",
		},
		[]string{"purpose", "op"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tickwell_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
