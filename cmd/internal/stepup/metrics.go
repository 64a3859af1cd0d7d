package stepup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "stepup",
		Name:      "tokens_issued_total",
		Help:      "Action tokens issued, by action.",
	}, []string{"action"})

	tokensVerified = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "stepup",
		Name:      "tokens_verified_total",
		Help:      "Action token verification attempts, by action and result (ok/invalid/expired).",
	}, []string{"action", "result"})

	challengesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "stepup",
		Name:      "challenges_opened_total",
		Help:      "2FA challenges opened, by action.",
	}, []string{"action"})

	challengesResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "stepup",
		Name:      "challenges_resolved_total",
		Help:      "2FA challenge resolutions, by action and outcome (confirmed/rejected/totp).",
	}, []string{"action", "outcome"})

	bindsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "stepup",
		Name:      "binds_consumed_total",
		Help:      "Channel bind tokens consumed.",
	})
)
