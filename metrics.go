package x402gate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "x402_requests_total",
		Help: "Protocol engine decisions by terminal outcome.",
	}, []string{"outcome"})

	challengesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "x402_challenges_total",
		Help: "Issued 402 challenges by internal reason.",
	}, []string{"reason"})

	settlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "x402_settlement_duration_seconds",
		Help:    "Wall time of the verify+settle round trip for admitted requests.",
		Buckets: prometheus.DefBuckets,
	})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "x402_breaker_transitions_total",
		Help: "Circuit breaker state transitions guarding the settlement service.",
	}, []string{"from", "to"})
)
