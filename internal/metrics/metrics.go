// Package metrics holds the coordinator's Prometheus instrumentation:
// live sessions, live tiers, pending RPCs, in-flight batches,
// attestation outcomes, logout timeouts, and registration outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bnode",
		Name:      "live_sessions",
		Help:      "Currently registered, valid agent sessions.",
	})

	LiveTiers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bnode",
		Name:      "live_tiers",
		Help:      "Currently live hierarchy tiers by kind.",
	}, []string{"kind"})

	PendingRPCs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bnode",
		Name:      "pending_rpcs",
		Help:      "RPC calls awaiting a response across all sessions.",
	})

	InFlightBatches = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bnode",
		Name:      "inflight_activity_batches",
		Help:      "Activity batches not yet fully acked or evicted.",
	})

	AttestationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bnode",
		Name:      "attestation_total",
		Help:      "Cluster attestation runs by outcome.",
	}, []string{"outcome"}) // pass | vacuous_pass | fail | error

	LogoutTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bnode",
		Name:      "logout_barrier_timeouts_total",
		Help:      "Logout barrier runs that hit the ack-wait deadline before all acks arrived.",
	})

	RegistrationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bnode",
		Name:      "registration_outcomes_total",
		Help:      "Registration attempts by collision-policy outcome.",
	}, []string{"outcome"})
)

// ObserveAttestation records an attestation result's outcome bucket.
func ObserveAttestation(passed, vacuous bool, errored bool) {
	switch {
	case errored:
		AttestationTotal.WithLabelValues("error").Inc()
	case passed && vacuous:
		AttestationTotal.WithLabelValues("vacuous_pass").Inc()
	case passed:
		AttestationTotal.WithLabelValues("pass").Inc()
	default:
		AttestationTotal.WithLabelValues("fail").Inc()
	}
}
