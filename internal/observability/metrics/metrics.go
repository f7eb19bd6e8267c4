// Package metrics exposes the engine's Prometheus instrumentation:
// session churn, decrypt outcomes, and prekey inventory levels, so an
// embedding application can scrape them alongside its own service
// metrics the same way the key-service and message-service components
// of this codebase register theirs.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SessionsEstablishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2ee_sessions_established_total",
			Help: "Total pairwise sessions established, by role.",
		},
		[]string{"component", "role"},
	)

	DHRatchetStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2ee_dh_ratchet_steps_total",
			Help: "Total Double Ratchet DH-ratchet steps performed.",
		},
		[]string{"component"},
	)

	DecryptResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2ee_decrypt_results_total",
			Help: "Total decrypt attempts by outcome kind.",
		},
		[]string{"component", "result"},
	)

	SkippedKeysCached = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "e2ee_skipped_keys_cached",
			Help: "Current number of cached skipped message keys per session.",
		},
		[]string{"component"},
	)

	OneTimePrekeysRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "e2ee_one_time_prekeys_remaining",
			Help: "Local count of unused one-time prekeys.",
		},
		[]string{"component"},
	)

	SignedPrekeyAgeSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "e2ee_signed_prekey_age_seconds",
			Help: "Age of the current signed prekey in seconds.",
		},
		[]string{"component"},
	)
)

var registerOnce sync.Once

// MustRegister curries every metric with the given component label and
// registers them against the default registry, mirroring the
// per-service MustRegister helper used elsewhere in this codebase. Every
// package that touches these metrics calls this on its own hot path;
// registerOnce makes that safe to do from more than one package without
// double-registering against the default registry, and the first caller
// across the whole process picks the component label every metric below
// carries.
func MustRegister(component string) {
	registerOnce.Do(func() {
		SessionsEstablishedTotal = SessionsEstablishedTotal.MustCurryWith(prometheus.Labels{"component": component})
		DHRatchetStepsTotal = DHRatchetStepsTotal.MustCurryWith(prometheus.Labels{"component": component})
		DecryptResultsTotal = DecryptResultsTotal.MustCurryWith(prometheus.Labels{"component": component})
		SkippedKeysCached = SkippedKeysCached.MustCurryWith(prometheus.Labels{"component": component})
		OneTimePrekeysRemaining = OneTimePrekeysRemaining.MustCurryWith(prometheus.Labels{"component": component})
		SignedPrekeyAgeSeconds = SignedPrekeyAgeSeconds.MustCurryWith(prometheus.Labels{"component": component})

		prometheus.MustRegister(
			SessionsEstablishedTotal,
			DHRatchetStepsTotal,
			DecryptResultsTotal,
			SkippedKeysCached,
			OneTimePrekeysRemaining,
			SignedPrekeyAgeSeconds,
		)
	})
}
