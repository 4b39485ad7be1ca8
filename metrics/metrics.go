// Package metrics provides the Prometheus instrumentation for the trap
// pipeline. Counters are package-level promauto vars so every stage can
// record without plumbing a registry through the constructors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trapalertd"

// Receive path.
var (
	// DatagramsReceived counts UDP datagrams read off the trap socket.
	DatagramsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "listener",
		Name:      "datagrams_received_total",
		Help:      "UDP datagrams read from the trap socket",
	})

	// DatagramsDropped counts datagrams discarded because the receive queue
	// was full. These never reached the decoder.
	DatagramsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "listener",
		Name:      "datagrams_dropped_total",
		Help:      "Datagrams dropped at the socket due to a full receive queue",
	})

	// ReceiveQueueDepth tracks the current receive queue occupancy.
	ReceiveQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "listener",
		Name:      "queue_depth",
		Help:      "Datagrams waiting in the receive queue",
	})
)

// Decode and normalize.
var (
	// DecodeFailures counts decode errors by category: truncated, malformed,
	// unsupported_version, auth_failure, too_large.
	DecodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decoder",
		Name:      "failures_total",
		Help:      "Datagrams rejected by the decoder, by error category",
	}, []string{"category"})

	// TrapsDecoded counts successfully decoded trap PDUs by SNMP version.
	TrapsDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decoder",
		Name:      "traps_total",
		Help:      "Successfully decoded trap PDUs, by SNMP version",
	}, []string{"version"})

	// NormalizeFailures counts decoded messages without a usable trap identity.
	NormalizeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "normalizer",
		Name:      "failures_total",
		Help:      "Decoded messages discarded for missing trap identity",
	})
)

// Rule engine and alert lifecycle.
var (
	// RuleMatches counts rule matches by rule name.
	RuleMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rules",
		Name:      "matches_total",
		Help:      "Rule matches against normalized traps, by rule",
	}, []string{"rule"})

	// AlertsFiring counts Firing transitions emitted by the tracker.
	AlertsFiring = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "alerts_firing_total",
		Help:      "Firing alert notifications emitted",
	})

	// AlertsResolved counts Resolved transitions by cause: clear, timeout, manual.
	AlertsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "alerts_resolved_total",
		Help:      "Resolved alert notifications emitted, by cause",
	}, []string{"cause"})

	// AlertsDeduplicated counts matches suppressed inside a dedup window.
	AlertsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "alerts_deduplicated_total",
		Help:      "Matches suppressed by per-fingerprint deduplication",
	})

	// ActiveAlerts tracks the number of firing alert records.
	ActiveAlerts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "active_alerts",
		Help:      "Alert records currently in the firing state",
	})

	// RenderFallbacks counts alerts rendered with the fallback payload after
	// a template failure.
	RenderFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "render",
		Name:      "fallbacks_total",
		Help:      "Alerts rendered with the fallback payload",
	})
)

// Dispatch.
var (
	// DispatchBatches counts delivered batches by outcome: ok, failed.
	DispatchBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "batches_total",
		Help:      "Alert batches posted to Alertmanager, by outcome",
	}, []string{"outcome"})

	// DispatchRetries counts individual delivery retry attempts.
	DispatchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "retries_total",
		Help:      "Delivery retry attempts after a failed POST",
	})

	// DispatchEvictions counts alerts evicted from the overflow buffer under
	// sustained outage. This is the only counter representing data loss past
	// the decoder.
	DispatchEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "overflow_evictions_total",
		Help:      "Alerts evicted from the bounded overflow buffer",
	})

	// DispatchOverflowDepth tracks alerts parked in the overflow buffer.
	DispatchOverflowDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "overflow_depth",
		Help:      "Alerts waiting in the overflow buffer",
	})
)
