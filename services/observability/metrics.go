// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability defines the Prometheus metrics shared by the
// device backend, the condition poller and the trigger server.
//
// All Record methods are safe on a nil *Metrics, so components built
// without metrics (most unit tests) need no special casing.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "sage"

const (
	devicesSubsystem    = "devices"
	conditionsSubsystem = "conditions"
	triggersSubsystem   = "triggers"
)

// Metrics holds every collector. Create one per registry with NewMetrics.
type Metrics struct {
	// DeviceCommandsTotal counts interpreted device commands.
	// Labels: capability, outcome (success, validation, not_found, domain, not_supported, error)
	DeviceCommandsTotal *prometheus.CounterVec

	// EvaluationsTotal counts condition routine evaluations.
	// Labels: outcome (unchanged, changed, fired, error)
	EvaluationsTotal *prometheus.CounterVec

	// EvaluationSeconds measures single routine evaluation latency.
	EvaluationSeconds prometheus.Histogram

	// CycleSeconds measures a full poller cycle.
	CycleSeconds prometheus.Histogram

	// PollerRestartsTotal counts poller restarts caused by registration.
	PollerRestartsTotal prometheus.Counter

	// ConditionsRegistered is the current number of condition records.
	ConditionsRegistered prometheus.Gauge

	// TriggersEnqueuedTotal counts messages appended to the buffer.
	// Labels: source (poller, manual)
	TriggersEnqueuedTotal *prometheus.CounterVec

	// TriggersDeliveredTotal counts messages handed to check_triggers callers.
	TriggersDeliveredTotal prometheus.Counter

	// BufferDepth is the number of undelivered trigger messages.
	BufferDepth prometheus.Gauge
}

// Outcome labels for EvaluationsTotal.
const (
	OutcomeUnchanged = "unchanged"
	OutcomeChanged   = "changed"
	OutcomeFired     = "fired"
	OutcomeError     = "error"
)

// Source labels for TriggersEnqueuedTotal.
const (
	SourcePoller = "poller"
	SourceManual = "manual"
)

// NewMetrics creates and registers all collectors on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DeviceCommandsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: devicesSubsystem,
				Name:      "commands_total",
				Help:      "Device commands interpreted, by capability and outcome",
			},
			[]string{"capability", "outcome"},
		),
		EvaluationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: conditionsSubsystem,
				Name:      "evaluations_total",
				Help:      "Condition routine evaluations by outcome",
			},
			[]string{"outcome"},
		),
		EvaluationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: conditionsSubsystem,
			Name:      "evaluation_seconds",
			Help:      "Latency of a single condition routine evaluation",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
		CycleSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: conditionsSubsystem,
			Name:      "cycle_seconds",
			Help:      "Duration of a full poller cycle",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),
		PollerRestartsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: conditionsSubsystem,
			Name:      "poller_restarts_total",
			Help:      "Poller restarts triggered by condition registration",
		}),
		ConditionsRegistered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: conditionsSubsystem,
			Name:      "registered",
			Help:      "Number of registered condition records",
		}),
		TriggersEnqueuedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: triggersSubsystem,
				Name:      "enqueued_total",
				Help:      "Trigger messages appended to the delivery buffer, by source",
			},
			[]string{"source"},
		),
		TriggersDeliveredTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: triggersSubsystem,
			Name:      "delivered_total",
			Help:      "Trigger messages returned by check_triggers",
		}),
		BufferDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: triggersSubsystem,
			Name:      "buffer_depth",
			Help:      "Trigger messages waiting to be delivered",
		}),
	}
}

func (m *Metrics) RecordDeviceCommand(capability, outcome string) {
	if m == nil {
		return
	}
	m.DeviceCommandsTotal.WithLabelValues(capability, outcome).Inc()
}

func (m *Metrics) RecordEvaluation(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.EvaluationsTotal.WithLabelValues(outcome).Inc()
	m.EvaluationSeconds.Observe(d.Seconds())
}

func (m *Metrics) RecordCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.CycleSeconds.Observe(d.Seconds())
}

func (m *Metrics) RecordPollerRestart() {
	if m == nil {
		return
	}
	m.PollerRestartsTotal.Inc()
}

func (m *Metrics) SetConditionsRegistered(n int) {
	if m == nil {
		return
	}
	m.ConditionsRegistered.Set(float64(n))
}

func (m *Metrics) RecordEnqueued(source string, depth int) {
	if m == nil {
		return
	}
	m.TriggersEnqueuedTotal.WithLabelValues(source).Inc()
	m.BufferDepth.Set(float64(depth))
}

func (m *Metrics) RecordDelivered(depth int) {
	if m == nil {
		return
	}
	m.TriggersDeliveredTotal.Inc()
	m.BufferDepth.Set(float64(depth))
}

func (m *Metrics) SetBufferDepth(depth int) {
	if m == nil {
		return
	}
	m.BufferDepth.Set(float64(depth))
}
