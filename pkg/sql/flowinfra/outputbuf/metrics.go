// Copyright 2025 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package outputbuf

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "stratum"
	metricsSubsystem = "output_buffer"
)

// Metrics aggregates output buffer metrics across every buffer in the
// process. A single Metrics is registered once and shared; gauges are
// maintained by delta so concurrent buffers compose. A nil *Metrics disables
// recording.
type Metrics struct {
	BufferedBytes  prometheus.Gauge
	QueuedPages    prometheus.Gauge
	PendingReads   prometheus.Gauge
	PagesAdded     prometheus.Counter
	BytesAdded     prometheus.Counter
	PagesDropped   prometheus.Counter
	PagesDiscarded prometheus.Counter
}

// MakeMetrics builds buffer metrics registered with reg.
func MakeMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BufferedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "buffered_bytes",
			Help:      "Bytes currently held in master queues.",
		}),
		QueuedPages: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "queued_pages",
			Help:      "Pages waiting in overflow queues for buffer space.",
		}),
		PendingReads: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "pending_reads",
			Help:      "Outstanding consumer reads waiting for data.",
		}),
		PagesAdded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "pages_added_total",
			Help:      "Pages admitted to master queues.",
		}),
		BytesAdded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "bytes_added_total",
			Help:      "Bytes admitted to master queues.",
		}),
		PagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "pages_dropped_total",
			Help:      "Pages dropped from master queue heads after acknowledgement.",
		}),
		PagesDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "pages_discarded_total",
			Help:      "Late pages discarded because the buffer no longer accepts pages.",
		}),
	}
}
