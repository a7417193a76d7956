// Package observability exposes bridge counters and gauges to prometheus.
//
// All Record methods are safe on a nil *Metrics, so components can take an
// optional metrics sink without guarding every call.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/nbridge/internal/ir"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "nbridge"

// Metrics holds the bridge collectors.
type Metrics struct {
	requestsDispatched prometheus.Counter
	dispatchFailures   *prometheus.CounterVec
	eventsEmitted      prometheus.Counter
	eventsDelivered    *prometheus.CounterVec
	eventsDiscarded    *prometheus.CounterVec
	contextsCreated    prometheus.Counter
	contextFailures    prometheus.Counter
	contextsLive       prometheus.Gauge
	queueDepth         prometheus.Gauge
	blobsStored        prometheus.Counter
	blobBytesStored    prometheus.Counter
	blobResolveErrors  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
// A nil reg leaves them unregistered (useful in tests).
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	m := &Metrics{
		requestsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Requests handed to native sessions.",
		}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "failures_total",
			Help:      "Requests rejected before reaching native code.",
		}, []string{"reason"}),
		eventsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mux",
			Name:      "events_emitted_total",
			Help:      "Response events emitted by native sessions.",
		}),
		eventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mux",
			Name:      "events_delivered_total",
			Help:      "Response events delivered to the registered handler.",
		}, []string{"response_type", "finished"}),
		eventsDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mux",
			Name:      "events_discarded_total",
			Help:      "Response events dropped before delivery.",
		}, []string{"reason"}),
		contextsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "contexts",
			Name:      "created_total",
			Help:      "Native contexts created.",
		}),
		contextFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "contexts",
			Name:      "create_failures_total",
			Help:      "Native context creations that failed.",
		}),
		contextsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "contexts",
			Name:      "live",
			Help:      "Contexts currently valid.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mux",
			Name:      "queue_depth",
			Help:      "Events waiting for delivery.",
		}),
		blobsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blob",
			Name:      "stored_total",
			Help:      "Blobs stored.",
		}),
		blobBytesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blob",
			Name:      "stored_bytes_total",
			Help:      "Bytes copied into the blob store.",
		}),
		blobResolveErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blob",
			Name:      "resolve_errors_total",
			Help:      "Blob resolves that failed.",
		}, []string{"reason"}),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.requestsDispatched, m.dispatchFailures,
		m.eventsEmitted, m.eventsDelivered, m.eventsDiscarded,
		m.contextsCreated, m.contextFailures, m.contextsLive, m.queueDepth,
		m.blobsStored, m.blobBytesStored, m.blobResolveErrors,
	}
}

func (m *Metrics) RecordDispatch() {
	if m == nil {
		return
	}
	m.requestsDispatched.Inc()
}

func (m *Metrics) RecordDispatchFailure(reason string) {
	if m == nil {
		return
	}
	m.dispatchFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordEmit(queueDepth int) {
	if m == nil {
		return
	}
	m.eventsEmitted.Inc()
	m.queueDepth.Set(float64(queueDepth))
}

func (m *Metrics) RecordDelivered(t ir.ResponseType, finished bool) {
	if m == nil {
		return
	}
	fin := "false"
	if finished {
		fin = "true"
	}
	m.eventsDelivered.WithLabelValues(t.String(), fin).Inc()
}

func (m *Metrics) RecordDiscarded(reason string) {
	if m == nil {
		return
	}
	m.eventsDiscarded.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) RecordContextCreated(live int) {
	if m == nil {
		return
	}
	m.contextsCreated.Inc()
	m.contextsLive.Set(float64(live))
}

func (m *Metrics) RecordContextFailure() {
	if m == nil {
		return
	}
	m.contextFailures.Inc()
}

func (m *Metrics) RecordContextDestroyed(live int) {
	if m == nil {
		return
	}
	m.contextsLive.Set(float64(live))
}

func (m *Metrics) RecordBlobStored(size int) {
	if m == nil {
		return
	}
	m.blobsStored.Inc()
	m.blobBytesStored.Add(float64(size))
}

func (m *Metrics) RecordBlobResolveError(reason string) {
	if m == nil {
		return
	}
	m.blobResolveErrors.WithLabelValues(reason).Inc()
}
