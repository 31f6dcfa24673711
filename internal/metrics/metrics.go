package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "coedit"

// Collectors groups the service's prometheus collectors.
type Collectors struct {
	eventsPublished   *prometheus.CounterVec
	deliveriesDropped *prometheus.CounterVec
	saves             *prometheus.CounterVec
	rateLimited       prometheus.Counter
}

// Gauges supplies live values sampled at scrape time.
type Gauges struct {
	Sessions func() int
	Rooms    func() int
}

// NewCollectors builds the collectors and registers them with reg.
func NewCollectors(reg prometheus.Registerer, gauges Gauges) *Collectors {
	collectors := &Collectors{
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "realtime_events_published_total", Help: "Realtime events published by kind."},
			[]string{"kind"},
		),
		deliveriesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "realtime_deliveries_dropped_total", Help: "Realtime deliveries dropped on full session queues by kind."},
			[]string{"kind"},
		),
		saves: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "document_saves_total", Help: "Document saves by outcome."},
			[]string{"outcome"},
		),
		rateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "realtime_frames_rate_limited_total", Help: "Inbound realtime frames rejected by the rate limiter."},
		),
	}
	reg.MustRegister(
		collectors.eventsPublished,
		collectors.deliveriesDropped,
		collectors.saves,
		collectors.rateLimited,
	)
	if gauges.Sessions != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: namespace, Name: "realtime_sessions", Help: "Live realtime sessions."},
			func() float64 { return float64(gauges.Sessions()) },
		))
	}
	if gauges.Rooms != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: namespace, Name: "realtime_rooms", Help: "Document rooms with at least one member."},
			func() float64 { return float64(gauges.Rooms()) },
		))
	}
	return collectors
}

func (c *Collectors) RecordPublished(kind string) {
	c.eventsPublished.WithLabelValues(kind).Inc()
}

func (c *Collectors) RecordDropped(kind string) {
	c.deliveriesDropped.WithLabelValues(kind).Inc()
}

func (c *Collectors) RecordSave(outcome string) {
	c.saves.WithLabelValues(outcome).Inc()
}

func (c *Collectors) RecordRateLimited() {
	c.rateLimited.Inc()
}
