// Package metrics exposes Prometheus collectors. They are fed from the event bus
// so producers never import Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nowplaying/internal/chat"
	"nowplaying/internal/eventbus"
	"nowplaying/internal/presence"
	"nowplaying/internal/task/engine"
)

const namespace = "nowplaying"

type Metrics struct {
	registry *prometheus.Registry

	ticks        *prometheus.CounterVec
	tierChanges  *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	goneHandles  prometheus.Counter
	teardowns    prometheus.Counter
	tasksDropped *prometheus.CounterVec
	tasksFailed  prometheus.Counter
	wsConns      prometheus.Gauge
	jobs         prometheus.Gauge
	httpRequests *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Presence ticks by result (delivered, absent, failed).",
		}, []string{"result"}),
		tierChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_changes_total",
			Help:      "Polling tier transitions by destination tier.",
		}, []string{"tier"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Messages handed to reachable handles.",
		}, []string{"kind"}),
		goneHandles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gone_handles_total",
			Help:      "Handles pruned because the transport reported them gone.",
		}),
		teardowns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardowns_total",
			Help:      "Subjects torn down after a failed tick.",
		}),
		tasksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dropped_total",
			Help:      "Ticks not run, by reason.",
		}, []string{"reason"}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Engine tasks that returned an error or panicked.",
		}),
		wsConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open websocket connections.",
		}),
		jobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Scheduled presence jobs.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by status class.",
		}, []string{"code"}),
	}
	m.registry.MustRegister(
		m.ticks,
		m.tierChanges,
		m.deliveries,
		m.goneHandles,
		m.teardowns,
		m.tasksDropped,
		m.tasksFailed,
		m.wsConns,
		m.jobs,
		m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry. refresh runs before each scrape to update gauges
// that are read rather than pushed.
func (m *Metrics) Handler(refresh func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if refresh != nil {
			refresh()
		}
		h.ServeHTTP(w, r)
	})
}

func (m *Metrics) SetJobs(n int) { m.jobs.Set(float64(n)) }

func (m *Metrics) ObserveRequest(status int) {
	m.httpRequests.WithLabelValues(statusClass(status)).Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(1024, "presence.", "chat.", "task.", "ws.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

// Observe applies one event. Unknown types and payloads are ignored.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.PresenceTick:
		if d, ok := ev.Data.(presence.TickEvent); ok && d.Result != "" {
			m.ticks.WithLabelValues(d.Result).Inc()
		}
	case eventbus.PresenceTier:
		if d, ok := ev.Data.(presence.TierEvent); ok {
			m.tierChanges.WithLabelValues(d.To).Inc()
		}
	case eventbus.PresenceDelivered:
		if d, ok := ev.Data.(presence.DeliveryEvent); ok {
			m.deliveries.WithLabelValues("presence").Add(float64(d.Viewers - d.Gone))
		}
	case eventbus.PresencePruned:
		if d, ok := ev.Data.(presence.PruneEvent); ok {
			m.goneHandles.Add(float64(d.Removed))
		}
	case eventbus.PresenceTeardown:
		m.teardowns.Inc()
	case eventbus.ChatDelivered:
		if d, ok := ev.Data.(chat.DeliveredEvent); ok {
			m.deliveries.WithLabelValues("chat").Add(float64(d.Members - d.Gone))
			m.goneHandles.Add(float64(d.Gone))
		}
	case eventbus.TaskDropped, eventbus.TaskSkipped:
		if d, ok := ev.Data.(engine.TaskEvent); ok && d.Error != "" {
			m.tasksDropped.WithLabelValues(d.Error).Inc()
		}
	case eventbus.TaskFailed:
		m.tasksFailed.Inc()
	case eventbus.SocketOpened:
		m.wsConns.Inc()
	case eventbus.SocketClosed:
		m.wsConns.Dec()
	}
}
