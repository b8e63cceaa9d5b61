// Package metrics exposes execution counters to Prometheus. It hangs
// off the event bus so the trading path never touches a collector
// directly.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"perp-core/internal/events"
)

// Metrics holds the collectors.
type Metrics struct {
	registry *prometheus.Registry

	signalsAdmitted prometheus.Counter
	signalsRejected *prometheus.CounterVec
	signalsExpired  *prometheus.CounterVec
	entriesPlaced   prometheus.Counter
	positionsOpened prometheus.Counter
	positionsClosed *prometheus.CounterVec
	partialCloses   prometheus.Counter
	emergencyCloses prometheus.Counter
	manualFlags     prometheus.Counter
	driftRepairs    prometheus.Counter
	openPositions   prometheus.Gauge
	realizedPnL     prometheus.Gauge
}

// New builds and registers the collectors on a private registry, which
// keeps the process's default registry out of the scrape.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.signalsAdmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "perpcore", Name: "signals_admitted_total",
		Help: "Signals accepted into the dispatch queue.",
	})
	m.signalsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpcore", Name: "signals_rejected_total",
		Help: "Signals rejected before execution, by reason.",
	}, []string{"reason"})
	m.signalsExpired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpcore", Name: "signals_expired_total",
		Help: "Queued signals that failed dispatch re-validation, by reason.",
	}, []string{"reason"})
	m.entriesPlaced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "perpcore", Name: "entry_orders_placed_total",
		Help: "Entry orders placed on the exchange.",
	})
	m.positionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "perpcore", Name: "positions_opened_total",
		Help: "Positions opened and protected.",
	})
	m.positionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpcore", Name: "positions_closed_total",
		Help: "Positions fully closed, by close reason.",
	}, []string{"reason"})
	m.partialCloses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "perpcore", Name: "partial_closes_total",
		Help: "Partial take-profit fills.",
	})
	m.emergencyCloses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "perpcore", Name: "emergency_closes_total",
		Help: "Positions flattened because protection could not be placed.",
	})
	m.manualFlags = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "perpcore", Name: "manual_interventions_total",
		Help: "Positions flagged for manual intervention.",
	})
	m.driftRepairs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "perpcore", Name: "state_drift_repairs_total",
		Help: "Local positions repaired by the reconciliation watchdog.",
	})
	m.openPositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "perpcore", Name: "open_positions",
		Help: "Positions currently open.",
	})
	m.realizedPnL = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "perpcore", Name: "realized_pnl_usd",
		Help: "Cumulative realized PnL since process start.",
	})

	m.registry.MustRegister(
		m.signalsAdmitted, m.signalsRejected, m.signalsExpired,
		m.entriesPlaced, m.positionsOpened, m.positionsClosed,
		m.partialCloses, m.emergencyCloses, m.manualFlags,
		m.driftRepairs, m.openPositions, m.realizedPnL,
	)
	return m
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe subscribes to the bus and counts until ctx ends.
func (m *Metrics) Observe(ctx context.Context, bus *events.Bus) {
	watch := func(ev events.Event, fn func(payload any)) {
		ch, unsub := bus.Subscribe(ev, 100)
		go func() {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case payload, ok := <-ch:
					if !ok {
						return
					}
					fn(payload)
				}
			}
		}()
	}

	watch(events.EventSignalAdmitted, func(any) { m.signalsAdmitted.Inc() })
	watch(events.EventSignalRejected, func(p any) {
		m.signalsRejected.WithLabelValues(reasonOf(p)).Inc()
	})
	watch(events.EventSignalExpired, func(p any) {
		m.signalsExpired.WithLabelValues(reasonOf(p)).Inc()
	})
	watch(events.EventEntryPlaced, func(any) { m.entriesPlaced.Inc() })
	watch(events.EventProtectionPlaced, func(any) {
		m.positionsOpened.Inc()
		m.openPositions.Inc()
	})
	watch(events.EventPartialClose, func(any) { m.partialCloses.Inc() })
	watch(events.EventPositionClosed, func(p any) {
		m.positionsClosed.WithLabelValues(reasonOf(p)).Inc()
		m.openPositions.Dec()
		if pnl, ok := fieldFloat(p, "pnl"); ok {
			m.realizedPnL.Add(pnl)
		}
	})
	watch(events.EventEmergencyClose, func(p any) {
		m.emergencyCloses.Inc()
		// No gauge decrement: an emergency-closed position never
		// counted as open, its protection was never placed.
		m.positionsClosed.WithLabelValues("EMERGENCY_CLOSE").Inc()
		if pnl, ok := fieldFloat(p, "pnl"); ok {
			m.realizedPnL.Add(pnl)
		}
	})
	watch(events.EventManualIntervention, func(any) { m.manualFlags.Inc() })
	watch(events.EventStateDrift, func(any) { m.driftRepairs.Inc() })
}

func reasonOf(payload any) string {
	if fields, ok := payload.(map[string]any); ok {
		if r, ok := fields["reason"].(string); ok && r != "" {
			return r
		}
	}
	return "unknown"
}

func fieldFloat(payload any, key string) (float64, bool) {
	fields, ok := payload.(map[string]any)
	if !ok {
		return 0, false
	}
	v, ok := fields[key].(float64)
	return v, ok
}
