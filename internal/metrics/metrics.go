// Package metrics exposes Prometheus collectors for a trading session.
package metrics

import (
	"net/http"
	"strings"

	"sessionpilot/internal/events"
	"sessionpilot/internal/pkg/circuit"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "sessionpilot"

// Metrics holds all session collectors. Each instance owns its registry so
// several sessions (or tests) never clash on registration.
type Metrics struct {
	registry *prometheus.Registry

	// Phase metrics
	PhaseRuns     *prometheus.CounterVec
	PhaseDuration *prometheus.HistogramVec
	PhaseAttempts *prometheus.HistogramVec

	// Risk metrics
	RiskBreaches prometheus.Counter
	Equity       prometheus.Gauge
	DrawdownPct  prometheus.Gauge

	// Position metrics
	PositionsOpened *prometheus.CounterVec
	PositionsClosed *prometheus.CounterVec
	PositionsOpen   prometheus.Gauge
	RealizedPnL     prometheus.Counter

	// Session metrics
	EventsRecorded *prometheus.CounterVec
	SessionsEnded  *prometheus.CounterVec

	// Broker metrics
	CircuitState *prometheus.GaugeVec
}

func New(namespace string) *Metrics {
	if strings.TrimSpace(namespace) == "" {
		namespace = defaultNamespace
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,

		PhaseRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "phase",
			Name:      "runs_total",
			Help:      "Total number of finished phases by name and status",
		}, []string{"phase", "status"}),
		PhaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "phase",
			Name:      "duration_seconds",
			Help:      "Phase wall-clock duration including retries",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"phase"}),
		PhaseAttempts: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "phase",
			Name:      "attempts",
			Help:      "Attempts used per phase",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}, []string{"phase"}),

		RiskBreaches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "breaches_total",
			Help:      "Distinct drawdown breach episodes",
		}),
		Equity: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "equity",
			Help:      "Latest recorded equity",
		}),
		DrawdownPct: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "drawdown_pct",
			Help:      "Latest drawdown from peak equity in percent",
		}),

		PositionsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "position",
			Name:      "opened_total",
			Help:      "Positions opened by direction",
		}, []string{"direction"}),
		PositionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "position",
			Name:      "closed_total",
			Help:      "Positions closed by exit reason",
		}, []string{"reason"}),
		PositionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "position",
			Name:      "open",
			Help:      "Currently open positions",
		}),
		RealizedPnL: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "position",
			Name:      "realized_profit_total",
			Help:      "Sum of positive realized PnL",
		}),

		EventsRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Events committed to the session log by type",
		}, []string{"type"}),
		SessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "ended_total",
			Help:      "Sessions finalized by terminal status",
		}, []string{"status"}),

		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "circuit_state",
			Help:      "Broker circuit state: 0 closed, 1 open, 2 half-open",
		}, []string{"breaker"}),
	}
}

// ObserveCircuit records a circuit transition. Signature matches the
// breaker's state change handler.
func (m *Metrics) ObserveCircuit(name string, _, to circuit.State) {
	m.CircuitState.WithLabelValues(name).Set(float64(to))
}

// Registry returns the registry backing these collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Name() string { return "metrics" }

// OnEvent updates collectors from a committed event.
func (m *Metrics) OnEvent(evt events.Event) error {
	m.EventsRecorded.WithLabelValues(string(evt.Type)).Inc()
	if eq, ok := evt.Float(events.KeyEquity); ok {
		m.Equity.Set(eq)
	}
	if dd, ok := evt.Float(events.KeyDrawdownPct); ok {
		m.DrawdownPct.Set(dd)
	}
	switch evt.Type {
	case events.SessionStart:
		if v, ok := evt.Float(events.KeyInitialCapital); ok {
			m.Equity.Set(v)
		}
	case events.PhaseEnd:
		phase := evt.String(events.KeyPhase)
		m.PhaseRuns.WithLabelValues(phase, evt.String(events.KeyStatus)).Inc()
		if d, ok := evt.Float(events.KeyDurationSeconds); ok {
			m.PhaseDuration.WithLabelValues(phase).Observe(d)
		}
		if a, ok := evt.Float(events.KeyAttempts); ok {
			m.PhaseAttempts.WithLabelValues(phase).Observe(a)
		}
	case events.RiskBreach:
		m.RiskBreaches.Inc()
	case events.PositionOpened:
		m.PositionsOpened.WithLabelValues(evt.String(events.KeyDirection)).Inc()
		m.PositionsOpen.Inc()
	case events.PositionClosed:
		m.PositionsClosed.WithLabelValues(evt.String(events.KeyExitReason)).Inc()
		m.PositionsOpen.Dec()
		if pnl, ok := evt.Float(events.KeyPnL); ok && pnl > 0 {
			m.RealizedPnL.Add(pnl)
		}
	case events.SessionEnd:
		m.SessionsEnded.WithLabelValues(evt.String(events.KeyStatus)).Inc()
	}
	return nil
}
