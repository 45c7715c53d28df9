package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	TradeOperations    *prometheus.CounterVec
	TradeDuration      *prometheus.HistogramVec
	SweepRuns          *prometheus.CounterVec
	SweepTrades        *prometheus.CounterVec
	AuditAppends       *prometheus.CounterVec
	VelocityRejections *prometheus.CounterVec
	RiskDecisions      *prometheus.CounterVec
	Notifications      *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		TradeOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_trade_operations_total",
				Help: "Total trade state machine operations.",
			},
			[]string{"op", "status"},
		),
		TradeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "escrow_trade_operation_duration_seconds",
				Help:    "Trade operation duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		SweepRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_sweep_runs_total",
				Help: "Total expiry sweep runs.",
			},
			[]string{"status"},
		),
		SweepTrades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_sweep_trades_total",
				Help: "Trades examined by the expiry sweep.",
			},
			[]string{"result"},
		),
		AuditAppends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_audit_appends_total",
				Help: "Total audit ledger appends.",
			},
			[]string{"status"},
		),
		VelocityRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_velocity_rejections_total",
				Help: "Trades rejected by velocity limits.",
			},
			[]string{"reason"},
		),
		RiskDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_risk_decisions_total",
				Help: "Risk hook decisions.",
			},
			[]string{"action", "outcome"},
		),
		Notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_notifications_total",
				Help: "Post-commit notification dispatches.",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.TradeOperations,
		m.TradeDuration,
		m.SweepRuns,
		m.SweepTrades,
		m.AuditAppends,
		m.VelocityRejections,
		m.RiskDecisions,
		m.Notifications,
	)
	return m
}

func (m *Metrics) ObserveOperation(op, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TradeOperations.WithLabelValues(op, status).Inc()
	m.TradeDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *Metrics) IncSweepRun(status string) {
	if m == nil {
		return
	}
	m.SweepRuns.WithLabelValues(status).Inc()
}

func (m *Metrics) IncSweepTrade(result string) {
	if m == nil {
		return
	}
	m.SweepTrades.WithLabelValues(result).Inc()
}

func (m *Metrics) IncAuditAppend(status string) {
	if m == nil {
		return
	}
	m.AuditAppends.WithLabelValues(status).Inc()
}

func (m *Metrics) IncVelocityRejection(reason string) {
	if m == nil {
		return
	}
	m.VelocityRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncRiskDecision(action, outcome string) {
	if m == nil {
		return
	}
	m.RiskDecisions.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) IncNotification(status string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(status).Inc()
}
