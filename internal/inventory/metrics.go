package inventory

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for ledger activity.
type Metrics struct {
	movements  *prometheus.CounterVec
	units      *prometheus.CounterVec
	rejections *prometheus.CounterVec
	replays    prometheus.Counter
}

// NewMetrics registers ledger metrics against registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_movements_total",
		Help: "Committed movements by type and subtype.",
	}, []string{"type", "subtype"})
	units := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_units_total",
		Help: "Units written to the ledger by direction and condition.",
	}, []string{"direction", "condition"})
	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_rejections_total",
		Help: "Rejected movements by error code.",
	}, []string{"code"})
	replays := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockledger_idempotent_replays_total",
		Help: "Batches skipped because their idempotency key was already applied.",
	})
	registerer.MustRegister(movements, units, rejections, replays)
	return &Metrics{movements: movements, units: units, rejections: rejections, replays: replays}
}

func (m *Metrics) observeBatch(movements []MovementInput, entries []LedgerEntry) {
	if m == nil {
		return
	}
	for _, mv := range movements {
		m.movements.WithLabelValues(string(mv.Type), string(mv.Subtype)).Inc()
	}
	for _, e := range entries {
		m.units.WithLabelValues(string(e.Direction), string(e.ItemCondition)).Add(float64(e.Quantity))
	}
}

func (m *Metrics) observeRejection(err error) {
	if m == nil {
		return
	}
	code := string(CodeOf(err))
	if code == "" {
		code = "SYSTEM"
	}
	m.rejections.WithLabelValues(code).Inc()
}

func (m *Metrics) observeReplay() {
	if m == nil {
		return
	}
	m.replays.Inc()
}
