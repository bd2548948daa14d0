package escrow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the escrow ledger. Each
// node registers on its own registry so several nodes can share a
// process.
type Metrics struct {
	TotalBalance    *prometheus.GaugeVec
	ReservedBalance *prometheus.GaugeVec
	SlashTotal      *prometheus.CounterVec
}

// NewMetrics creates and registers the escrow metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TotalBalance: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mesh_escrow_total_balance",
				Help: "Total escrow balance per node",
			},
			[]string{"node_id"},
		),
		ReservedBalance: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mesh_escrow_reserved_balance",
				Help: "Reserved escrow balance per node",
			},
			[]string{"node_id"},
		),
		SlashTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_escrow_slashed_total",
				Help: "Cumulative amount slashed per node",
			},
			[]string{"node_id"},
		),
	}
}
