package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	txTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transactions_total",
		Help: "Transactions submitted to the ledger, by kind and outcome.",
	}, []string{"kind", "outcome"})

	verifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_verifications_total",
		Help: "Verify calls, by result.",
	}, []string{"found"})

	chainLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_chain_entries",
		Help: "Number of entries in the transaction chain, including genesis.",
	})
)
