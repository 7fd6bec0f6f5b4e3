package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var handshakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "coordinator_handshakes_total",
	Help: "Ledger handshake attempts by outcome.",
}, []string{"outcome"})
