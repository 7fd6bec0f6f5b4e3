package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	issuancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certify_issuances_total",
		Help: "Certificate issuance attempts by outcome.",
	}, []string{"outcome"})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certify_verifications_total",
		Help: "Verification requests by verdict.",
	}, []string{"verdict"})

	ledgerEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certify_ledger_events_total",
		Help: "Ledger events observed by the gateway, by kind.",
	}, []string{"kind"})
)
