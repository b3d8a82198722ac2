// Package metrics exposes prometheus counters for the settlement matcher,
// the installment agreement manager, and the currency converter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SettlementOutcomes counts terminal matcher outcomes by status
// (confirmed, timeout, cancelled, error).
var SettlementOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "zarpay_settlement_outcomes_total",
		Help: "Terminal settlement match outcomes by status",
	},
	[]string{"status"},
)

// LedgerLookupErrors counts transient ledger feed failures during polling.
var LedgerLookupErrors = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "zarpay_ledger_lookup_errors_total",
		Help: "Transient ledger feed failures swallowed while polling",
	},
)

// AgreementTransitions counts agreement lifecycle transitions by target
// status (ACCEPTED, REJECTED, EXPIRED, COMPLETED).
var AgreementTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "zarpay_agreement_transitions_total",
		Help: "Installment agreement transitions by target status",
	},
	[]string{"status"},
)

// QuoteRequests counts quote fetches by kind (identity, provider).
var QuoteRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "zarpay_quote_requests_total",
		Help: "Currency quote requests by kind",
	},
	[]string{"kind"},
)

func init() {
	prometheus.MustRegister(SettlementOutcomes, LedgerLookupErrors)
	prometheus.MustRegister(AgreementTransitions, QuoteRequests)
}
