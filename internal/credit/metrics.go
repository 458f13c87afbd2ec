package credit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the ledger collectors. A nil *Metrics records nothing.
type Metrics struct {
	transactions *prometheus.CounterVec
	amounts      *prometheus.CounterVec
	denials      *prometheus.CounterVec
	decisions    *prometheus.CounterVec
	retries      prometheus.Counter
	cache        *prometheus.CounterVec
}

// NewMetrics registers the ledger collectors against registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_credit_transactions_total",
			Help: "Ledger entries appended, by type.",
		}, []string{"type"}),
		amounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_credit_transaction_amount_total",
			Help: "Sum of absolute ledger entry amounts, by type.",
		}, []string{"type"}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_credit_eligibility_denials_total",
			Help: "Purchases denied by the eligibility check, by reason.",
		}, []string{"reason"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_credit_application_decisions_total",
			Help: "Credit application decisions, by outcome and actor kind.",
		}, []string{"decision", "actor"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odyssey_credit_write_retries_total",
			Help: "Ledger writes retried after a concurrent modification.",
		}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_credit_view_loads_total",
			Help: "Account view loads, by source.",
		}, []string{"source"}),
	}
	registerer.MustRegister(m.transactions, m.amounts, m.denials, m.decisions, m.retries, m.cache)
	return m
}

func (m *Metrics) transaction(entry *CreditTransaction) {
	if m == nil || entry == nil {
		return
	}
	amount := entry.Amount
	if amount < 0 {
		amount = -amount
	}
	m.transactions.WithLabelValues(string(entry.Type)).Inc()
	m.amounts.WithLabelValues(string(entry.Type)).Add(amount)
}

func (m *Metrics) denial(reason string) {
	if m == nil {
		return
	}
	m.denials.WithLabelValues(reason).Inc()
}

func (m *Metrics) decision(status ApplicationStatus, actor int64) {
	if m == nil {
		return
	}
	kind := "staff"
	if actor == SystemActor {
		kind = "system"
	}
	m.decisions.WithLabelValues(string(status), kind).Inc()
}

func (m *Metrics) retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) viewLoad(source string) {
	if m == nil {
		return
	}
	m.cache.WithLabelValues(source).Inc()
}
