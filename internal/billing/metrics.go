package billing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_dispatch_total",
		Help: "Billing mode handler invocations by mode and outcome.",
	}, []string{"mode", "status"})

	identityUnresolvedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_identity_unresolved_total",
		Help: "Billable requests whose customer identity could not be resolved.",
	})

	deductionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_deductions_total",
		Help: "Prepaid deductions by coverage.",
	}, []string{"covered"})

	deductedAmountTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_deducted_amount_total",
		Help: "Sum of applied prepaid deductions in major currency units.",
	})

	creditedAmountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_credited_amount_total",
		Help: "Sum of credited amounts in major currency units by transaction type.",
	}, []string{"type"})

	ledgerRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_ledger_retries_total",
		Help: "Ledger transactions retried after contention.",
	})

	webhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_webhook_events_total",
		Help: "Webhook events by type and outcome.",
	}, []string{"event_type", "outcome"})

	lowBalanceSignalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_low_balance_signals_total",
		Help: "Deductions that left an account below its low-balance threshold.",
	})

	autoTopupTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_auto_topup_total",
		Help: "Automatic top-up attempts by outcome.",
	}, []string{"status"})

	sweepEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_reconcile_sweep_events_total",
		Help: "Provider events replayed by the reconciliation sweep by outcome.",
	}, []string{"outcome"})
)
