package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// CheckoutTotal counts checkout creation outcomes.
	CheckoutTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound gateway webhook processing outcomes.
	PaymentWebhookTotal *prometheus.CounterVec
	// FinalizeTotal counts payment finalization outcomes by trigger path.
	FinalizeTotal *prometheus.CounterVec
	// FinalizeDuration records finalization latency in milliseconds.
	FinalizeDuration prometheus.Histogram
	// NotificationTotal counts confirmation delivery outcomes by channel.
	NotificationTotal *prometheus.CounterVec
	// ReconcileSweepTotal counts background reconciliation sweep outcomes.
	ReconcileSweepTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		CheckoutTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_total",
			Help:      "Count of checkout creation outcomes.",
		}, []string{"kind", "result"})
		PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed gateway webhooks by outcome.",
		}, []string{"event", "result"})
		FinalizeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_finalize_total",
			Help:      "Count of payment finalization outcomes by trigger.",
		}, []string{"trigger", "kind", "result"})
		FinalizeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_finalize_duration_ms",
			Help:      "Latency for payment finalization in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		})
		NotificationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_notification_total",
			Help:      "Count of confirmation delivery outcomes by channel.",
		}, []string{"channel", "result"})
		ReconcileSweepTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_sweep_total",
			Help:      "Count of background reconciliation sweep outcomes.",
		}, []string{"result"})

		mustRegisterCollector(reg, CheckoutTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CheckoutTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentWebhookTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentWebhookTotal = v
			}
		})
		mustRegisterCollector(reg, FinalizeTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				FinalizeTotal = v
			}
		})
		mustRegisterCollector(reg, FinalizeDuration, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Histogram); ok {
				FinalizeDuration = v
			}
		})
		mustRegisterCollector(reg, NotificationTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				NotificationTotal = v
			}
		})
		mustRegisterCollector(reg, ReconcileSweepTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				ReconcileSweepTotal = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
