package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Payment submission outcomes used as the "result" label.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultConflict = "conflict"
	ResultNotFound = "not_found"
	ResultError    = "error"
)

var (
	domainOnce sync.Once

	// PaymentSubmissionsTotal counts payment submissions by outcome.
	PaymentSubmissionsTotal *prometheus.CounterVec
	// PaymentRejectionsTotal counts validation rejections by error code.
	PaymentRejectionsTotal *prometheus.CounterVec
	// AdvanceConsumedTotal accumulates the advance balance consumed by payments.
	AdvanceConsumedTotal prometheus.Counter
	// TotalsComputedTotal counts totals computations by document kind.
	TotalsComputedTotal *prometheus.CounterVec
	// LockWaitDuration records how long a submission waited for its document lock.
	LockWaitDuration prometheus.Histogram
)

// MustRegisterDomainMetrics initialises and registers billing collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentSubmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_submissions_total",
			Help:      "Count of payment submissions by outcome.",
		}, []string{"result"})
		PaymentRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_rejections_total",
			Help:      "Count of rejected payment submissions by error code.",
		}, []string{"code"})
		AdvanceConsumedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "advance_consumed_total",
			Help:      "Sum of customer advance balance consumed by payments.",
		})
		TotalsComputedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "totals_computed_total",
			Help:      "Count of document totals computations by document kind.",
		}, []string{"kind"})
		LockWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_lock_wait_ms",
			Help:      "Time spent acquiring the per-document payment lock in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		})

		mustRegisterCollector(reg, PaymentSubmissionsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentSubmissionsTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentRejectionsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentRejectionsTotal = v
			}
		})
		mustRegisterCollector(reg, AdvanceConsumedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				AdvanceConsumedTotal = v
			}
		})
		mustRegisterCollector(reg, TotalsComputedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				TotalsComputedTotal = v
			}
		})
		mustRegisterCollector(reg, LockWaitDuration, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Histogram); ok {
				LockWaitDuration = v
			}
		})
	})
}

// ObservePayment increments the submission counter when metrics are registered.
func ObservePayment(result string) {
	if PaymentSubmissionsTotal != nil {
		PaymentSubmissionsTotal.WithLabelValues(result).Inc()
	}
}

// ObserveRejection records a rejected submission under its error code.
func ObserveRejection(code string) {
	ObservePayment(ResultRejected)
	if PaymentRejectionsTotal != nil {
		PaymentRejectionsTotal.WithLabelValues(code).Inc()
	}
}

// ObserveAdvanceConsumed adds amount to the consumed advance counter.
func ObserveAdvanceConsumed(amount float64) {
	if AdvanceConsumedTotal != nil && amount > 0 {
		AdvanceConsumedTotal.Add(amount)
	}
}

// ObserveTotals counts a totals computation for the given document kind.
func ObserveTotals(kind string) {
	if TotalsComputedTotal == nil {
		return
	}
	if kind == "" {
		kind = "preview"
	}
	TotalsComputedTotal.WithLabelValues(kind).Inc()
}

// ObserveLockWait records lock acquisition latency in milliseconds.
func ObserveLockWait(ms float64) {
	if LockWaitDuration != nil {
		LockWaitDuration.Observe(ms)
	}
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
