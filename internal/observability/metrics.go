package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mithrel/busobj/internal/dispatch"
)

var (
	registerOnce sync.Once

	calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "busobj",
			Subsystem: "dispatch",
			Name:      "calls_total",
			Help:      "Dispatched method calls by outcome.",
		},
		[]string{"interface", "member", "outcome", "error_name"},
	)
	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "busobj",
			Subsystem: "dispatch",
			Name:      "call_duration_seconds",
			Help:      "Time from receipt to reply, including deferred work.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"interface", "member", "async"},
	)
	asyncInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "busobj",
			Subsystem: "executor",
			Name:      "inflight",
			Help:      "Deferred continuations accepted and not yet finished.",
		},
	)
	journalDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "busobj",
			Subsystem: "journal",
			Name:      "dropped_total",
			Help:      "Journal records dropped because the buffer was full.",
		},
	)
	transportLost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "busobj",
			Subsystem: "transport",
			Name:      "lost_total",
			Help:      "Connections that ended while the service was running.",
		},
		[]string{"conn"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(calls, callDuration, asyncInflight, journalDropped, transportLost)
	})
}

// CallMetrics records dispatch outcomes. It is a dispatch.Observer.
type CallMetrics struct{}

func NewCallMetrics() CallMetrics {
	RegisterMetrics()
	return CallMetrics{}
}

func (CallMetrics) Observe(o dispatch.Outcome) {
	iface, member := o.Call.Interface, o.Call.Member
	calls.WithLabelValues(iface, member, o.Result, o.ErrorName).Inc()
	async := "false"
	if o.Async {
		async = "true"
	}
	callDuration.WithLabelValues(iface, member, async).Observe(o.Duration.Seconds())
}

func SetAsyncInflight(n int64) {
	RegisterMetrics()
	asyncInflight.Set(float64(n))
}

func RecordJournalDrop() {
	RegisterMetrics()
	journalDropped.Inc()
}

func RecordTransportLost(conn string) {
	RegisterMetrics()
	transportLost.WithLabelValues(conn).Inc()
}
