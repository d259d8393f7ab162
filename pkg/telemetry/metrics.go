// Package telemetry exposes runtime counters via prometheus. Exporting the
// default registry is left to the embedding application.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricInvocationsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "otto",
		Name:      "invocations_started_total",
		Help:      "Number of agent invocations accepted by an executor.",
	})
	metricInvocationsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "otto",
		Name:      "invocations_finished_total",
		Help:      "Number of agent invocations finished, by outcome.",
	}, []string{"outcome"})
	metricToolDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "otto",
		Name:      "tool_dispatches_total",
		Help:      "Number of tool dispatches, by outcome.",
	}, []string{"outcome"})
	metricBudgetDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "otto",
		Name:      "budget_denials_total",
		Help:      "Number of invocations rejected by budget preflight, by dimension.",
	}, []string{"dimension"})
	metricExecutorCrashes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "otto",
		Name:      "executor_crashes_total",
		Help:      "Number of executor panics recovered by the supervisor.",
	})
	metricCheckpointBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "otto",
		Name:      "checkpoint_bytes_written_total",
		Help:      "Bytes durably written by the checkpoint store.",
	})
)

// RecordInvocationStarted increments the started-invocations counter.
func RecordInvocationStarted() {
	metricInvocationsStarted.Inc()
}

// RecordInvocationFinished records an invocation outcome
// (completed, failed, budget_exceeded).
func RecordInvocationFinished(outcome string) {
	metricInvocationsCompleted.WithLabelValues(outcome).Inc()
}

// RecordToolDispatch records a dispatch outcome
// (ok, error, not_found, permission_denied).
func RecordToolDispatch(outcome string) {
	metricToolDispatches.WithLabelValues(outcome).Inc()
}

// RecordBudgetDenial records a preflight rejection for a dimension.
func RecordBudgetDenial(dimension string) {
	metricBudgetDenials.WithLabelValues(dimension).Inc()
}

// RecordExecutorCrash records a recovered executor panic.
func RecordExecutorCrash() {
	metricExecutorCrashes.Inc()
}

// RecordCheckpointBytes records bytes written by the checkpoint store.
func RecordCheckpointBytes(n int64) {
	if n > 0 {
		metricCheckpointBytes.Add(float64(n))
	}
}
