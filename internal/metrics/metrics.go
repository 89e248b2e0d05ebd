package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики оркестратора. Регистрируются в глобальном реестре и отдаются через /metrics.
var (
	turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tta_turns_total",
			Help: "Total number of processed player turns, partitioned by outcome.",
		},
		[]string{"outcome"},
	)
	turnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tta_turn_duration_seconds",
			Help:    "Duration of a full orchestration cycle.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	turnSteps = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tta_turn_role_steps",
			Help:    "Number of role invocations per turn.",
			Buckets: prometheus.LinearBuckets(1, 1, 10), // 1, 2, ..., 10
		},
	)
	roleInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tta_role_invocations_total",
			Help: "Total number of role invocations, partitioned by role and status.",
		},
		[]string{"role", "status"},
	)
	toolInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tta_tool_invocations_total",
			Help: "Total number of tool invocations, partitioned by tool and status.",
		},
		[]string{"tool", "status"},
	)
	toolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tta_tool_duration_seconds",
			Help:    "Duration of tool handler execution.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)
	retrievalSteps = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tta_retrieval_steps",
			Help:    "Number of steps executed by the retrieval loop, partitioned by outcome.",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		},
		[]string{"outcome"},
	)
	checkpointFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tta_checkpoint_failures_total",
			Help: "Total number of failed checkpoint writes.",
		},
	)
	unsyncedSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tta_unsynced_sessions",
			Help: "Number of sessions with turns not yet persisted.",
		},
	)
)

// ObserveTurn записывает итог хода.
func ObserveTurn(outcome string, steps int, d time.Duration) {
	turnsTotal.WithLabelValues(outcome).Inc()
	turnDuration.WithLabelValues(outcome).Observe(d.Seconds())
	if steps > 0 {
		turnSteps.Observe(float64(steps))
	}
}

// ObserveRole записывает вызов роли.
func ObserveRole(role, status string) {
	roleInvocations.WithLabelValues(role, status).Inc()
}

// ObserveTool записывает вызов инструмента. status: "ok" или вид ошибки.
func ObserveTool(tool, status string, d time.Duration) {
	toolInvocations.WithLabelValues(tool, status).Inc()
	toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ObserveRetrieval записывает число шагов цикла уточнения.
func ObserveRetrieval(outcome string, steps int) {
	retrievalSteps.WithLabelValues(outcome).Observe(float64(steps))
}

// CheckpointFailed увеличивает счетчик неудачных записей.
func CheckpointFailed() {
	checkpointFailures.Inc()
}

// SetUnsyncedSessions выставляет текущее число несинхронизированных сессий.
func SetUnsyncedSessions(n int) {
	unsyncedSessions.Set(float64(n))
}
