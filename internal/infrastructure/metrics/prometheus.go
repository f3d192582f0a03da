package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Registry 為本服務專用的 registry，/metrics 與 pushgateway 都從這裡收集。
var Registry = prometheus.NewRegistry()

var RulesEvaluatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "alert_rules_evaluated_total",
		Help: "Total number of alert rule evaluations",
	},
	[]string{"rule_type"},
)

var AlertsTriggeredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "alerts_triggered_total",
		Help: "Total number of alert rules that triggered",
	},
	[]string{"rule_type", "priority"},
)

var AlertDuplicatesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "alert_duplicates_total",
		Help: "Triggers dropped because the same rule already fired in the day bucket",
	},
)

var NotificationsAttemptedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "notifications_attempted_total",
		Help: "Total number of notifications attempted",
	},
	[]string{"channel", "status", "provider"},
)

var NotificationSendDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "notification_send_duration_seconds",
		Help:    "Time taken to send notifications via external providers",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"provider"},
)

var QueueItemsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "email_queue_items_total",
		Help: "Email queue items processed by outcome",
	},
	[]string{"outcome"},
)

var DigestsEnqueuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "digests_enqueued_total",
		Help: "Digest emails enqueued by period",
	},
	[]string{"period"},
)

var JobRunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "job_runs_total",
		Help: "Batch job invocations by job and status",
	},
	[]string{"job", "status"},
)

func init() {
	Registry.MustRegister(
		RulesEvaluatedTotal,
		AlertsTriggeredTotal,
		AlertDuplicatesTotal,
		NotificationsAttemptedTotal,
		NotificationSendDuration,
		QueueItemsTotal,
		DigestsEnqueuedTotal,
		JobRunsTotal,
	)
}

// Push 將批次工作的指標推送到 pushgateway；url 為空時不做事。
func Push(ctx context.Context, url, job string) error {
	if url == "" {
		return nil
	}
	return push.New(url, job).Gatherer(Registry).PushContext(ctx)
}

// RecordJob 記錄一次批次工作；err 或 failed > 0 視為 partial/error。
func RecordJob(job string, failed int, err error) {
	status := "success"
	switch {
	case err != nil:
		status = "error"
	case failed > 0:
		status = "partial"
	}
	JobRunsTotal.WithLabelValues(job, status).Inc()
}
