package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Mail metrics
	MailSendSuccess = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_mail_send_success_total",
		Help: "Total number of successful mail sends",
	}, []string{"host"})
	// Failure kinds form a closed set, so the kind label stays low-cardinality.
	MailSendFailure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_mail_send_failure_total",
		Help: "Total number of failed mail sends grouped by failure kind",
	}, []string{"host", "kind"})
	MailVerify = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_mail_verify_total",
		Help: "Total number of transport verification checks grouped by result",
	}, []string{"result"})
	MailSendDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "notifier_mail_send_duration_seconds",
		Help:    "Duration of remote mail sends",
		Buckets: prometheus.DefBuckets,
	}, []string{"host"})

	// Queue metrics
	MailQueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_mail_queued_total",
		Help: "Total number of notices accepted into the mail queue",
	}, []string{"host"})
	MailQueueDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_mail_queue_dropped_total",
		Help: "Total number of notices rejected or dropped by the mail queue",
	}, []string{"host"})
	MailRetryScheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_mail_retry_scheduled_total",
		Help: "Total number of queued sends scheduled for retry",
	}, []string{"host"})
	MailFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_mail_failed_total",
		Help: "Total number of queued notices given up on",
	}, []string{"host"})

	// Audit metrics
	AuditEventsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_audit_events_written_total",
		Help: "Total number of audit events written per sink",
	}, []string{"sink"})
	AuditEventsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_audit_events_failed_total",
		Help: "Total number of audit events a sink failed to write",
	}, []string{"sink"})
	AuditEventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_audit_events_dropped_total",
		Help: "Total number of audit events dropped before reaching a sink",
	}, []string{"sink", "reason"})

	// API metrics
	APIRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_api_rate_limited_total",
		Help: "Total number of API requests rejected by the rate limiter",
	}, []string{"path"})
)

func init() {
	prometheus.MustRegister(MailSendSuccess)
	prometheus.MustRegister(MailSendFailure)
	prometheus.MustRegister(MailVerify)
	prometheus.MustRegister(MailSendDuration)
	prometheus.MustRegister(MailQueued)
	prometheus.MustRegister(MailQueueDropped)
	prometheus.MustRegister(MailRetryScheduled)
	prometheus.MustRegister(MailFailed)
	prometheus.MustRegister(AuditEventsWritten)
	prometheus.MustRegister(AuditEventsFailed)
	prometheus.MustRegister(AuditEventsDropped)
	prometheus.MustRegister(APIRateLimited)
}

// MetricsHandler returns an http.Handler exposing Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
