// Package metrics defines Prometheus metrics for the notifier, covering mail
// delivery, the mail queue, audit sinks, and API rate limiting.
package metrics
