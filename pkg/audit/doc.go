// Package audit records notification dispatch and transport verification
// outcomes to structured logs and, optionally, a Kafka topic.
package audit
