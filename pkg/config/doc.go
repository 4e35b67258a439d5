// Package config handles notifier configuration: service settings loaded from
// a YAML file and a snapshot of the mail-related environment variables.
package config
