// Package cli implements the notifier command line: serve, verify, send,
// version and completion.
package cli
