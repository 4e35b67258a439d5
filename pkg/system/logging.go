// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package system

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger. Production JSON encoding is used unless
// debug is set, in which case the human-readable development encoder and debug
// level are enabled. Timestamps are emitted as RFC3339 UTC under "ts".
func NewLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	// Disable automatic stacktraces for non-fatal levels to avoid noisy traces in WARN/INFO logs
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339))
	}
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}

// RecipientFields returns key/value pairs identifying a notice recipient for
// SugaredLogger calls. Only the domain is logged at info level; the full
// address is attached when includeAddress is true (debug paths).
func RecipientFields(recipient string, includeAddress bool) []interface{} {
	domain := ""
	for i := len(recipient) - 1; i >= 0; i-- {
		if recipient[i] == '@' {
			domain = recipient[i+1:]
			break
		}
	}
	if includeAddress {
		return []interface{}{"recipientDomain", domain, "recipient", recipient}
	}
	return []interface{}{"recipientDomain", domain}
}
