package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment keys read by LoadMailEnv.
const (
	EnvGenericUser            = "GENERIC_USER"
	EnvGenericPassword        = "GENERIC_PASSWORD"
	EnvSMTPHost               = "SMTP_HOST"
	EnvSMTPPort               = "SMTP_PORT"
	EnvSMTPUser               = "SMTP_USER"
	EnvSMTPPassword           = "SMTP_PASSWORD"
	EnvMailFrom               = "MAIL_FROM"
	EnvMailFromName           = "MAIL_FROM_NAME"
	EnvMailRejectUnauthorized = "MAIL_REJECT_UNAUTHORIZED"
	EnvMailRequireDoctorName  = "MAIL_REQUIRE_DOCTOR_NAME"
	EnvRuntimeEnv             = "RUNTIME_ENV"
)

// ProductionRuntime is the RUNTIME_ENV value that turns on strict TLS by default.
const ProductionRuntime = "production"

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// MailEnv is a snapshot of the mail-related environment. Values are kept
// raw; interpretation (defaults, fallbacks, TLS policy) belongs to the mail
// package.
type MailEnv struct {
	GenericUser     string
	GenericPassword string

	SMTPHost     string
	SMTPPort     string
	SMTPUser     string
	SMTPPassword string

	From     string
	FromName string

	// RejectUnauthorized is the raw MAIL_REJECT_UNAUTHORIZED value ("" when unset).
	RejectUnauthorized string
	RequireDoctorName  bool
	RuntimeEnv         string
}

// LoadMailEnv reads MailEnv from the process environment.
func LoadMailEnv() MailEnv {
	return LoadMailEnvFrom(os.LookupEnv)
}

// LoadMailEnvFrom reads MailEnv through lookup. Surrounding whitespace is
// trimmed from every value except passwords, whose whitespace handling
// depends on the transport mode.
func LoadMailEnvFrom(lookup LookupFunc) MailEnv {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}
	raw := func(key string) string {
		v, _ := lookup(key)
		return v
	}

	requireDoctor, _ := strconv.ParseBool(get(EnvMailRequireDoctorName))

	return MailEnv{
		GenericUser:        get(EnvGenericUser),
		GenericPassword:    raw(EnvGenericPassword),
		SMTPHost:           get(EnvSMTPHost),
		SMTPPort:           get(EnvSMTPPort),
		SMTPUser:           get(EnvSMTPUser),
		SMTPPassword:       raw(EnvSMTPPassword),
		From:               get(EnvMailFrom),
		FromName:           get(EnvMailFromName),
		RejectUnauthorized: strings.ToLower(get(EnvMailRejectUnauthorized)),
		RequireDoctorName:  requireDoctor,
		RuntimeEnv:         strings.ToLower(get(EnvRuntimeEnv)),
	}
}

// IsProduction reports whether RUNTIME_ENV marks a production deployment.
func (e MailEnv) IsProduction() bool {
	return e.RuntimeEnv == ProductionRuntime
}
