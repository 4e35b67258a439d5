package mail

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"syscall"
)

// Kind is the closed set of dispatch failure categories.
type Kind string

const (
	KindConfiguration        Kind = "ConfigurationError"
	KindTransportUnavailable Kind = "TransportUnavailable"
	KindValidation           Kind = "ValidationError"
	KindAuthentication       Kind = "AuthenticationFailure"
	KindConnectivity         Kind = "ConnectivityFailure"
	KindEnvelope             Kind = "EnvelopeError"
	KindCertificate          Kind = "CertificateError"
	KindUnclassified         Kind = "Unclassified"
)

// Retryable reports whether a failure of this kind may succeed when retried
// unchanged. Only connectivity failures qualify.
func (k Kind) Retryable() bool {
	return k == KindConnectivity
}

// Hint returns operator guidance for the kind.
func (k Kind) Hint() string {
	switch k {
	case KindConfiguration:
		return "set GENERIC_USER and GENERIC_PASSWORD in the deployment environment"
	case KindTransportUnavailable:
		return "set SMTP_USER/SMTP_PASSWORD or GENERIC_USER/GENERIC_PASSWORD for the configured SMTP_HOST and check SMTP_PORT"
	case KindValidation:
		return "correct the notice payload before resubmitting"
	case KindAuthentication:
		return "check the account password; provider app passwords require 2-step verification, are generated per app and must not contain spaces"
	case KindConnectivity:
		return "check that the mail host and port are reachable; the send may be retried with backoff"
	case KindEnvelope:
		return "the mail service rejected the recipient address; correct it before resubmitting"
	case KindCertificate:
		return "the mail server certificate failed validation; use MAIL_REJECT_UNAUTHORIZED=false only for trusted self-signed relays"
	default:
		return ""
	}
}

// Error is a classified dispatch failure.
type Error struct {
	Kind Kind
	// Msg is a short description for failures raised by the dispatcher itself.
	Msg  string
	Hint string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels below, so errors.Is(err, ErrValidation)
// holds for every validation failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Msg != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrConfiguration        = &Error{Kind: KindConfiguration}
	ErrTransportUnavailable = &Error{Kind: KindTransportUnavailable}
	ErrValidation           = &Error{Kind: KindValidation}
	ErrAuthentication       = &Error{Kind: KindAuthentication}
	ErrConnectivity         = &Error{Kind: KindConnectivity}
	ErrEnvelope             = &Error{Kind: KindEnvelope}
	ErrCertificate          = &Error{Kind: KindCertificate}
	ErrUnclassified         = &Error{Kind: KindUnclassified}
)

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Hint: kind.Hint(), Err: err}
}

func validationError(msg string) *Error {
	return newError(KindValidation, msg, nil)
}

// KindOf returns the kind of a classified error, KindUnclassified for any
// other non-nil error, and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindUnclassified
}

// IsRetryable reports whether err is a classified, retryable failure.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err).Retryable()
}

// Classify maps a transport error onto a Kind by inspecting its type and SMTP
// reply code. Errors that are already classified are returned unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return me
	}
	kind := classifyKind(err)
	return &Error{Kind: kind, Hint: kind.Hint(), Err: err}
}

func classifyKind(err error) Kind {
	// Caller cancellation is not a property of the mail service.
	if errors.Is(err, context.Canceled) {
		return KindUnclassified
	}
	if isCertificateError(err) {
		return KindCertificate
	}
	var reply *textproto.Error
	if errors.As(err, &reply) {
		return kindForReplyCode(reply.Code)
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return KindConnectivity
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindConnectivity
	}
	return KindUnclassified
}

func isCertificateError(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalid          x509.CertificateInvalidError
		verification     *tls.CertificateVerificationError
	)
	return errors.As(err, &verification) ||
		errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostname) ||
		errors.As(err, &invalid)
}

// kindForReplyCode maps SMTP reply codes (RFC 5321, RFC 4954).
func kindForReplyCode(code int) Kind {
	switch code {
	case 454, 530, 534, 535, 538:
		return KindAuthentication
	case 501, 550, 551, 553, 555:
		return KindEnvelope
	case 421, 450, 451, 452:
		return KindConnectivity
	default:
		return KindUnclassified
	}
}
