package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/carelink/schedule-notifier/pkg/config"
)

// Mode selects how the transport reaches the mail service.
type Mode string

const (
	// ModeSMTP relays through the configured SMTP_HOST.
	ModeSMTP Mode = "smtp"
	// ModeDirectProvider logs in to the consumer provider with the generic account.
	ModeDirectProvider Mode = "direct-provider"
)

const (
	DefaultSMTPPort = 587
	implicitTLSPort = 465

	DirectProviderHost = "smtp.gmail.com"
	DirectProviderPort = implicitTLSPort
)

// TransportConfig is derived from the environment and never persisted.
type TransportConfig struct {
	Mode            Mode
	Host            string
	Port            int
	ImplicitTLS     bool
	User            string
	Password        string
	AllowSelfSigned bool
}

// AllowSelfSigned resolves TLS permissiveness. An explicit
// MAIL_REJECT_UNAUTHORIZED wins; otherwise only production is strict.
func AllowSelfSigned(env config.MailEnv) bool {
	switch env.RejectUnauthorized {
	case "true":
		return false
	case "false":
		return true
	}
	return !env.IsProduction()
}

// ResolveTransportConfig derives the transport settings from env. Failures are
// TransportUnavailable errors.
func ResolveTransportConfig(env config.MailEnv) (TransportConfig, error) {
	allowSelfSigned := AllowSelfSigned(env)

	if env.SMTPHost != "" {
		port := DefaultSMTPPort
		if env.SMTPPort != "" {
			p, err := strconv.Atoi(env.SMTPPort)
			if err != nil || p <= 0 || p > 65535 {
				return TransportConfig{}, newError(KindTransportUnavailable, fmt.Sprintf("invalid SMTP_PORT %q", env.SMTPPort), err)
			}
			port = p
		}
		user := firstNonEmpty(env.SMTPUser, env.GenericUser)
		password := firstNonEmpty(env.SMTPPassword, env.GenericPassword)
		if user == "" && password == "" {
			return TransportConfig{}, newError(KindTransportUnavailable, "no SMTP credentials configured", nil)
		}
		return TransportConfig{
			Mode:            ModeSMTP,
			Host:            env.SMTPHost,
			Port:            port,
			ImplicitTLS:     port == implicitTLSPort,
			User:            user,
			Password:        password,
			AllowSelfSigned: allowSelfSigned,
		}, nil
	}

	if env.GenericUser == "" || strings.TrimSpace(env.GenericPassword) == "" {
		return TransportConfig{}, newError(KindTransportUnavailable, "direct-provider mode requires GENERIC_USER and GENERIC_PASSWORD", nil)
	}
	return TransportConfig{
		Mode:            ModeDirectProvider,
		Host:            DirectProviderHost,
		Port:            DirectProviderPort,
		ImplicitTLS:     true,
		User:            env.GenericUser,
		Password:        stripWhitespace(env.GenericPassword),
		AllowSelfSigned: allowSelfSigned,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// stripWhitespace removes every whitespace rune. App passwords are displayed
// in groups of four and are whitespace-insensitive.
func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// Envelope is a fully composed message ready for a transport.
type Envelope struct {
	MessageID string
	From      string
	FromName  string
	To        []string
	Subject   string
	HTML      string
	Text      string
}

// Transport delivers composed envelopes to a remote mail service.
type Transport interface {
	// Send delivers env and returns the transport's acknowledgement.
	Send(ctx context.Context, env *Envelope) (string, error)
	// Verify connects and authenticates without sending.
	Verify(ctx context.Context) error
	Config() TransportConfig
}

// TransportFactory builds a Transport from resolved settings.
type TransportFactory func(cfg TransportConfig) (Transport, error)

// SMTPTransport sends through gomail. Each call dials its own connection.
type SMTPTransport struct {
	cfg    TransportConfig
	dialer *gomail.Dialer
	log    *zap.SugaredLogger
}

// NewSMTPTransport creates a gomail-backed transport.
func NewSMTPTransport(cfg TransportConfig, log *zap.SugaredLogger) *SMTPTransport {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	d.SSL = cfg.ImplicitTLS
	d.TLSConfig = &tls.Config{
		ServerName:         cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.AllowSelfSigned, // #nosec G402 -- opt-in via MAIL_REJECT_UNAUTHORIZED / RUNTIME_ENV
	}
	return &SMTPTransport{
		cfg:    cfg,
		dialer: d,
		log:    log.Named("smtp"),
	}
}

// SMTPTransportFactory returns a TransportFactory producing SMTPTransports.
func SMTPTransportFactory(log *zap.SugaredLogger) TransportFactory {
	return func(cfg TransportConfig) (Transport, error) {
		return NewSMTPTransport(cfg, log), nil
	}
}

func (t *SMTPTransport) Config() TransportConfig {
	return t.cfg
}

func (t *SMTPTransport) address() string {
	return fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
}

func (t *SMTPTransport) Send(ctx context.Context, env *Envelope) (string, error) {
	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", env.From, env.FromName)
	msg.SetHeader("To", env.To...)
	msg.SetHeader("Subject", env.Subject)
	msg.SetHeader("Message-ID", env.MessageID)
	msg.SetBody("text/plain", env.Text)
	msg.AddAlternative("text/html", env.HTML)

	err := t.session(ctx, func(s gomail.SendCloser) error {
		// Calling the SendCloser directly keeps net/smtp's typed errors intact.
		return s.Send(env.From, env.To, msg)
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("250 message %s accepted by %s for %d recipient(s)", env.MessageID, t.address(), len(env.To)), nil
}

func (t *SMTPTransport) Verify(ctx context.Context) error {
	return t.session(ctx, nil)
}

// session dials, runs fn and closes the connection. gomail exposes no way to
// interrupt a connection, so on cancellation the exchange is abandoned and
// finishes in the background.
func (t *SMTPTransport) session(ctx context.Context, fn func(gomail.SendCloser) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// gomail caches the negotiated auth mechanism on the dialer; a copy per
	// session keeps concurrent sessions independent.
	dialer := *t.dialer

	done := make(chan error, 1)
	go func() {
		s, err := dialer.Dial()
		if err != nil {
			done <- err
			return
		}
		if fn != nil {
			err = fn(s)
		}
		if cerr := s.Close(); cerr != nil {
			t.log.Debugw("Closing SMTP session failed", "address", t.address(), "error", cerr)
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		t.log.Warnw("Abandoning in-flight SMTP exchange", "address", t.address(), "error", ctx.Err())
		return ctx.Err()
	}
}
