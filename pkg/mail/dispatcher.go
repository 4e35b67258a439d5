package mail

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carelink/schedule-notifier/pkg/audit"
	"github.com/carelink/schedule-notifier/pkg/config"
	"github.com/carelink/schedule-notifier/pkg/metrics"
	"github.com/carelink/schedule-notifier/pkg/system"
)

const (
	DefaultSenderName  = "Hospital Management System"
	DefaultSendTimeout = 30 * time.Second

	auditWriteTimeout = 5 * time.Second
	// unresolvedHost labels metrics for failures before a transport exists.
	unresolvedHost = "unresolved"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTransportFactory replaces the gomail transport, mainly for tests.
func WithTransportFactory(f TransportFactory) Option {
	return func(d *Dispatcher) {
		if f != nil {
			d.factory = f
		}
	}
}

// WithAuditSink records every send and verify outcome to s.
func WithAuditSink(s audit.Sink) Option {
	return func(d *Dispatcher) {
		d.audit = s
	}
}

// WithSendTimeout bounds sends and verifies whose context has no deadline.
func WithSendTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.sendTimeout = timeout
		}
	}
}

// WithRequireDoctorName overrides MAIL_REQUIRE_DOCTOR_NAME.
func WithRequireDoctorName(required bool) Option {
	return func(d *Dispatcher) {
		d.requireDoctorName = required
	}
}

// Dispatcher turns schedule-change notices into sent emails. The transport is
// resolved on first use and reused for the dispatcher's lifetime.
type Dispatcher struct {
	env               config.MailEnv
	log               *zap.SugaredLogger
	factory           TransportFactory
	audit             audit.Sink
	sendTimeout       time.Duration
	requireDoctorName bool

	mu        sync.Mutex
	transport Transport
}

// NewDispatcher creates a Dispatcher for the given environment snapshot.
func NewDispatcher(env config.MailEnv, log *zap.SugaredLogger, opts ...Option) *Dispatcher {
	log = log.Named("mail-dispatcher")
	d := &Dispatcher{
		env:               env,
		log:               log,
		factory:           SMTPTransportFactory(log),
		sendTimeout:       DefaultSendTimeout,
		requireDoctorName: env.RequireDoctorName,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ValidateConfiguration fails with a ConfigurationError when the generic
// account credentials are absent.
func (d *Dispatcher) ValidateConfiguration() error {
	var missing []string
	if d.env.GenericUser == "" {
		missing = append(missing, config.EnvGenericUser)
	}
	if strings.TrimSpace(d.env.GenericPassword) == "" {
		missing = append(missing, config.EnvGenericPassword)
	}
	if len(missing) > 0 {
		return newError(KindConfiguration, "missing "+strings.Join(missing, ", "), nil)
	}
	return nil
}

// ResolveTransport returns the cached transport, building it on first call.
// Failed resolutions are not cached.
func (d *Dispatcher) ResolveTransport() (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.transport != nil {
		return d.transport, nil
	}

	cfg, err := ResolveTransportConfig(d.env)
	if err != nil {
		return nil, err
	}
	t, err := d.factory(cfg)
	if err != nil {
		return nil, newError(KindTransportUnavailable, "building transport", err)
	}

	d.log.Infow("Mail transport resolved",
		"mode", cfg.Mode,
		"host", cfg.Host,
		"port", cfg.Port,
		"implicitTLS", cfg.ImplicitTLS,
		"allowSelfSigned", cfg.AllowSelfSigned)
	if cfg.AllowSelfSigned && d.env.IsProduction() {
		d.log.Warnw("TLS certificate verification is disabled in production",
			"override", config.EnvMailRejectUnauthorized)
	}

	d.transport = t
	return t, nil
}

// Send validates, renders and sends notice. Every failure is returned as a
// classified *Error after it has been logged, counted and audited.
func (d *Dispatcher) Send(ctx context.Context, notice *ScheduleChangeNotice) (*Outcome, error) {
	if err := d.ValidateConfiguration(); err != nil {
		return nil, d.fail(ctx, notice, unresolvedHost, err)
	}
	t, err := d.ResolveTransport()
	if err != nil {
		return nil, d.fail(ctx, notice, unresolvedHost, err)
	}
	host := t.Config().Host

	if err := notice.Validate(d.requireDoctorName); err != nil {
		return nil, d.fail(ctx, notice, host, err)
	}
	env, err := d.compose(notice)
	if err != nil {
		return nil, d.fail(ctx, notice, host, newError(KindUnclassified, "rendering notice", err))
	}

	sendCtx, cancel := d.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	resp, err := t.Send(sendCtx, env)
	metrics.MailSendDuration.WithLabelValues(host).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, d.fail(ctx, notice, host, err)
	}

	metrics.MailSendSuccess.WithLabelValues(host).Inc()
	d.log.Infow("Schedule change notification sent",
		append([]interface{}{"messageID", env.MessageID, "host", host}, system.RecipientFields(env.To[0], false)...)...)

	event := audit.NewEvent(audit.EventNotificationSent)
	event.Recipient = env.To[0]
	event.MessageID = env.MessageID
	event.Host = host
	d.writeAudit(ctx, event)

	return &Outcome{MessageID: env.MessageID, TransportResponse: resp}, nil
}

// Verify reports whether the mail service accepts a connection with the
// configured credentials. It never panics or returns an error; failures are
// logged as diagnostics.
func (d *Dispatcher) Verify(ctx context.Context) (ok bool) {
	host := unresolvedHost
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorw("Mail transport verification panicked", "panic", r)
			ok = false
		}
		result := "success"
		if !ok {
			result = "failure"
		}
		metrics.MailVerify.WithLabelValues(result).Inc()
	}()

	verifyFailed := func(err error) bool {
		classified := Classify(err)
		d.diagnose("verify", classified, "host", host)
		event := audit.NewEvent(audit.EventTransportVerifyFailed)
		event.Host = host
		event.Kind = string(classified.Kind)
		event.Error = classified.Error()
		d.writeAudit(ctx, event)
		return false
	}

	if err := d.ValidateConfiguration(); err != nil {
		return verifyFailed(err)
	}
	t, err := d.ResolveTransport()
	if err != nil {
		return verifyFailed(err)
	}
	host = t.Config().Host

	verifyCtx, cancel := d.withTimeout(ctx)
	defer cancel()
	if err := t.Verify(verifyCtx); err != nil {
		return verifyFailed(err)
	}

	d.log.Infow("Mail transport verified", "host", host, "mode", t.Config().Mode)
	event := audit.NewEvent(audit.EventTransportVerified)
	event.Host = host
	d.writeAudit(ctx, event)
	return true
}

func (d *Dispatcher) compose(notice *ScheduleChangeNotice) (*Envelope, error) {
	from := firstNonEmpty(d.env.From, d.env.GenericUser)
	senderName := firstNonEmpty(d.env.FromName, DefaultSenderName)
	subject := notice.EffectiveSubject()

	params := ScheduleChangeMailParams{
		Subject:     subject,
		SenderName:  senderName,
		PatientName: notice.PatientName,
		DoctorName:  notice.DoctorName,
		Previous:    *notice.PreviousSchedule,
		New:         *notice.NewSchedule,
	}
	html, err := RenderScheduleChangeHTML(params)
	if err != nil {
		return nil, fmt.Errorf("html body: %w", err)
	}
	text, err := RenderScheduleChangeText(params)
	if err != nil {
		return nil, fmt.Errorf("text body: %w", err)
	}

	return &Envelope{
		MessageID: newMessageID(from),
		From:      from,
		FromName:  senderName,
		To:        []string{strings.TrimSpace(notice.Recipient)},
		Subject:   subject,
		HTML:      html,
		Text:      text,
	}, nil
}

func newMessageID(from string) string {
	domain := "localhost"
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		domain = from[i+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

func (d *Dispatcher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.sendTimeout)
}

func (d *Dispatcher) fail(ctx context.Context, notice *ScheduleChangeNotice, host string, err error) error {
	classified := Classify(err)
	metrics.MailSendFailure.WithLabelValues(host, string(classified.Kind)).Inc()

	kv := []interface{}{"host", host}
	recipient := ""
	if notice != nil {
		recipient = strings.TrimSpace(notice.Recipient)
		kv = append(kv, system.RecipientFields(recipient, false)...)
	}
	d.diagnose("send", classified, kv...)

	event := audit.NewEvent(audit.EventNotificationFailed)
	event.Recipient = recipient
	event.Host = host
	event.Kind = string(classified.Kind)
	event.Error = classified.Error()
	d.writeAudit(ctx, event)

	return classified
}

// diagnose emits the structured diagnostic for a classified failure.
func (d *Dispatcher) diagnose(op string, e *Error, kv ...interface{}) {
	fields := append([]interface{}{
		"operation", op,
		"kind", e.Kind,
		"retryable", e.Kind.Retryable(),
		"error", e.Error(),
	}, kv...)
	if e.Hint != "" {
		fields = append(fields, "hint", e.Hint)
	}
	if op == "verify" {
		d.log.Warnw("Mail transport verification failed", fields...)
		return
	}
	d.log.Errorw("Mail dispatch failed", fields...)
}

func (d *Dispatcher) writeAudit(ctx context.Context, event *audit.Event) {
	if d.audit == nil {
		return
	}
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()
	if err := d.audit.Write(auditCtx, event); err != nil {
		d.log.Warnw("Failed to write audit event", "eventType", event.Type, "eventID", event.ID, "error", err)
	}
}
