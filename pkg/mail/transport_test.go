package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/schedule-notifier/pkg/config"
	"github.com/carelink/schedule-notifier/pkg/system"
)

func TestAllowSelfSigned(t *testing.T) {
	tests := []struct {
		name     string
		override string
		runtime  string
		want     bool
	}{
		{name: "no override in development", runtime: "development", want: true},
		{name: "no override without runtime", want: true},
		{name: "no override in production", runtime: config.ProductionRuntime, want: false},
		{name: "false override in production", override: "false", runtime: config.ProductionRuntime, want: true},
		{name: "true override in development", override: "true", runtime: "development", want: false},
		{name: "unrecognised override falls back to runtime", override: "maybe", runtime: config.ProductionRuntime, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := config.MailEnv{RejectUnauthorized: tt.override, RuntimeEnv: tt.runtime}
			assert.Equal(t, tt.want, AllowSelfSigned(env))
		})
	}
}

func TestResolveTransportConfig(t *testing.T) {
	tests := []struct {
		name     string
		env      config.MailEnv
		want     TransportConfig
		wantKind Kind
	}{
		{
			name: "direct provider strips password whitespace",
			env:  config.MailEnv{GenericUser: "clinic@example.com", GenericPassword: "abcd efgh ijkl mnop"},
			want: TransportConfig{
				Mode: ModeDirectProvider, Host: DirectProviderHost, Port: DirectProviderPort, ImplicitTLS: true,
				User: "clinic@example.com", Password: "abcdefghijklmnop", AllowSelfSigned: true,
			},
		},
		{
			name: "direct provider strips tabs and newlines",
			env:  config.MailEnv{GenericUser: "clinic@example.com", GenericPassword: " abcd\tefgh\nijkl mnop ", RuntimeEnv: config.ProductionRuntime},
			want: TransportConfig{
				Mode: ModeDirectProvider, Host: DirectProviderHost, Port: DirectProviderPort, ImplicitTLS: true,
				User: "clinic@example.com", Password: "abcdefghijklmnop", AllowSelfSigned: false,
			},
		},
		{
			name:     "direct provider without password",
			env:      config.MailEnv{GenericUser: "clinic@example.com"},
			wantKind: KindTransportUnavailable,
		},
		{
			name: "smtp with dedicated credentials",
			env: config.MailEnv{
				GenericUser: "clinic@example.com", GenericPassword: "generic",
				SMTPHost: "relay.example.com", SMTPPort: "2525", SMTPUser: "relay", SMTPPassword: "relay pass",
			},
			want: TransportConfig{
				Mode: ModeSMTP, Host: "relay.example.com", Port: 2525,
				User: "relay", Password: "relay pass", AllowSelfSigned: true,
			},
		},
		{
			name: "smtp falls back to generic credentials and default port",
			env:  config.MailEnv{GenericUser: "clinic@example.com", GenericPassword: "generic", SMTPHost: "relay.example.com"},
			want: TransportConfig{
				Mode: ModeSMTP, Host: "relay.example.com", Port: DefaultSMTPPort,
				User: "clinic@example.com", Password: "generic", AllowSelfSigned: true,
			},
		},
		{
			name: "smtp on 465 uses implicit TLS",
			env:  config.MailEnv{SMTPHost: "relay.example.com", SMTPPort: "465", SMTPUser: "relay", SMTPPassword: "pw"},
			want: TransportConfig{
				Mode: ModeSMTP, Host: "relay.example.com", Port: 465, ImplicitTLS: true,
				User: "relay", Password: "pw", AllowSelfSigned: true,
			},
		},
		{
			name:     "smtp without any credentials",
			env:      config.MailEnv{SMTPHost: "relay.example.com"},
			wantKind: KindTransportUnavailable,
		},
		{
			name:     "smtp with invalid port",
			env:      config.MailEnv{SMTPHost: "relay.example.com", SMTPPort: "70000", SMTPUser: "relay", SMTPPassword: "pw"},
			wantKind: KindTransportUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveTransportConfig(tt.env)
			if tt.wantKind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewSMTPTransportTLSConfig(t *testing.T) {
	tr := NewSMTPTransport(TransportConfig{Host: "relay.example.com", Port: 465, ImplicitTLS: true, AllowSelfSigned: false}, system.NewTestLogger())
	assert.True(t, tr.dialer.SSL)
	assert.False(t, tr.dialer.TLSConfig.InsecureSkipVerify)
	assert.Equal(t, "relay.example.com", tr.dialer.TLSConfig.ServerName)
	assert.Equal(t, uint16(tls.VersionTLS12), tr.dialer.TLSConfig.MinVersion)

	permissive := NewSMTPTransport(TransportConfig{Host: "relay.example.com", Port: 587, AllowSelfSigned: true}, system.NewTestLogger())
	assert.False(t, permissive.dialer.SSL)
	assert.True(t, permissive.dialer.TLSConfig.InsecureSkipVerify)
}

// fakeSMTPServer speaks enough SMTP for gomail: EHLO, AUTH PLAIN, MAIL, RCPT,
// DATA, RSET, NOOP and QUIT.
type fakeSMTPServer struct {
	ln       net.Listener
	authCode int
	rcptCode int
	stall    time.Duration

	mu       sync.Mutex
	authed   []string
	messages []string
	rcpts    []string
}

func newFakeSMTPServer(t *testing.T, configure func(*fakeSMTPServer)) *fakeSMTPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeSMTPServer{ln: ln}
	if configure != nil {
		configure(s)
	}
	go s.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

// withTLS wraps the listener for implicit TLS using the httptest certificate.
func (s *fakeSMTPServer) withTLS(t *testing.T) {
	t.Helper()
	ts := httptest.NewTLSServer(http.NotFoundHandler())
	t.Cleanup(ts.Close)
	s.ln = tls.NewListener(s.ln, &tls.Config{Certificates: ts.TLS.Certificates, MinVersion: tls.VersionTLS12})
}

func (s *fakeSMTPServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *fakeSMTPServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeSMTPServer) handle(conn net.Conn) {
	defer conn.Close()
	if s.stall > 0 {
		time.Sleep(s.stall)
	}
	tc := textproto.NewConn(conn)
	reply := func(format string, args ...interface{}) bool {
		return tc.PrintfLine(format, args...) == nil
	}
	if !reply("220 fake.local ESMTP ready") {
		return
	}
	for {
		line, err := tc.ReadLine()
		if err != nil {
			return
		}
		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		switch verb {
		case "EHLO", "HELO":
			reply("250-fake.local greets you")
			reply("250-AUTH PLAIN")
			reply("250 8BITMIME")
		case "AUTH":
			s.mu.Lock()
			s.authed = append(s.authed, line)
			s.mu.Unlock()
			if s.authCode != 0 {
				reply("%d 5.7.8 Username and Password not accepted", s.authCode)
				continue
			}
			reply("235 2.7.0 Authentication successful")
		case "MAIL":
			reply("250 2.1.0 OK")
		case "RCPT":
			if s.rcptCode != 0 {
				reply("%d 5.1.1 mailbox unavailable", s.rcptCode)
				continue
			}
			s.mu.Lock()
			s.rcpts = append(s.rcpts, line)
			s.mu.Unlock()
			reply("250 2.1.5 OK")
		case "DATA":
			reply("354 go ahead")
			lines, err := tc.ReadDotLines()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.messages = append(s.messages, strings.Join(lines, "\n"))
			s.mu.Unlock()
			reply("250 2.0.0 OK queued")
		case "RSET", "NOOP":
			reply("250 2.0.0 OK")
		case "QUIT":
			reply("221 2.0.0 bye")
			return
		default:
			reply("502 5.5.2 command not recognized")
		}
	}
}

func (s *fakeSMTPServer) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

func (s *fakeSMTPServer) AuthAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.authed)
}

func (s *fakeSMTPServer) transport(t *testing.T, mutate func(*TransportConfig)) *SMTPTransport {
	t.Helper()
	cfg := TransportConfig{
		Mode:            ModeSMTP,
		Host:            "127.0.0.1",
		Port:            s.port(),
		User:            "clinic@example.com",
		Password:        "secret",
		AllowSelfSigned: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewSMTPTransport(cfg, system.NewTestLogger())
}

func testEnvelope() *Envelope {
	return &Envelope{
		MessageID: "<test-id@clinic.example.com>",
		From:      "appointments@clinic.example.com",
		FromName:  DefaultSenderName,
		To:        []string{"patient@example.com"},
		Subject:   DefaultSubject,
		HTML:      "<p>Jane Doe</p>",
		Text:      "Jane Doe",
	}
}

func TestSMTPTransport_SendDeliversMultipartMessage(t *testing.T) {
	srv := newFakeSMTPServer(t, nil)
	tr := srv.transport(t, nil)

	resp, err := tr.Send(context.Background(), testEnvelope())
	require.NoError(t, err)
	assert.Contains(t, resp, "<test-id@clinic.example.com>")
	assert.Contains(t, resp, fmt.Sprintf("127.0.0.1:%d", srv.port()))

	messages := srv.Messages()
	require.Len(t, messages, 1)
	msg := messages[0]
	assert.Contains(t, msg, "Message-ID: <test-id@clinic.example.com>")
	assert.Contains(t, msg, "Subject: "+DefaultSubject)
	assert.Contains(t, msg, "multipart/alternative")
	assert.Contains(t, msg, "text/plain")
	assert.Contains(t, msg, "text/html")
	assert.Contains(t, msg, "appointments@clinic.example.com")
	assert.Equal(t, 1, srv.AuthAttempts())
}

func TestSMTPTransport_Verify(t *testing.T) {
	srv := newFakeSMTPServer(t, nil)
	require.NoError(t, srv.transport(t, nil).Verify(context.Background()))
	assert.Empty(t, srv.Messages())
}

func TestSMTPTransport_ConcurrentSends(t *testing.T) {
	srv := newFakeSMTPServer(t, nil)
	tr := srv.transport(t, nil)

	var wg sync.WaitGroup
	for range make([]struct{}, 5) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.Send(context.Background(), testEnvelope())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, srv.Messages(), 5)
}

func TestSMTPTransport_FailuresClassify(t *testing.T) {
	closedPort := func() int {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		require.NoError(t, ln.Close())
		return port
	}

	tests := []struct {
		name   string
		server func(*fakeSMTPServer)
		mutate func(*TransportConfig)
		send   bool
		want   Kind
	}{
		{name: "rejected credentials on verify", server: func(s *fakeSMTPServer) { s.authCode = 535 }, want: KindAuthentication},
		{name: "rejected credentials on send", server: func(s *fakeSMTPServer) { s.authCode = 535 }, send: true, want: KindAuthentication},
		{name: "rejected recipient", server: func(s *fakeSMTPServer) { s.rcptCode = 550 }, send: true, want: KindEnvelope},
		{name: "nothing listening", mutate: func(c *TransportConfig) { c.Port = closedPort() }, want: KindConnectivity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeSMTPServer(t, tt.server)
			tr := srv.transport(t, tt.mutate)

			var err error
			if tt.send {
				_, err = tr.Send(context.Background(), testEnvelope())
			} else {
				err = tr.Verify(context.Background())
			}
			require.Error(t, err)
			classified := Classify(err)
			assert.Equal(t, tt.want, classified.Kind, "error: %v", err)
			assert.NotEmpty(t, classified.Hint)
		})
	}
}

func TestSMTPTransport_ImplicitTLS(t *testing.T) {
	t.Run("self-signed accepted when permissive", func(t *testing.T) {
		srv := newFakeSMTPServer(t, nil)
		srv.withTLS(t)
		tr := srv.transport(t, func(c *TransportConfig) { c.ImplicitTLS = true })

		_, err := tr.Send(context.Background(), testEnvelope())
		require.NoError(t, err)
		assert.Len(t, srv.Messages(), 1)
	})

	t.Run("self-signed rejected when strict", func(t *testing.T) {
		srv := newFakeSMTPServer(t, nil)
		srv.withTLS(t)
		tr := srv.transport(t, func(c *TransportConfig) {
			c.ImplicitTLS = true
			c.AllowSelfSigned = false
		})

		err := tr.Verify(context.Background())
		require.Error(t, err)
		assert.Equal(t, KindCertificate, Classify(err).Kind, "error: %v", err)
	})
}

func TestSMTPTransport_ContextCancellation(t *testing.T) {
	srv := newFakeSMTPServer(t, func(s *fakeSMTPServer) { s.stall = 500 * time.Millisecond })
	tr := srv.transport(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := tr.Verify(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 400*time.Millisecond, "caller must not wait for the stalled exchange")
	assert.Equal(t, KindConnectivity, Classify(err).Kind)

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	assert.ErrorIs(t, tr.Verify(cancelled), context.Canceled)
}
