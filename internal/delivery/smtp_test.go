package delivery

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
)

type relay struct {
	mu       sync.Mutex
	accepted []string
	messages [][]byte
	overTLS  []bool
	helos    []string
	reject   map[string]bool
	tls      *tls.Config
}

func (r *relay) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &relaySession{r: r, conn: c}, nil
}

type relaySession struct {
	r     *relay
	conn  *smtp.Conn
	rcpts []string
}

func (s *relaySession) Mail(string, *smtp.MailOptions) error { return nil }

func (s *relaySession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.r.reject[to] {
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "mailbox unavailable"}
	}
	s.rcpts = append(s.rcpts, to)
	return nil
}

func (s *relaySession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	_, isTLS := s.conn.TLSConnectionState()
	s.r.mu.Lock()
	s.r.accepted = append(s.r.accepted, s.rcpts...)
	s.r.messages = append(s.r.messages, b)
	s.r.overTLS = append(s.r.overTLS, isTLS)
	s.r.helos = append(s.r.helos, s.conn.Hostname())
	s.r.mu.Unlock()
	return nil
}

func (s *relaySession) Reset()        { s.rcpts = nil }
func (s *relaySession) Logout() error { return nil }

func startRelay(t *testing.T, r *relay) SMTPConfig {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := smtp.NewServer(r)
	srv.Domain = "localhost"
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second
	srv.TLSConfig = r.tls
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })

	host, port, _ := net.SplitHostPort(l.Addr().String())
	p, _ := strconv.Atoi(port)
	return SMTPConfig{Host: host, Port: p, Timeout: 5 * time.Second, StartTLS: TLSOpportunistic}
}

func TestSMTPSessionReportsRejections(t *testing.T) {
	t.Parallel()
	r := &relay{reject: map[string]bool{"gone@example.com": true}}
	d := NewSMTPDialer(startRelay(t, r))

	ctx := context.Background()
	sess, err := d.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	raw, err := Compose("it@example.com", []string{"a@example.com", "gone@example.com"}, Message{Subject: "s", Body: "b"}, time.Now(), "c")
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	rej, err := sess.Send(ctx, "it@example.com", []string{"a@example.com", "gone@example.com"}, raw)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, ok := rej["gone@example.com"]
	if !ok || len(rej) != 1 {
		t.Fatalf("rejections = %v", rej)
	}
	if got.Code != 550 || got.Enhanced != "5.1.1" {
		t.Fatalf("rejection = %+v", got)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.accepted) != 1 || r.accepted[0] != "a@example.com" || len(r.messages) != 1 {
		t.Fatalf("relay state: accepted=%v messages=%d", r.accepted, len(r.messages))
	}
}

func TestEngineOverSMTP(t *testing.T) {
	t.Parallel()
	r := &relay{reject: map[string]bool{"gone@example.com": true}}
	d := NewSMTPDialer(startRelay(t, r))
	e := New(Config{From: "it@example.com", MaxRetries: 1, BackoffBase: time.Millisecond}, d)

	res := e.SendBulk(context.Background(), []string{"a@example.com", "gone@example.com", "b@example.com"}, Message{Subject: "s", Body: "b"}, Options{})
	if !sameStrings(res.Sent, []string{"a@example.com", "b@example.com"}) {
		t.Fatalf("Sent = %v", res.Sent)
	}
	var rr *RecipientRejected
	if !errors.As(res.Failed["gone@example.com"], &rr) {
		t.Fatalf("Failed = %v", res.Failed)
	}
}

func TestSMTPDialRequiredTLSWithoutSupport(t *testing.T) {
	t.Parallel()
	cfg := startRelay(t, &relay{})
	cfg.StartTLS = TLSRequired
	if _, err := NewSMTPDialer(cfg).Dial(context.Background()); err == nil {
		t.Fatalf("expected error when STARTTLS is required but not offered")
	}
}

func TestSMTPDialConnectionRefused(t *testing.T) {
	t.Parallel()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	d := NewSMTPDialer(SMTPConfig{Host: "127.0.0.1", Port: addr.Port, Timeout: time.Second})
	if _, err := d.Dial(context.Background()); err == nil {
		t.Fatalf("expected dial error")
	}
}

func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "relay.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("certificate: %v", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}}}
}

func TestSMTPDialUpgradesWhenOffered(t *testing.T) {
	t.Parallel()
	for _, mode := range []string{TLSOpportunistic, TLSRequired} {
		mode := mode
		t.Run(mode, func(t *testing.T) {
			t.Parallel()
			r := &relay{tls: selfSignedTLS(t)}
			cfg := startRelay(t, r)
			cfg.StartTLS = mode
			cfg.InsecureSkipVerify = true
			cfg.HeloName = "chaser.test"

			ctx := context.Background()
			sess, err := NewSMTPDialer(cfg).Dial(ctx)
			if err != nil {
				t.Fatalf("Dial: %v", err)
			}
			raw, err := Compose("it@example.com", []string{"a@example.com"}, Message{Subject: "s", Body: "b"}, time.Now(), "c")
			if err != nil {
				t.Fatalf("Compose: %v", err)
			}
			if rej, err := sess.Send(ctx, "it@example.com", []string{"a@example.com"}, raw); err != nil || len(rej) != 0 {
				t.Fatalf("Send = %v, %v", rej, err)
			}
			if err := sess.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			r.mu.Lock()
			defer r.mu.Unlock()
			if len(r.overTLS) != 1 || !r.overTLS[0] {
				t.Fatalf("message over TLS = %v", r.overTLS)
			}
			if r.helos[0] != "chaser.test" {
				t.Fatalf("helo = %q", r.helos[0])
			}
		})
	}
}

func TestSMTPDialDisabledStaysPlain(t *testing.T) {
	t.Parallel()
	r := &relay{tls: selfSignedTLS(t)}
	cfg := startRelay(t, r)
	cfg.StartTLS = TLSDisabled

	e := New(Config{From: "it@example.com"}, NewSMTPDialer(cfg))
	res := e.SendBulk(context.Background(), []string{"a@example.com"}, Message{Subject: "s", Body: "b"}, Options{})
	if len(res.Sent) != 1 {
		t.Fatalf("Failed = %v", res.Failed)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.overTLS) != 1 || r.overTLS[0] {
		t.Fatalf("message over TLS = %v", r.overTLS)
	}
}

func TestSMTPDialRejectsUntrustedCertificate(t *testing.T) {
	t.Parallel()
	cfg := startRelay(t, &relay{tls: selfSignedTLS(t)})
	cfg.StartTLS = TLSRequired
	if _, err := NewSMTPDialer(cfg).Dial(context.Background()); err == nil {
		t.Fatalf("expected a certificate verification error")
	}
}
