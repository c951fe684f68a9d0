package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
)

// STARTTLS modes.
const (
	TLSOpportunistic = "opportunistic"
	TLSRequired      = "required"
	TLSDisabled      = "disabled"
)

// SMTPConfig describes the relay. Authentication is not supported.
type SMTPConfig struct {
	Host               string
	Port               int
	Timeout            time.Duration
	HeloName           string
	StartTLS           string
	InsecureSkipVerify bool
}

// SMTPDialer opens one SMTP connection per Dial.
type SMTPDialer struct {
	cfg SMTPConfig
}

func NewSMTPDialer(cfg SMTPConfig) *SMTPDialer {
	if cfg.Port <= 0 {
		cfg.Port = 25
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if strings.TrimSpace(cfg.HeloName) == "" {
		cfg.HeloName = "localhost"
	}
	cfg.StartTLS = strings.ToLower(strings.TrimSpace(cfg.StartTLS))
	if cfg.StartTLS == "" {
		cfg.StartTLS = TLSOpportunistic
	}
	return &SMTPDialer{cfg: cfg}
}

func (d *SMTPDialer) Addr() string {
	return net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))
}

func (d *SMTPDialer) tlsConfig() *tls.Config {
	return &tls.Config{ServerName: d.cfg.Host, InsecureSkipVerify: d.cfg.InsecureSkipVerify}
}

// Dial opens a session. In opportunistic mode a server that offers STARTTLS
// is redialled and upgraded; required mode fails when it is not offered.
func (d *SMTPDialer) Dial(ctx context.Context) (Session, error) {
	if d.cfg.StartTLS == TLSRequired {
		s, err := d.open(ctx, true)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := d.open(ctx, false)
	if err != nil {
		return nil, err
	}
	if d.cfg.StartTLS == TLSDisabled {
		return s, nil
	}
	if ok, _ := s.c.Extension("STARTTLS"); !ok {
		return s, nil
	}
	_ = s.Close()
	if s, err = d.open(ctx, true); err != nil {
		return nil, err
	}
	return s, nil
}

func (d *SMTPDialer) open(ctx context.Context, starttls bool) (*smtpSession, error) {
	nd := net.Dialer{Timeout: d.cfg.Timeout}
	raw, err := nd.DialContext(ctx, "tcp", d.Addr())
	if err != nil {
		return nil, err
	}
	conn := &boundedConn{Conn: raw, timeout: d.cfg.Timeout}
	if dl, ok := ctx.Deadline(); ok {
		conn.hard = dl
	}
	stop := context.AfterFunc(ctx, func() { _ = raw.Close() })

	var c *smtp.Client
	if starttls {
		// NewClientStartTLS greets as "localhost"; the configured name is
		// sent with the EHLO that follows the upgrade.
		if c, err = smtp.NewClientStartTLS(conn, d.tlsConfig()); err != nil {
			stop()
			_ = raw.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	} else {
		c = smtp.NewClient(conn)
	}
	c.CommandTimeout = d.cfg.Timeout
	c.SubmissionTimeout = d.cfg.Timeout
	if err := c.Hello(d.cfg.HeloName); err != nil {
		stop()
		_ = c.Close()
		return nil, fmt.Errorf("ehlo: %w", err)
	}
	return &smtpSession{c: c, stop: stop}, nil
}

// boundedConn caps every deadline the SMTP client sets, including the zero
// deadline it restores after each command, at timeout from now and at the
// caller's context deadline.
type boundedConn struct {
	net.Conn
	timeout time.Duration
	hard    time.Time
}

func (c *boundedConn) SetDeadline(t time.Time) error {
	limit := time.Now().Add(c.timeout)
	if !c.hard.IsZero() && c.hard.Before(limit) {
		limit = c.hard
	}
	if t.IsZero() || t.After(limit) {
		t = limit
	}
	return c.Conn.SetDeadline(t)
}

type smtpSession struct {
	c    *smtp.Client
	stop func() bool
}

func (s *smtpSession) Send(ctx context.Context, from string, rcpts []string, raw []byte) (map[string]Rejection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.c.Mail(from, nil); err != nil {
		return nil, fmt.Errorf("mail from: %w", err)
	}

	rejected := map[string]Rejection{}
	for _, r := range rcpts {
		err := s.c.Rcpt(r, nil)
		if err == nil {
			continue
		}
		var se *smtp.SMTPError
		if !errors.As(err, &se) {
			return nil, fmt.Errorf("rcpt to: %w", err)
		}
		rejected[r] = rejectionFrom(se)
	}
	if len(rejected) == len(rcpts) {
		_ = s.c.Reset()
		return rejected, nil
	}

	w, err := s.c.Data()
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	return rejected, nil
}

func (s *smtpSession) Close() error {
	defer s.stop()
	if err := s.c.Quit(); err != nil {
		return s.c.Close()
	}
	return nil
}

func rejectionFrom(se *smtp.SMTPError) Rejection {
	r := Rejection{Code: se.Code, Message: se.Message}
	if ec := se.EnhancedCode; ec[0] > 0 {
		r.Enhanced = fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
	}
	return r
}
