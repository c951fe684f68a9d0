package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message is the content handed to SendBulk. The same content goes to every
// recipient of the call.
type Message struct {
	Subject string
	Body    string
}

// Options tune one SendBulk call. Zero values fall back to the engine Config.
type Options struct {
	BatchSize  int
	Individual bool
	Workers    int
}

// Result partitions every distinct input recipient into Sent or Failed.
// A Failed entry wrapping *NotAttemptedError never reached the transport.
type Result struct {
	CorrelationID string
	Fingerprint   string
	Sent          []string
	Failed        map[string]error
}

func (r Result) IsSent(addr string) bool {
	for _, s := range r.Sent {
		if strings.EqualFold(s, strings.TrimSpace(addr)) {
			return true
		}
	}
	return false
}

// Attempted reports whether addr was handed to the transport at least once.
// Sent recipients and failures from a real transport call count; recipients
// abandoned because ctx ended first do not.
func (r Result) Attempted(addr string) bool {
	addr = strings.TrimSpace(addr)
	for k, err := range r.Failed {
		if strings.EqualFold(k, addr) {
			var na *NotAttemptedError
			return !errors.As(err, &na)
		}
	}
	return r.IsSent(addr)
}

// Rejection is the server's answer to one refused recipient.
type Rejection struct {
	Code     int
	Enhanced string
	Message  string
}

func (r Rejection) String() string {
	s := fmt.Sprintf("%d", r.Code)
	if r.Enhanced != "" {
		s += " " + r.Enhanced
	}
	if r.Message != "" {
		s += " " + r.Message
	}
	return s
}

// Dialer opens a fresh transport session.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// Session carries one message to many recipients.
//
// Send returns the recipients the server refused; recipients not in the map
// were accepted. An error means the whole call failed.
type Session interface {
	Send(ctx context.Context, from string, rcpts []string, raw []byte) (map[string]Rejection, error)
	Close() error
}

// TransportConnectError is a failure of the transport call itself. It
// applies to every recipient of the call.
type TransportConnectError struct {
	Op  string // dial, send
	Err error
}

func (e *TransportConnectError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportConnectError) Unwrap() error { return e.Err }

// RecipientRejected is a per-recipient refusal reported by the transport.
type RecipientRejected struct {
	Recipient string
	Rejection Rejection
}

func (e *RecipientRejected) Error() string {
	return fmt.Sprintf("recipient %s rejected: %s", e.Recipient, e.Rejection)
}

// Permanent reports a 5xx reply.
func (e *RecipientRejected) Permanent() bool { return e.Rejection.Code >= 500 }

// NotAttemptedError marks recipients that never reached the transport
// because the context ended (or the rate limiter gave up) first.
type NotAttemptedError struct {
	Err error
}

func (e *NotAttemptedError) Error() string { return "not attempted: " + e.Err.Error() }

func (e *NotAttemptedError) Unwrap() error { return e.Err }

var ErrNoSender = errors.New("sender address is required")

// Sleeper waits d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
