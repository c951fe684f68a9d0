package delivery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

type sendFunc func(call int, rcpts []string) (map[string]Rejection, error)

type fakeTransport struct {
	mu      sync.Mutex
	calls   [][]string
	dialErr func(call int) error
	send    sendFunc
}

func (f *fakeTransport) Dial(ctx context.Context) (Session, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.mu.Unlock()
	if f.dialErr != nil {
		if err := f.dialErr(n); err != nil {
			f.record(nil)
			return nil, err
		}
	}
	return &fakeSession{f: f}, nil
}

func (f *fakeTransport) record(rcpts []string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), rcpts...))
	return len(f.calls) - 1
}

func (f *fakeTransport) callsFor(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		for _, r := range c {
			if r == addr {
				n++
			}
		}
	}
	return n
}

type fakeSession struct{ f *fakeTransport }

func (s *fakeSession) Send(ctx context.Context, from string, rcpts []string, raw []byte) (map[string]Rejection, error) {
	n := s.f.record(rcpts)
	if s.f.send == nil {
		return nil, nil
	}
	return s.f.send(n, rcpts)
}

func (s *fakeSession) Close() error { return nil }

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.sleeps...)
}

func newTestEngine(cfg Config, tr *fakeTransport, sl *sleepRecorder) *Engine {
	if cfg.From == "" {
		cfg.From = "it@example.com"
	}
	return New(cfg, tr, WithSleeper(sl.Sleep))
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func sameStrings(a, b []string) bool {
	a, b = sorted(a), sorted(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSendBulkRejectedRecipientSucceedsOnRetry(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{send: func(call int, rcpts []string) (map[string]Rejection, error) {
		if call == 0 {
			return map[string]Rejection{"b": {Code: 451, Message: "try later"}}, nil
		}
		return nil, nil
	}}
	sl := &sleepRecorder{}
	e := newTestEngine(Config{MaxRetries: 3, BackoffBase: time.Second}, tr, sl)

	res := e.SendBulk(context.Background(), []string{"a", "b", "c"}, Message{Subject: "s", Body: "b"}, Options{BatchSize: 100})
	if !sameStrings(res.Sent, []string{"a", "b", "c"}) {
		t.Fatalf("Sent = %v", res.Sent)
	}
	if len(res.Failed) != 0 {
		t.Fatalf("Failed = %v", res.Failed)
	}
	if len(tr.calls) != 2 || len(tr.calls[0]) != 3 {
		t.Fatalf("calls = %v, want one batch and one retry", tr.calls)
	}
	if got := sl.all(); len(got) != 1 || got[0] != time.Second {
		t.Fatalf("sleeps = %v", got)
	}
}

func TestSendBulkRetryExhaustion(t *testing.T) {
	t.Parallel()
	connErr := errors.New("connection refused")
	tr := &fakeTransport{dialErr: func(int) error { return connErr }}
	sl := &sleepRecorder{}
	base := 2 * time.Second
	e := newTestEngine(Config{MaxRetries: 3, BackoffBase: base}, tr, sl)

	res := e.SendBulk(context.Background(), []string{"x"}, Message{Subject: "s", Body: "b"}, Options{})
	if len(res.Sent) != 0 {
		t.Fatalf("Sent = %v", res.Sent)
	}
	err, ok := res.Failed["x"]
	if !ok {
		t.Fatalf("x missing from Failed: %v", res.Failed)
	}
	var tce *TransportConnectError
	if !errors.As(err, &tce) || !errors.Is(err, connErr) {
		t.Fatalf("err = %v, want TransportConnectError wrapping %v", err, connErr)
	}
	// One initial attempt plus three retries.
	if len(tr.calls) != 4 {
		t.Fatalf("attempts = %d, want 4", len(tr.calls))
	}
	want := []time.Duration{base, 2 * base, 4 * base}
	got := sl.all()
	if len(got) != len(want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sleeps = %v, want %v", got, want)
		}
	}
}

func TestSendBulkChunkFailureDoesNotAbort(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{send: func(call int, rcpts []string) (map[string]Rejection, error) {
		if rcpts[0] == "a" {
			return nil, errors.New("421 service not available")
		}
		return nil, nil
	}}
	sl := &sleepRecorder{}
	e := newTestEngine(Config{MaxRetries: 0}, tr, sl)

	res := e.SendBulk(context.Background(), []string{"a", "b", "c", "d", "e"}, Message{Subject: "s"}, Options{BatchSize: 2})
	if !sameStrings(res.Sent, []string{"c", "d", "e"}) {
		t.Fatalf("Sent = %v", res.Sent)
	}
	for _, r := range []string{"a", "b"} {
		var tce *TransportConnectError
		if !errors.As(res.Failed[r], &tce) || tce.Op != "send" {
			t.Fatalf("Failed[%s] = %v", r, res.Failed[r])
		}
	}
	if len(tr.calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(tr.calls))
	}
	if len(sl.all()) != 0 {
		t.Fatalf("slept without retries")
	}
}

func TestSendBulkIndividualMode(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{send: func(call int, rcpts []string) (map[string]Rejection, error) {
		if len(rcpts) != 1 {
			return nil, errors.New("batched call in individual mode")
		}
		if rcpts[0] == "y" {
			return map[string]Rejection{"y": {Code: 550, Enhanced: "5.1.1", Message: "no such user"}}, nil
		}
		return nil, nil
	}}
	sl := &sleepRecorder{}
	e := newTestEngine(Config{MaxRetries: 1, BackoffBase: time.Millisecond}, tr, sl)

	res := e.SendBulk(context.Background(), []string{"x", "y", "z"}, Message{Subject: "s"}, Options{Individual: true})
	if !sameStrings(res.Sent, []string{"x", "z"}) {
		t.Fatalf("Sent = %v", res.Sent)
	}
	var rr *RecipientRejected
	if !errors.As(res.Failed["y"], &rr) || !rr.Permanent() || rr.Rejection.Enhanced != "5.1.1" {
		t.Fatalf("Failed[y] = %v", res.Failed["y"])
	}
	if got := tr.callsFor("y"); got != 2 {
		t.Fatalf("attempts for y = %d, want 2", got)
	}
	if len(tr.calls) != 4 {
		t.Fatalf("calls = %d, want 4", len(tr.calls))
	}
}

func TestSendBulkPartitionsDistinctInputs(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{}
	sl := &sleepRecorder{}
	e := newTestEngine(Config{}, tr, sl)

	res := e.SendBulk(context.Background(), []string{" a@example.com", "", "A@example.com", "b@example.com ", "  "}, Message{Subject: "s"}, Options{})
	if !sameStrings(res.Sent, []string{"a@example.com", "b@example.com"}) {
		t.Fatalf("Sent = %v", res.Sent)
	}
	if res.CorrelationID == "" || len(res.Fingerprint) != 12 {
		t.Fatalf("missing correlation data: %+v", res)
	}
	if !res.IsSent("A@EXAMPLE.COM") {
		t.Fatalf("IsSent should match case-insensitively")
	}
}

func TestSendBulkCancelledContext(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{}
	sl := &sleepRecorder{}
	e := newTestEngine(Config{MaxRetries: 3}, tr, sl)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.SendBulk(ctx, []string{"a", "b"}, Message{Subject: "s"}, Options{})
	if len(res.Sent) != 0 || len(res.Failed) != 2 {
		t.Fatalf("unexpected partition: %+v", res)
	}
	for r, err := range res.Failed {
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Failed[%s] = %v", r, err)
		}
	}
	if len(tr.calls) != 0 {
		t.Fatalf("transport called after cancellation")
	}
	for _, r := range []string{"a", "b"} {
		var na *NotAttemptedError
		if !errors.As(res.Failed[r], &na) || res.Attempted(r) {
			t.Fatalf("%s: Failed = %v, Attempted = %v", r, res.Failed[r], res.Attempted(r))
		}
	}
}

func TestSendBulkCancelDuringRetryKeepsTransportError(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	busy := errors.New("421 service busy")
	tr := &fakeTransport{send: func(call int, rcpts []string) (map[string]Rejection, error) {
		cancel()
		return nil, busy
	}}
	e := newTestEngine(Config{MaxRetries: 3, BackoffBase: time.Second}, tr, &sleepRecorder{})

	res := e.SendBulk(ctx, []string{"a"}, Message{Subject: "s"}, Options{})
	if !res.Attempted("a") {
		t.Fatalf("a was dialled once and must count as attempted")
	}
	if !errors.Is(res.Failed["a"], busy) {
		t.Fatalf("Failed[a] = %v, want the transport error", res.Failed["a"])
	}
	if len(tr.calls) != 1 {
		t.Fatalf("calls = %v", tr.calls)
	}
}

func TestSendBulkParallelWorkers(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{send: func(call int, rcpts []string) (map[string]Rejection, error) {
		if rcpts[0] == "r3" && len(rcpts) == 1 && call < 10 {
			return map[string]Rejection{"r3": {Code: 452}}, nil
		}
		return nil, nil
	}}
	sl := &sleepRecorder{}
	e := newTestEngine(Config{MaxRetries: 2, Workers: 4, BackoffBase: time.Millisecond}, tr, sl)

	var rcpts []string
	for i := 0; i < 10; i++ {
		rcpts = append(rcpts, "r"+string(rune('0'+i)))
	}
	res := e.SendBulk(context.Background(), rcpts, Message{Subject: "s"}, Options{BatchSize: 1})
	if len(res.Sent) != 10 || len(res.Failed) != 0 {
		t.Fatalf("unexpected partition: sent=%v failed=%v", res.Sent, res.Failed)
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{13, MaxBackoff},
		{64, MaxBackoff},
		{1 << 20, MaxBackoff},
	}
	for _, tt := range tests {
		if got := Backoff(time.Second, tt.n); got != tt.want {
			t.Fatalf("Backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
	if got := Backoff(2*MaxBackoff, 1); got != MaxBackoff {
		t.Fatalf("Backoff above cap = %v", got)
	}
	if got := Backoff(0, 5); got != 0 {
		t.Fatalf("Backoff(0) = %v", got)
	}
}

func TestSendBulkWithoutSender(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{}
	e := New(Config{}, tr, WithSleeper((&sleepRecorder{}).Sleep))
	res := e.SendBulk(context.Background(), []string{"a"}, Message{Subject: "s"}, Options{})
	if !errors.Is(res.Failed["a"], ErrNoSender) {
		t.Fatalf("Failed = %v", res.Failed)
	}
}
