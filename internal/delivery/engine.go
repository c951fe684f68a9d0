// Package delivery sends one message to many recipients and reports a
// per-recipient outcome.
//
// SendBulk never fails as a whole. Chunk or recipient failures are retried
// individually with exponential backoff; whatever still fails is reported in
// Result.Failed with its last error.
package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	logx "chaser/pkg/logx"
)

const (
	DefaultBatchSize   = 100
	DefaultMaxRetries  = 3
	DefaultBackoffBase = 2 * time.Second
)

// Config holds the engine defaults.
type Config struct {
	From        string
	MaxRetries  int
	BackoffBase time.Duration
	BatchSize   int
	Workers     int
	RatePerSec  float64 // 0 = unlimited
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	return c
}

type Engine struct {
	cfg     Config
	dialer  Dialer
	log     logx.Logger
	limiter *rate.Limiter
	sleep   Sleeper
	now     func() time.Time
	tracer  trace.Tracer
}

type Option func(*Engine)

func WithLogger(log logx.Logger) Option { return func(e *Engine) { e.log = log } }

// WithSleeper replaces the backoff timer (tests).
func WithSleeper(s Sleeper) Option {
	return func(e *Engine) {
		if s != nil {
			e.sleep = s
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func New(cfg Config, dialer Dialer, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:    cfg,
		dialer: dialer,
		sleep:  sleepCtx,
		now:    time.Now,
		tracer: otel.Tracer("chaser/delivery"),
	}
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	return e
}

// MaxBackoff caps a single retry sleep.
const MaxBackoff = time.Hour

// Backoff returns the sleep before retry attempt n (1-based): base doubled
// n-1 times, saturating at MaxBackoff.
func Backoff(base time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := min(base, MaxBackoff)
	for i := 1; i < n && d < MaxBackoff; i++ {
		d = min(d*2, MaxBackoff)
	}
	return d
}

// outcomes collects per-recipient results from concurrent workers.
type outcomes struct {
	mu  sync.Mutex
	err map[string]error
}

func (o *outcomes) set(addr string, err error) {
	o.mu.Lock()
	o.err[addr] = err
	o.mu.Unlock()
}

func (o *outcomes) get(addr string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err[addr]
}

// SendBulk delivers m to every recipient and returns the final partition.
func (e *Engine) SendBulk(ctx context.Context, recipients []string, m Message, opts Options) Result {
	rcpts := normalize(recipients)
	res := Result{
		CorrelationID: uuid.NewString(),
		Fingerprint:   Fingerprint(m),
		Failed:        map[string]error{},
	}
	if len(rcpts) == 0 {
		return res
	}

	batch := opts.BatchSize
	if batch <= 0 {
		batch = e.cfg.BatchSize
	}
	if opts.Individual {
		batch = 1
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = e.cfg.Workers
	}

	ctx, span := e.tracer.Start(ctx, "delivery.SendBulk", trace.WithAttributes(
		attribute.String("corr_id", res.CorrelationID),
		attribute.String("body_sha", res.Fingerprint),
		attribute.Int("recipients", len(rcpts)),
		attribute.Int("batch_size", batch),
		attribute.Bool("individual", opts.Individual),
	))
	defer span.End()

	log := e.log.With(
		logx.String("corr_id", res.CorrelationID),
		logx.String("body_sha", res.Fingerprint),
	)
	out := &outcomes{err: make(map[string]error, len(rcpts))}

	// Initial pass.
	var g errgroup.Group
	g.SetLimit(workers)
	for _, chunk := range chunks(rcpts, batch) {
		chunk := chunk
		g.Go(func() error {
			for addr, err := range e.attempt(ctx, log, chunk, m, res.CorrelationID, 0) {
				out.set(addr, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	// Retry pass, one recipient per call.
	var failed []string
	for _, r := range rcpts {
		if out.err[r] != nil {
			failed = append(failed, r)
		}
	}
	if len(failed) > 0 && e.cfg.MaxRetries > 0 {
		var rg errgroup.Group
		rg.SetLimit(workers)
		for _, r := range failed {
			r := r
			rg.Go(func() error {
				out.set(r, e.retry(ctx, log, r, m, res.CorrelationID, out.get(r)))
				return nil
			})
		}
		_ = rg.Wait()
	}

	for _, r := range rcpts {
		if err := out.err[r]; err != nil {
			res.Failed[r] = err
		} else {
			res.Sent = append(res.Sent, r)
		}
	}

	span.SetAttributes(attribute.Int("sent", len(res.Sent)), attribute.Int("failed", len(res.Failed)))
	if len(res.Failed) > 0 {
		span.SetStatus(codes.Error, "some recipients failed")
	}
	log.Info("bulk send finished",
		logx.Int("recipients", len(rcpts)),
		logx.Int("sent", len(res.Sent)),
		logx.Int("failed", len(res.Failed)),
	)
	return res
}

// retry re-sends to one recipient up to MaxRetries times, sleeping
// base*2^(k-1) before attempt k. It returns nil on success or the last error.
func (e *Engine) retry(ctx context.Context, log logx.Logger, rcpt string, m Message, corrID string, lastErr error) error {
	for k := 1; k <= e.cfg.MaxRetries; k++ {
		if err := e.sleep(ctx, Backoff(e.cfg.BackoffBase, k)); err != nil {
			log.Warn("retry abandoned", logx.String("rcpt", rcpt), logx.Int("attempt", k), logx.Err(err))
			return lastErr
		}
		err := e.attempt(ctx, log, []string{rcpt}, m, corrID, k)[rcpt]
		if err == nil {
			return nil
		}
		var na *NotAttemptedError
		if errors.As(err, &na) {
			return lastErr
		}
		lastErr = err
	}
	log.Warn("retries exhausted",
		logx.String("rcpt", rcpt),
		logx.Int("retries", e.cfg.MaxRetries),
		logx.Err(lastErr),
	)
	return lastErr
}

// attempt performs one transport call for rcpts and returns a nil or non-nil
// error for each of them.
func (e *Engine) attempt(ctx context.Context, log logx.Logger, rcpts []string, m Message, corrID string, attemptNo int) map[string]error {
	out := make(map[string]error, len(rcpts))
	fail := func(err error) map[string]error {
		for _, r := range rcpts {
			out[r] = err
		}
		log.Warn("delivery attempt failed",
			logx.Strings("rcpt", rcpts),
			logx.Int("attempt", attemptNo),
			logx.Err(err),
		)
		return out
	}

	if err := ctx.Err(); err != nil {
		return fail(&NotAttemptedError{Err: err})
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return fail(&NotAttemptedError{Err: err})
		}
	}
	if strings.TrimSpace(e.cfg.From) == "" {
		return fail(ErrNoSender)
	}
	if e.dialer == nil {
		return fail(&TransportConnectError{Op: "dial", Err: errors.New("no transport configured")})
	}

	raw, err := Compose(e.cfg.From, rcpts, m, e.now(), corrID)
	if err != nil {
		return fail(err)
	}

	log.Debug("delivery attempt",
		logx.Strings("rcpt", rcpts),
		logx.Int("attempt", attemptNo),
	)

	sess, err := e.dialer.Dial(ctx)
	if err != nil {
		return fail(&TransportConnectError{Op: "dial", Err: err})
	}
	rejected, err := sess.Send(ctx, e.cfg.From, rcpts, raw)
	_ = sess.Close()
	if err != nil {
		return fail(&TransportConnectError{Op: "send", Err: err})
	}

	for _, r := range rcpts {
		rej, ok := rejected[r]
		if !ok {
			out[r] = nil
			continue
		}
		out[r] = &RecipientRejected{Recipient: r, Rejection: rej}
		log.Warn("recipient rejected",
			logx.String("rcpt", r),
			logx.Int("attempt", attemptNo),
			logx.Int("code", rej.Code),
			logx.String("reason", rej.Message),
		)
	}
	return out
}

// normalize trims, drops blanks and drops case-insensitive duplicates,
// keeping the first spelling.
func normalize(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		k := strings.ToLower(r)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}

func chunks(in []string, size int) [][]string {
	if size <= 0 {
		size = len(in)
	}
	var out [][]string
	for i := 0; i < len(in); i += size {
		end := i + size
		if end > len(in) {
			end = len(in)
		}
		out = append(out, in[i:end])
	}
	return out
}
