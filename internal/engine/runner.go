// Package engine runs one notification cycle: select, deliver, record,
// escalate.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chaser/internal/delivery"
	"chaser/internal/escalation"
	"chaser/internal/ledger"
	"chaser/internal/model"
	"chaser/internal/selector"
	logx "chaser/pkg/logx"
)

// ErrRunInProgress is returned when RunOnce is called while another run of
// the same Runner is still going.
var ErrRunInProgress = errors.New("run already in progress")

// Snapshotter loads the selection input.
type Snapshotter interface {
	Snapshot(ctx context.Context) (selector.Snapshot, error)
	Params(now time.Time) selector.Params
}

// Sender delivers one message to many recipients.
type Sender interface {
	SendBulk(ctx context.Context, recipients []string, m delivery.Message, opts delivery.Options) delivery.Result
}

// Recorder writes attempt outcomes to the ledger.
type Recorder interface {
	Record(ctx context.Context, ownershipItemID string, kind model.Kind, finished, isError bool) (model.NotificationRecord, bool, error)
}

// Escalator evaluates one item lineage.
type Escalator interface {
	Evaluate(ctx context.Context, ownershipItemID string) (escalation.Decision, error)
}

// Config is the per-run behavior.
type Config struct {
	Environment     string
	EnvironmentGate string
	InitialNotices  bool
	Timeout         time.Duration

	BatchSize  int
	Individual bool
	Workers    int

	Templates Templates
}

type Runner struct {
	cfg      Config
	selector Snapshotter
	sender   Sender
	ledger   Recorder
	policy   Escalator
	now      func() time.Time
	log      logx.Logger
	tracer   trace.Tracer

	running atomic.Bool
	mu      sync.RWMutex
	last    *model.RunSummary
}

type Option func(*Runner)

func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(r *Runner) { r.log = log } }

func New(cfg Config, sel Snapshotter, sender Sender, led Recorder, pol Escalator, opts ...Option) *Runner {
	r := &Runner{
		cfg:      cfg,
		selector: sel,
		sender:   sender,
		ledger:   led,
		policy:   pol,
		now:      time.Now,
		tracer:   otel.Tracer("chaser/engine"),
	}
	for _, o := range opts {
		o(r)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	r.log = r.log.Component("engine")
	return r
}

// Running reports whether a run is in flight.
func (r *Runner) Running() bool { return r.running.Load() }

// LastRun returns the summary of the most recent finished run.
func (r *Runner) LastRun() (model.RunSummary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return model.RunSummary{}, false
	}
	return *r.last, true
}

// Preview returns what a run at now would target, without sending.
func (r *Runner) Preview(ctx context.Context, now time.Time) (due, initial []model.Candidate, err error) {
	snap, err := r.selector.Snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}
	p := r.selector.Params(now)
	due = selector.Select(snap, p)
	if r.cfg.InitialNotices {
		initial = selector.SelectInitial(snap, p)
	}
	return due, initial, nil
}

// RunOnce performs one cycle. The summary is always returned; err is set
// only when the run could not start (in progress) or selection failed.
func (r *Runner) RunOnce(ctx context.Context) (model.RunSummary, error) {
	if !r.running.CompareAndSwap(false, true) {
		return model.RunSummary{}, ErrRunInProgress
	}
	defer r.running.Store(false)

	sum := model.RunSummary{RunID: uuid.NewString(), StartedAt: r.now().UTC()}
	log := r.log.With(logx.String("run_id", sum.RunID))

	ctx, span := r.tracer.Start(ctx, "engine.run", trace.WithAttributes(attribute.String("run.id", sum.RunID)))
	defer span.End()

	err := r.run(ctx, log, &sum)
	sum.FinishedAt = r.now().UTC()
	if err != nil {
		sum.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "run failed")
		log.Error("run aborted", logx.Err(err))
	} else {
		span.SetAttributes(
			attribute.Bool("run.skipped", sum.Skipped),
			attribute.Int("run.sent", sum.Sent),
			attribute.Int("run.failed", sum.Failed),
			attribute.Int("run.escalated", sum.Escalated),
		)
		log.Info("run finished",
			logx.Bool("skipped", sum.Skipped),
			logx.Int("evaluated", sum.RecipientsEvaluated),
			logx.Int("sent", sum.Sent),
			logx.Int("failed", sum.Failed),
			logx.Int("initial_sent", sum.InitialSent),
			logx.Int("initial_failed", sum.InitialFailed),
			logx.Int("escalated", sum.Escalated),
			logx.Int("ledger_errors", sum.LedgerErrors),
			logx.Int("deferred", sum.Deferred),
			logx.Duration("took", sum.FinishedAt.Sub(sum.StartedAt)),
		)
	}

	r.mu.Lock()
	cp := sum
	r.last = &cp
	r.mu.Unlock()
	return sum, err
}

func (r *Runner) run(ctx context.Context, log logx.Logger, sum *model.RunSummary) error {
	if gate := strings.TrimSpace(r.cfg.EnvironmentGate); gate != "" && !strings.EqualFold(strings.TrimSpace(r.cfg.Environment), gate) {
		sum.Skipped = true
		sum.SkipReason = fmt.Sprintf("environment %q does not match gate %q", r.cfg.Environment, gate)
		log.Info("run skipped", logx.String("reason", sum.SkipReason))
		return nil
	}
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	snap, err := r.selector.Snapshot(ctx)
	if err != nil {
		return err
	}
	params := r.selector.Params(sum.StartedAt)

	if r.cfg.InitialNotices {
		initial := selector.SelectInitial(snap, params)
		sum.RecipientsEvaluated += len(initial)
		out := r.deliver(ctx, log, initial, model.KindInitial, r.cfg.Templates.Initial)
		sum.InitialSent += out.sent
		sum.InitialFailed += out.failed
		sum.Deferred += out.deferred
		sum.LedgerErrors += out.ledgerErrs
	}

	due := selector.Select(snap, params)
	sum.RecipientsEvaluated += len(due)
	out := r.deliver(ctx, log, due, model.KindChase, r.cfg.Templates.Chase)
	sum.Sent += out.sent
	sum.Failed += out.failed
	sum.Deferred += out.deferred
	sum.LedgerErrors += out.ledgerErrs

	// An interrupted run leaves the rest to the next run, which selects
	// afresh.
	if err := ctx.Err(); err != nil {
		sum.Interrupted = true
		log.Warn("run interrupted; escalation skipped",
			logx.Int("deferred", sum.Deferred),
			logx.Err(err),
		)
		return nil
	}

	for _, c := range due {
		if r.escalate(ctx, log, c) {
			sum.Escalated++
		}
	}
	return nil
}

type passCounts struct {
	sent, failed, deferred, ledgerErrs int
}

// deliver sends one composed message per candidate (grouping identical
// messages into one SendBulk call) and records the outcome for every item.
// Candidates the transport never saw are counted as deferred and get no
// record.
func (r *Runner) deliver(ctx context.Context, log logx.Logger, cands []model.Candidate, kind model.Kind, compose func(model.Candidate) delivery.Message) passCounts {
	var out passCounts
	if len(cands) == 0 {
		return out
	}
	type group struct {
		msg   delivery.Message
		cands []model.Candidate
	}
	var groups []*group
	index := map[delivery.Message]*group{}
	for _, c := range cands {
		m := compose(c)
		g, ok := index[m]
		if !ok {
			g = &group{msg: m}
			index[m] = g
			groups = append(groups, g)
		}
		g.cands = append(g.cands, c)
	}

	opts := delivery.Options{BatchSize: r.cfg.BatchSize, Individual: r.cfg.Individual, Workers: r.cfg.Workers}
	// Outcomes of messages that went out are recorded even if the run was
	// cancelled meanwhile.
	wctx := context.WithoutCancel(ctx)
	for _, g := range groups {
		addrs := make([]string, 0, len(g.cands))
		for _, c := range g.cands {
			addrs = append(addrs, c.Recipient.ContactAddress())
		}
		res := r.sender.SendBulk(ctx, addrs, g.msg, opts)

		for _, c := range g.cands {
			addr := c.Recipient.ContactAddress()
			ok := res.IsSent(addr)
			switch {
			case ok:
				out.sent++
			case !res.Attempted(addr):
				out.deferred++
				log.Info("delivery not attempted; left for next run",
					logx.String("recipient", c.Recipient.ID),
					logx.String("kind", string(kind)),
					logx.Err(failureFor(res, addr)),
				)
				continue
			default:
				out.failed++
				log.Warn("delivery failed",
					logx.String("recipient", c.Recipient.ID),
					logx.String("kind", string(kind)),
					logx.Err(failureFor(res, addr)),
				)
			}
			for _, id := range c.ItemIDs {
				if _, _, err := r.ledger.Record(wctx, id, kind, true, !ok); err != nil {
					out.ledgerErrs++
					log.Error("ledger write failed", logx.String("item", id), logx.Err(err))
				}
			}
		}
	}
	return out
}

// escalate evaluates every item of c and sends one manager message when at
// least one of them fired now. It reports whether anything fired.
//
// The transition is committed before the message is sent and is never
// undone, so a failed manager message is not retried by later runs. The
// failure is logged at error level with the run id and item ids for manual
// follow-up.
func (r *Runner) escalate(ctx context.Context, log logx.Logger, c model.Candidate) bool {
	var firedIDs []string
	fired, chases := 0, 0
	for _, id := range c.ItemIDs {
		d, err := r.policy.Evaluate(ctx, id)
		if err != nil {
			var we *escalation.EscalationWriteError
			if errors.As(err, &we) {
				log.Warn("escalation deferred to next run", logx.String("item", id), logx.Err(err))
			} else {
				log.Error("escalation failed", logx.String("item", id), logx.Err(err))
			}
			continue
		}
		if d.Fired {
			fired++
			firedIDs = append(firedIDs, id)
			chases = max(chases, d.ChaseCount)
		}
	}
	if fired == 0 {
		return false
	}

	mgr := strings.TrimSpace(c.Recipient.ManagerAddress)
	if mgr == "" {
		log.Info("escalation recorded without manager address", logx.String("recipient", c.Recipient.ID), logx.Int("items", fired))
		return true
	}
	msg := r.cfg.Templates.Manager(c, fired, chases)
	res := r.sender.SendBulk(ctx, []string{mgr}, msg, delivery.Options{Individual: true})
	if !res.IsSent(mgr) {
		log.Error("manager notification failed; escalation will not be retried",
			logx.String("recipient", c.Recipient.ID),
			logx.String("manager", mgr),
			logx.Strings("items", firedIDs),
			logx.Err(failureFor(res, mgr)),
		)
	} else {
		log.Info("manager notified", logx.String("recipient", c.Recipient.ID), logx.Int("items", fired))
	}
	return true
}

func failureFor(res delivery.Result, addr string) error {
	for k, err := range res.Failed {
		if strings.EqualFold(k, addr) {
			return err
		}
	}
	return errors.New("not delivered")
}

var (
	_ Snapshotter = (*selector.Selector)(nil)
	_ Recorder    = (*ledger.Ledger)(nil)
	_ Escalator   = (*escalation.Policy)(nil)
	_ Sender      = (*delivery.Engine)(nil)
)
