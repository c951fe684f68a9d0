// Package escalation decides when a manager is told about an unresponsive
// recipient.
//
// Each ownership item lineage moves Unnotified → Chasing(n) → Escalated. The
// last step fires once, the first time n exceeds the threshold, and is
// recorded on the ledger so that later evaluations are no-ops.
package escalation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chaser/internal/model"
	logx "chaser/pkg/logx"
)

const DefaultThreshold = 2

type State int

const (
	Unnotified State = iota
	Chasing
	Escalated
)

func (s State) String() string {
	switch s {
	case Unnotified:
		return "unnotified"
	case Chasing:
		return "chasing"
	case Escalated:
		return "escalated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Store is the slice of the ledger the policy reads and flags.
//
// MarkManagerNotified must set the flag on the lineage's latest chase record
// only if no record of the item is flagged yet, and report whether it did.
type Store interface {
	Lineage(ctx context.Context, ownershipItemID string) (model.Lineage, error)
	MarkManagerNotified(ctx context.Context, ownershipItemID string, at time.Time) (bool, error)
}

// EscalationWriteError is logged by the runner; the next run re-evaluates.
type EscalationWriteError struct {
	OwnershipItemID string
	Err             error
}

func (e *EscalationWriteError) Error() string {
	return fmt.Sprintf("escalation %s: %v", e.OwnershipItemID, e.Err)
}

func (e *EscalationWriteError) Unwrap() error { return e.Err }

// Decision is the outcome of one evaluation. Fired is true only for the call
// that performed the transition.
type Decision struct {
	OwnershipItemID string
	State           State
	ChaseCount      int
	Fired           bool
	NotifiedAt      *time.Time
}

// StateOf classifies a lineage without side effects.
func StateOf(ln model.Lineage) State {
	switch {
	case ln.ManagerNotified:
		return Escalated
	case ln.ChaseCount == 0:
		return Unnotified
	default:
		return Chasing
	}
}

// Due reports whether a lineage should escalate now.
func Due(ln model.Lineage, threshold int) bool {
	return !ln.ManagerNotified && ln.ChaseCount > threshold
}

type Policy struct {
	store     Store
	threshold int
	now       func() time.Time
	log       logx.Logger
}

type Option func(*Policy)

func WithClock(now func() time.Time) Option {
	return func(p *Policy) {
		if now != nil {
			p.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(p *Policy) { p.log = log } }

// New builds a policy. A threshold below 1 falls back to DefaultThreshold.
func New(store Store, threshold int, opts ...Option) *Policy {
	if threshold < 1 {
		threshold = DefaultThreshold
	}
	p := &Policy{store: store, threshold: threshold, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	return p
}

func (p *Policy) Threshold() int { return p.threshold }

// Evaluate reads the item's lineage and escalates it if due.
func (p *Policy) Evaluate(ctx context.Context, ownershipItemID string) (Decision, error) {
	id := strings.TrimSpace(ownershipItemID)
	d := Decision{OwnershipItemID: id}

	ln, err := p.store.Lineage(ctx, id)
	if err != nil {
		return d, &EscalationWriteError{OwnershipItemID: id, Err: fmt.Errorf("reading lineage: %w", err)}
	}
	d.ChaseCount = ln.ChaseCount
	d.State = StateOf(ln)
	d.NotifiedAt = ln.ManagerNotifiedAt
	if !Due(ln, p.threshold) {
		return d, nil
	}

	at := p.now().UTC()
	ok, err := p.store.MarkManagerNotified(ctx, id, at)
	if err != nil {
		return d, &EscalationWriteError{OwnershipItemID: id, Err: err}
	}
	d.State = Escalated
	if !ok {
		// Another writer won the transition.
		p.log.Debug("escalation already recorded", logx.String("item", id))
		return d, nil
	}
	d.Fired = true
	d.NotifiedAt = &at
	p.log.Info("escalation fired",
		logx.String("item", id),
		logx.Int("chase_count", ln.ChaseCount),
		logx.Int("threshold", p.threshold),
	)
	return d, nil
}
