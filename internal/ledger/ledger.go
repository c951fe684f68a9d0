// Package ledger records delivery attempts in an append-only, idempotent store.
//
// Every write goes through a guard: a second attempt of the same kind for the
// same ownership item inside the dedup window is skipped, so overlapping or
// retried runs never double-count. The guard and the insert are one atomic
// unit in every Store implementation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chaser/internal/model"
	logx "chaser/pkg/logx"
)

// DefaultDedupWindow is the minimum spacing between two recorded attempts of
// the same kind for the same item.
const DefaultDedupWindow = 24 * time.Hour

var ErrInvalidAttempt = errors.New("invalid attempt")

// Store is the persistence contract the ledger needs.
//
// InsertAttempt must evaluate "no (item, kind) record newer than at-window"
// and the insert atomically against concurrent writers. On insert the stored
// ChaseCount is 1 + max(existing ChaseCount for item and kind).
type Store interface {
	InsertAttempt(ctx context.Context, a model.Attempt, window time.Duration) (model.NotificationRecord, bool, error)
	Records(ctx context.Context) ([]model.NotificationRecord, error)
	History(ctx context.Context, ownershipItemID string) ([]model.NotificationRecord, error)
}

// LedgerWriteError reports an attempt that could not be recorded. The run
// logs it and moves on; the attempt stays unrecorded for later reconciliation.
type LedgerWriteError struct {
	OwnershipItemID string
	Kind            model.Kind
	Err             error
}

func (e *LedgerWriteError) Error() string {
	return fmt.Sprintf("ledger write %s/%s: %v", e.OwnershipItemID, e.Kind, e.Err)
}

func (e *LedgerWriteError) Unwrap() error { return e.Err }

// Ledger is the component façade over a Store.
type Ledger struct {
	store  Store
	window time.Duration
	now    func() time.Time
	log    logx.Logger
}

type Option func(*Ledger)

// WithClock overrides time.Now (tests, replay tooling).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(l *Ledger) { l.log = log } }

// New wires a ledger. A negative window is treated as zero (guard disabled).
func New(store Store, window time.Duration, opts ...Option) *Ledger {
	if window < 0 {
		window = 0
	}
	l := &Ledger{store: store, window: window, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	if l.log.IsZero() {
		l.log = logx.Nop()
	}
	return l
}

// Window returns the configured dedup window.
func (l *Ledger) Window() time.Duration { return l.window }

// RecordAttempt appends one attempt unless the guard finds a record of the
// same (item, kind) inside the dedup window. inserted=false is not an error.
//
// Failed attempts bump ChaseCount exactly like successful ones.
func (l *Ledger) RecordAttempt(ctx context.Context, ownershipItemID string, kind model.Kind, finished, isError bool) (bool, error) {
	_, inserted, err := l.Record(ctx, ownershipItemID, kind, finished, isError)
	return inserted, err
}

// Record is RecordAttempt returning the stored row on insert.
func (l *Ledger) Record(ctx context.Context, ownershipItemID string, kind model.Kind, finished, isError bool) (model.NotificationRecord, bool, error) {
	id := strings.TrimSpace(ownershipItemID)
	if id == "" || !kind.Valid() {
		return model.NotificationRecord{}, false, &LedgerWriteError{OwnershipItemID: ownershipItemID, Kind: kind, Err: ErrInvalidAttempt}
	}
	if l.store == nil {
		return model.NotificationRecord{}, false, &LedgerWriteError{OwnershipItemID: id, Kind: kind, Err: errors.New("ledger store not configured")}
	}

	a := model.Attempt{
		OwnershipItemID: id,
		Kind:            kind,
		At:              l.now().UTC(),
		Finished:        finished,
		IsError:         isError,
	}
	rec, inserted, err := l.store.InsertAttempt(ctx, a, l.window)
	if err != nil {
		return model.NotificationRecord{}, false, &LedgerWriteError{OwnershipItemID: id, Kind: kind, Err: err}
	}
	if !inserted {
		l.log.Debug("attempt deduplicated",
			logx.String("item", id),
			logx.String("kind", string(kind)),
			logx.Duration("window", l.window),
		)
		return model.NotificationRecord{}, false, nil
	}
	l.log.Debug("attempt recorded",
		logx.String("item", id),
		logx.String("kind", string(kind)),
		logx.Bool("error", isError),
		logx.Int("chase_count", rec.ChaseCount),
	)
	return rec, true, nil
}

// Records returns every stored record (selection snapshots).
func (l *Ledger) Records(ctx context.Context) ([]model.NotificationRecord, error) {
	if l.store == nil {
		return nil, errors.New("ledger store not configured")
	}
	return l.store.Records(ctx)
}

// History returns one item's records in insertion order.
func (l *Ledger) History(ctx context.Context, ownershipItemID string) ([]model.NotificationRecord, error) {
	if l.store == nil {
		return nil, errors.New("ledger store not configured")
	}
	return l.store.History(ctx, strings.TrimSpace(ownershipItemID))
}
