// Package selector decides which recipients are due for a message.
//
// The eligibility rules live in Select and SelectInitial, pure functions over
// a Snapshot. Selector loads that snapshot from a store.
package selector

import (
	"context"
	"fmt"
	"time"

	"chaser/internal/model"
	logx "chaser/pkg/logx"
)

// FactSource reads the externally owned reference facts.
type FactSource interface {
	Recipients(ctx context.Context) ([]model.Recipient, error)
	OwnershipItems(ctx context.Context) ([]model.OwnershipItem, error)
	TerminalActions(ctx context.Context) ([]model.TerminalAction, error)
}

// RecordReader reads the notification ledger.
type RecordReader interface {
	Records(ctx context.Context) ([]model.NotificationRecord, error)
}

// SelectionQueryError means the snapshot could not be loaded. It aborts the
// run before anything is sent.
type SelectionQueryError struct {
	Source string
	Err    error
}

func (e *SelectionQueryError) Error() string {
	return fmt.Sprintf("selection query %s: %v", e.Source, e.Err)
}

func (e *SelectionQueryError) Unwrap() error { return e.Err }

type Selector struct {
	facts     FactSource
	records   RecordReader
	threshold time.Duration
	window    time.Duration
	log       logx.Logger
}

func New(facts FactSource, records RecordReader, reminderThreshold, dedupWindow time.Duration, log logx.Logger) *Selector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Selector{
		facts:     facts,
		records:   records,
		threshold: reminderThreshold,
		window:    dedupWindow,
		log:       log,
	}
}

// Params returns the selection parameters for now.
func (s *Selector) Params(now time.Time) Params {
	return Params{Now: now, ReminderThreshold: s.threshold, DedupWindow: s.window}
}

// Snapshot loads facts and records. Any failure is a SelectionQueryError.
func (s *Selector) Snapshot(ctx context.Context) (Snapshot, error) {
	var (
		snap Snapshot
		err  error
	)
	if snap.Recipients, err = s.facts.Recipients(ctx); err != nil {
		return Snapshot{}, &SelectionQueryError{Source: "recipients", Err: err}
	}
	if snap.Items, err = s.facts.OwnershipItems(ctx); err != nil {
		return Snapshot{}, &SelectionQueryError{Source: "ownership_items", Err: err}
	}
	if snap.Actions, err = s.facts.TerminalActions(ctx); err != nil {
		return Snapshot{}, &SelectionQueryError{Source: "terminal_actions", Err: err}
	}
	if snap.Records, err = s.records.Records(ctx); err != nil {
		return Snapshot{}, &SelectionQueryError{Source: "notification_records", Err: err}
	}
	return snap, nil
}

// SelectDue returns the recipients due for a chase reminder at now.
func (s *Selector) SelectDue(ctx context.Context, now time.Time) ([]model.Candidate, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := Select(snap, s.Params(now))
	s.log.Debug("chase candidates selected",
		logx.Int("recipients", len(snap.Recipients)),
		logx.Int("records", len(snap.Records)),
		logx.Int("due", len(out)),
	)
	return out, nil
}

// SelectInitial returns the recipients still waiting for their first notice.
func (s *Selector) SelectInitial(ctx context.Context, now time.Time) ([]model.Candidate, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := SelectInitial(snap, s.Params(now))
	s.log.Debug("initial candidates selected", logx.Int("due", len(out)))
	return out, nil
}
