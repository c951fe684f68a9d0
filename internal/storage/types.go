package storage

import (
	"context"
	"errors"
	"time"

	"chaser/internal/model"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local store (tests, dry runs)
//   - "file": memory store + append-only JSON Lines journal at Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL via DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means default
}

// Store is the full persistence surface used by the engine: the notification
// ledger, the escalation flag and the reference facts the selector reads.
type Store interface {
	// Ledger. InsertAttempt assigns chase_count as 1 + the item's maximum for
	// that kind whether or not the attempt failed, so undeliverable addresses
	// still reach the escalation threshold.
	InsertAttempt(ctx context.Context, a model.Attempt, window time.Duration) (model.NotificationRecord, bool, error)
	Records(ctx context.Context) ([]model.NotificationRecord, error)
	History(ctx context.Context, ownershipItemID string) ([]model.NotificationRecord, error)

	// Escalation.
	Lineage(ctx context.Context, ownershipItemID string) (model.Lineage, error)
	MarkManagerNotified(ctx context.Context, ownershipItemID string, at time.Time) (bool, error)

	// Facts.
	Recipients(ctx context.Context) ([]model.Recipient, error)
	OwnershipItems(ctx context.Context) ([]model.OwnershipItem, error)
	TerminalActions(ctx context.Context) ([]model.TerminalAction, error)
	PutRecipient(ctx context.Context, r model.Recipient) error
	PutOwnershipItem(ctx context.Context, it model.OwnershipItem) error
	PutTerminalAction(ctx context.Context, a model.TerminalAction) error

	Close() error
}

func validateAttempt(a model.Attempt) error {
	if a.OwnershipItemID == "" {
		return errors.New("ownership item id is required")
	}
	if !a.Kind.Valid() {
		return errors.New("unknown notification kind: " + string(a.Kind))
	}
	if a.At.IsZero() {
		return errors.New("attempt time is required")
	}
	return nil
}
