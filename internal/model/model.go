// Package model holds the shared record types of the reminder engine.
//
// Recipients, ownership items and terminal actions are reference facts owned by
// the ingestion side; notification records are owned by the ledger.
package model

import (
	"strings"
	"time"
)

// Kind distinguishes the first notice about an item from later reminders.
type Kind string

const (
	KindInitial Kind = "initial"
	KindChase   Kind = "chase"
)

func (k Kind) Valid() bool { return k == KindInitial || k == KindChase }

// ActionKind is the type of a resolution event recorded against an item.
type ActionKind string

const (
	ActionLabel  ActionKind = "label"
	ActionDelete ActionKind = "delete"
	ActionUser   ActionKind = "user"
)

func (k ActionKind) Valid() bool {
	return k == ActionLabel || k == ActionDelete || k == ActionUser
}

// Recipient is a person who owns remediable assets.
type Recipient struct {
	ID      string `json:"id" yaml:"id" db:"id"`
	Name    string `json:"name" yaml:"name" db:"name"`
	Address string `json:"address" yaml:"address" db:"address"`
	// ManagerAddress receives the one-time escalation. Empty disables the message
	// but not the ledger transition.
	ManagerAddress string `json:"manager_address,omitempty" yaml:"manager_address" db:"manager_address"`
}

// ContactAddress returns the trimmed address; empty means unreachable.
func (r Recipient) ContactAddress() string { return strings.TrimSpace(r.Address) }

// DisplayName falls back to "User" like the legacy reports did.
func (r Recipient) DisplayName() string {
	if n := strings.TrimSpace(r.Name); n != "" {
		return n
	}
	return "User"
}

// OwnershipItem links a recipient to one remediated asset.
type OwnershipItem struct {
	ID          string `json:"id" yaml:"id" db:"id"`
	RecipientID string `json:"recipient_id" yaml:"recipient_id" db:"recipient_id"`
	AssetID     string `json:"asset_id" yaml:"asset_id" db:"asset_id"`
}

// TerminalAction marks an item as resolved. Only its presence matters.
type TerminalAction struct {
	OwnershipItemID string     `json:"ownership_item_id" yaml:"ownership_item_id" db:"ownership_item_id"`
	Kind            ActionKind `json:"kind" yaml:"kind" db:"kind"`
	At              time.Time  `json:"at" yaml:"at" db:"-"`
}

// NotificationRecord is one ledger row: a single delivery attempt.
type NotificationRecord struct {
	ID                int64      `json:"id"`
	OwnershipItemID   string     `json:"ownership_item_id"`
	At                time.Time  `json:"at"`
	Kind              Kind       `json:"kind"`
	Finished          bool       `json:"finished"`
	IsError           bool       `json:"is_error"`
	ChaseCount        int        `json:"chase_count"`
	ManagerNotified   bool       `json:"manager_notified"`
	ManagerNotifiedAt *time.Time `json:"manager_notified_at,omitempty"`
}

// Succeeded reports a finished, non-error attempt.
func (r NotificationRecord) Succeeded() bool { return r.Finished && !r.IsError }

// Attempt is the input of a guarded ledger insert.
type Attempt struct {
	OwnershipItemID string
	Kind            Kind
	At              time.Time
	Finished        bool
	IsError         bool
}

// Candidate is a recipient due for a message, with the context used to
// compose it and to write outcomes back per item.
type Candidate struct {
	Recipient             Recipient `json:"recipient"`
	PendingItemCount      int       `json:"pending_item_count"`
	ItemIDs               []string  `json:"item_ids"`
	LastSuccessfulInitial time.Time `json:"last_successful_initial"`
	TotalChaseCount       int       `json:"total_chase_count"`
}

// RunSummary is returned from every run for orchestration and monitoring.
type RunSummary struct {
	RunID               string    `json:"run_id"`
	StartedAt           time.Time `json:"started_at"`
	FinishedAt          time.Time `json:"finished_at"`
	RecipientsEvaluated int       `json:"recipients_evaluated"`
	Sent                int       `json:"sent"`
	Failed              int       `json:"failed"`
	Escalated           int       `json:"escalated"`
	InitialSent         int       `json:"initial_sent,omitempty"`
	InitialFailed       int       `json:"initial_failed,omitempty"`
	LedgerErrors        int       `json:"ledger_errors,omitempty"`
	Deferred            int       `json:"deferred,omitempty"`
	Interrupted         bool      `json:"interrupted,omitempty"`
	Skipped             bool      `json:"skipped,omitempty"`
	SkipReason          string    `json:"skip_reason,omitempty"`
	Error               string    `json:"error,omitempty"`
}

// Lineage is the escalation-relevant view of one item's chase history.
type Lineage struct {
	OwnershipItemID   string     `json:"ownership_item_id"`
	ChaseCount        int        `json:"chase_count"`
	ManagerNotified   bool       `json:"manager_notified"`
	ManagerNotifiedAt *time.Time `json:"manager_notified_at,omitempty"`
}
