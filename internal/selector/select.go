package selector

import (
	"sort"
	"strings"
	"time"

	"chaser/internal/model"
)

// Params are the temporal inputs of one selection.
type Params struct {
	Now               time.Time
	ReminderThreshold time.Duration
	DedupWindow       time.Duration
}

// Snapshot is an immutable view of the facts and the ledger at selection time.
type Snapshot struct {
	Recipients []model.Recipient
	Items      []model.OwnershipItem
	Actions    []model.TerminalAction
	Records    []model.NotificationRecord
}

// itemState is the per-item digest of the ledger.
type itemState struct {
	lastInitial     time.Time // latest finished, non-error initial record
	hasInitial      bool
	initialInWindow bool // any initial attempt inside the dedup window
	chaseInWindow   bool
	maxChase        int
	terminal        bool
}

func digest(s Snapshot, p Params) map[string]*itemState {
	states := make(map[string]*itemState, len(s.Items))
	get := func(id string) *itemState {
		st := states[id]
		if st == nil {
			st = &itemState{}
			states[id] = st
		}
		return st
	}

	cutoff := p.Now.Add(-p.DedupWindow)
	inWindow := func(at time.Time) bool {
		return p.DedupWindow > 0 && at.After(cutoff)
	}

	for _, r := range s.Records {
		st := get(r.OwnershipItemID)
		switch r.Kind {
		case model.KindInitial:
			if inWindow(r.At) {
				st.initialInWindow = true
			}
			if r.Succeeded() && (!st.hasInitial || r.At.After(st.lastInitial)) {
				st.lastInitial = r.At
				st.hasInitial = true
			}
		case model.KindChase:
			if inWindow(r.At) {
				st.chaseInWindow = true
			}
			if r.ChaseCount > st.maxChase {
				st.maxChase = r.ChaseCount
			}
		}
	}
	for _, a := range s.Actions {
		get(a.OwnershipItemID).terminal = true
	}
	return states
}

// qualifier decides whether a non-terminal item counts toward its recipient.
type qualifier func(st *itemState) bool

// Select returns the recipients due for a chase reminder.
//
// A recipient is due when at least one of its items has a successful initial
// notice at or before Now-ReminderThreshold and no chase inside the dedup
// window, none of its items carries a terminal action, and its trimmed
// address is non-empty. The result is sorted by address.
func Select(s Snapshot, p Params) []model.Candidate {
	due := p.Now.Add(-p.ReminderThreshold)
	return collect(s, p, func(st *itemState) bool {
		return st.hasInitial && !st.lastInitial.After(due) && !st.chaseInWindow
	})
}

// SelectInitial returns the recipients with items that never got a successful
// initial notice and have no initial attempt inside the dedup window.
func SelectInitial(s Snapshot, p Params) []model.Candidate {
	return collect(s, p, func(st *itemState) bool {
		return !st.hasInitial && !st.initialInWindow
	})
}

func collect(s Snapshot, p Params, qualifies qualifier) []model.Candidate {
	states := digest(s, p)
	empty := &itemState{}

	byRecipient := make(map[string][]model.OwnershipItem)
	for _, it := range s.Items {
		byRecipient[it.RecipientID] = append(byRecipient[it.RecipientID], it)
	}

	var out []model.Candidate
	for _, r := range s.Recipients {
		if r.ContactAddress() == "" {
			continue
		}
		items := byRecipient[r.ID]
		if len(items) == 0 {
			continue
		}

		var (
			c        = model.Candidate{Recipient: r}
			excluded bool
		)
		for _, it := range items {
			st := states[it.ID]
			if st == nil {
				st = empty
			}
			if st.terminal {
				excluded = true
				break
			}
			if st.maxChase > c.TotalChaseCount {
				c.TotalChaseCount = st.maxChase
			}
			if !qualifies(st) {
				continue
			}
			c.ItemIDs = append(c.ItemIDs, it.ID)
			if st.lastInitial.After(c.LastSuccessfulInitial) {
				c.LastSuccessfulInitial = st.lastInitial
			}
		}
		if excluded || len(c.ItemIDs) == 0 {
			continue
		}
		sort.Strings(c.ItemIDs)
		c.PendingItemCount = len(c.ItemIDs)
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		ai := strings.ToLower(out[i].Recipient.ContactAddress())
		aj := strings.ToLower(out[j].Recipient.ContactAddress())
		if ai != aj {
			return ai < aj
		}
		return out[i].Recipient.ID < out[j].Recipient.ID
	})
	return out
}
