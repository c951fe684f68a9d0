package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"chaser/internal/model"
)

// memStore keeps everything in process memory behind one mutex, which makes
// the ledger guard trivially atomic.
//
// The file backend reuses it and journals every mutation through persist.
type memStore struct {
	mu     sync.Mutex
	closed bool

	records []model.NotificationRecord
	nextID  int64

	recipients map[string]model.Recipient
	items      map[string]model.OwnershipItem
	actions    []model.TerminalAction

	// persist is called under mu before a mutation becomes visible.
	// An error aborts the mutation.
	persist func(e journalEntry) error
	onClose func() error
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{
		recipients: map[string]model.Recipient{},
		items:      map[string]model.OwnershipItem{},
	}
}

func (m *memStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.onClose != nil {
		return m.onClose()
	}
	return nil
}

func (m *memStore) InsertAttempt(ctx context.Context, a model.Attempt, window time.Duration) (model.NotificationRecord, bool, error) {
	_ = ctx
	if err := validateAttempt(a); err != nil {
		return model.NotificationRecord{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return model.NotificationRecord{}, false, ErrClosed
	}

	cutoff := a.At.Add(-window)
	maxCount := 0
	for _, r := range m.records {
		if r.OwnershipItemID != a.OwnershipItemID || r.Kind != a.Kind {
			continue
		}
		if window > 0 && r.At.After(cutoff) {
			return model.NotificationRecord{}, false, nil
		}
		if r.ChaseCount > maxCount {
			maxCount = r.ChaseCount
		}
	}

	rec := model.NotificationRecord{
		ID:              m.nextID + 1,
		OwnershipItemID: a.OwnershipItemID,
		At:              a.At.UTC(),
		Kind:            a.Kind,
		Finished:        a.Finished,
		IsError:         a.IsError,
		ChaseCount:      maxCount + 1,
	}
	if m.persist != nil {
		if err := m.persist(journalEntry{Op: opRecord, Record: &rec}); err != nil {
			return model.NotificationRecord{}, false, err
		}
	}
	m.nextID = rec.ID
	m.records = append(m.records, rec)
	return cloneRecord(rec), true, nil
}

func (m *memStore) Records(ctx context.Context) ([]model.NotificationRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]model.NotificationRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, cloneRecord(r))
	}
	return out, nil
}

func (m *memStore) History(ctx context.Context, ownershipItemID string) ([]model.NotificationRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []model.NotificationRecord
	for _, r := range m.records {
		if r.OwnershipItemID == ownershipItemID {
			out = append(out, cloneRecord(r))
		}
	}
	return out, nil
}

func (m *memStore) Lineage(ctx context.Context, ownershipItemID string) (model.Lineage, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return model.Lineage{}, ErrClosed
	}
	ln := model.Lineage{OwnershipItemID: ownershipItemID}
	for _, r := range m.records {
		if r.OwnershipItemID != ownershipItemID {
			continue
		}
		if r.ManagerNotified && !ln.ManagerNotified {
			ln.ManagerNotified = true
			ln.ManagerNotifiedAt = copyTime(r.ManagerNotifiedAt)
		}
		if r.Kind == model.KindChase && r.ChaseCount > ln.ChaseCount {
			ln.ChaseCount = r.ChaseCount
		}
	}
	return ln, nil
}

func (m *memStore) MarkManagerNotified(ctx context.Context, ownershipItemID string, at time.Time) (bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}

	latest := -1
	for i, r := range m.records {
		if r.OwnershipItemID != ownershipItemID {
			continue
		}
		if r.ManagerNotified {
			return false, nil
		}
		if r.Kind != model.KindChase {
			continue
		}
		if latest < 0 || r.ChaseCount >= m.records[latest].ChaseCount {
			latest = i
		}
	}
	if latest < 0 {
		return false, nil
	}

	at = at.UTC()
	if m.persist != nil {
		if err := m.persist(journalEntry{Op: opEscalate, RecordID: m.records[latest].ID, At: &at}); err != nil {
			return false, err
		}
	}
	m.records[latest].ManagerNotified = true
	m.records[latest].ManagerNotifiedAt = &at
	return true, nil
}

func (m *memStore) Recipients(ctx context.Context) ([]model.Recipient, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]model.Recipient, 0, len(m.recipients))
	for _, r := range m.recipients {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) OwnershipItems(ctx context.Context) ([]model.OwnershipItem, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]model.OwnershipItem, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) TerminalActions(ctx context.Context) ([]model.TerminalAction, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return append([]model.TerminalAction(nil), m.actions...), nil
}

func (m *memStore) PutRecipient(ctx context.Context, r model.Recipient) error {
	_ = ctx
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return errors.New("recipient id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.persist != nil {
		if err := m.persist(journalEntry{Op: opRecipient, Recipient: &r}); err != nil {
			return err
		}
	}
	m.recipients[r.ID] = r
	return nil
}

func (m *memStore) PutOwnershipItem(ctx context.Context, it model.OwnershipItem) error {
	_ = ctx
	it.ID = strings.TrimSpace(it.ID)
	if it.ID == "" || strings.TrimSpace(it.RecipientID) == "" {
		return errors.New("ownership item id and recipient id are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.persist != nil {
		if err := m.persist(journalEntry{Op: opItem, Item: &it}); err != nil {
			return err
		}
	}
	m.items[it.ID] = it
	return nil
}

func (m *memStore) PutTerminalAction(ctx context.Context, a model.TerminalAction) error {
	_ = ctx
	if strings.TrimSpace(a.OwnershipItemID) == "" || !a.Kind.Valid() {
		return errors.New("terminal action needs an item id and a known kind")
	}
	if a.At.IsZero() {
		a.At = time.Now()
	}
	a.At = a.At.UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.persist != nil {
		if err := m.persist(journalEntry{Op: opAction, Action: &a}); err != nil {
			return err
		}
	}
	m.actions = append(m.actions, a)
	return nil
}

// applyLocked replays one journal entry without persisting it again.
func (m *memStore) applyLocked(e journalEntry) {
	switch e.Op {
	case opRecord:
		if e.Record == nil {
			return
		}
		m.records = append(m.records, *e.Record)
		if e.Record.ID > m.nextID {
			m.nextID = e.Record.ID
		}
	case opEscalate:
		for i := range m.records {
			if m.records[i].ID == e.RecordID {
				m.records[i].ManagerNotified = true
				m.records[i].ManagerNotifiedAt = copyTime(e.At)
				return
			}
		}
	case opRecipient:
		if e.Recipient != nil {
			m.recipients[e.Recipient.ID] = *e.Recipient
		}
	case opItem:
		if e.Item != nil {
			m.items[e.Item.ID] = *e.Item
		}
	case opAction:
		if e.Action != nil {
			m.actions = append(m.actions, *e.Action)
		}
	}
}

func cloneRecord(r model.NotificationRecord) model.NotificationRecord {
	r.ManagerNotifiedAt = copyTime(r.ManagerNotifiedAt)
	return r
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
