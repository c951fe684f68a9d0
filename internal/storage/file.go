package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chaser/internal/model"
	logx "chaser/pkg/logx"
)

const (
	opRecord    = "record"
	opEscalate  = "escalate"
	opRecipient = "recipient"
	opItem      = "item"
	opAction    = "action"
)

// journalEntry is one line of the file backend's journal.
type journalEntry struct {
	Op        string                    `json:"op"`
	Record    *model.NotificationRecord `json:"record,omitempty"`
	RecordID  int64                     `json:"record_id,omitempty"`
	At        *time.Time                `json:"at,omitempty"`
	Recipient *model.Recipient          `json:"recipient,omitempty"`
	Item      *model.OwnershipItem      `json:"item,omitempty"`
	Action    *model.TerminalAction     `json:"action,omitempty"`
}

// openFile builds a dependency-free persistence backend.
//
// Files:
//   - <prefix>.ledger.jsonl (append-only JSON Lines journal)
//
// The journal is replayed into a memStore on open and never compacted:
// the ledger is an audit trail.
func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	journalPath := filepath.Join(dir, base) + ".ledger.jsonl"

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	m := newMemStore()
	replayed, skipped, err := replayJournal(journalPath, m)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("skipped malformed journal lines", logx.String("path", journalPath), logx.Int("skipped", skipped))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	if err := terminateTornLine(jf); err != nil {
		_ = jf.Close()
		return nil, err
	}
	enc := json.NewEncoder(jf)
	m.persist = func(e journalEntry) error {
		if err := enc.Encode(e); err != nil {
			return err
		}
		return jf.Sync()
	}
	m.onClose = jf.Close

	log.Debug("file store opened", logx.String("path", journalPath), logx.Int("entries", replayed))
	return m, nil
}

func replayJournal(path string, m *memStore) (replayed, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	m.mu.Lock()
	defer m.mu.Unlock()

	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for s.Scan() {
		line := s.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var e journalEntry
		if err := json.Unmarshal(line, &e); err != nil || e.Op == "" {
			skipped++
			continue
		}
		m.applyLocked(e)
		replayed++
	}
	return replayed, skipped, s.Err()
}

// terminateTornLine appends a newline when a crash left the last entry
// unterminated, so the next entry starts on its own line.
func terminateTornLine(f *os.File) error {
	st, err := f.Stat()
	if err != nil || st.Size() == 0 {
		return err
	}
	r, err := os.Open(f.Name())
	if err != nil {
		return err
	}
	defer r.Close()
	last := make([]byte, 1)
	if _, err := r.ReadAt(last, st.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.Write([]byte{'\n'})
	return err
}
