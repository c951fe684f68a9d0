package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chaser/internal/model"
	logx "chaser/pkg/logx"
)

var base = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

type opener func(t *testing.T) Store

func openers() map[string]opener {
	return map[string]opener{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"file": func(t *testing.T) Store {
			st, err := Open(context.Background(), Config{Driver: "file", Path: filepath.Join(t.TempDir(), "chaser.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open file store: %v", err)
			}
			return st
		},
		"sqlite": func(t *testing.T) Store {
			st, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "chaser.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite store: %v", err)
			}
			return st
		},
	}
}

// postgresDSNEnv points the shared store tests at a live server.
const postgresDSNEnv = "CHASER_TEST_POSTGRES_DSN"

func forEachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	t.Run("postgres", func(t *testing.T) {
		dsn := os.Getenv(postgresDSNEnv)
		if dsn == "" {
			t.Skipf("%s not set", postgresDSNEnv)
		}
		st, err := Open(context.Background(), Config{Driver: "postgres", DSN: dsn}, logx.Nop())
		if err != nil {
			t.Fatalf("open postgres store: %v", err)
		}
		defer st.Close()
		fn(t, st)
	})
	for name, open := range openers() {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			st := open(t)
			defer st.Close()
			fn(t, st)
		})
	}
}

// uniqueID keeps the postgres run isolated from earlier test data.
func uniqueID(t *testing.T, id string) string {
	return t.Name() + "/" + id + "/" + time.Now().Format("150405.000000000")
}

func attempt(id string, kind model.Kind, at time.Time, isError bool) model.Attempt {
	return model.Attempt{OwnershipItemID: id, Kind: kind, At: at, Finished: true, IsError: isError}
}

func TestInsertAttemptGuard(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		id := uniqueID(t, "item")
		window := 24 * time.Hour

		rec, ok, err := st.InsertAttempt(ctx, attempt(id, model.KindChase, base, false), window)
		if err != nil || !ok {
			t.Fatalf("first insert: ok=%v err=%v", ok, err)
		}
		if rec.ChaseCount != 1 {
			t.Fatalf("ChaseCount = %d, want 1", rec.ChaseCount)
		}
		if !rec.At.Equal(base) {
			t.Fatalf("At = %v, want %v", rec.At, base)
		}

		_, ok, err = st.InsertAttempt(ctx, attempt(id, model.KindChase, base.Add(time.Hour), false), window)
		if err != nil {
			t.Fatalf("second insert: %v", err)
		}
		if ok {
			t.Fatalf("attempt inside the window was inserted")
		}

		// Initial and chase keys are independent.
		rec, ok, err = st.InsertAttempt(ctx, attempt(id, model.KindInitial, base.Add(time.Hour), false), window)
		if err != nil || !ok {
			t.Fatalf("initial insert: ok=%v err=%v", ok, err)
		}
		if rec.ChaseCount != 1 {
			t.Fatalf("initial ChaseCount = %d, want 1", rec.ChaseCount)
		}

		rec, ok, err = st.InsertAttempt(ctx, attempt(id, model.KindChase, base.Add(25*time.Hour), true), window)
		if err != nil || !ok {
			t.Fatalf("insert after window: ok=%v err=%v", ok, err)
		}
		if rec.ChaseCount != 2 || !rec.IsError {
			t.Fatalf("unexpected record after window: %+v", rec)
		}

		hist, err := st.History(ctx, id)
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(hist) != 3 {
			t.Fatalf("History len = %d, want 3", len(hist))
		}
		if hist[0].ID >= hist[1].ID || hist[1].ID >= hist[2].ID {
			t.Fatalf("history not in insertion order: %+v", hist)
		}
	})
}

func TestInsertAttemptStoresEveryField(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		id := uniqueID(t, "fields")
		at := base.Add(90 * time.Minute)

		rec, ok, err := st.InsertAttempt(ctx, model.Attempt{OwnershipItemID: id, Kind: model.KindChase, At: at, Finished: false, IsError: true}, time.Hour)
		if err != nil || !ok {
			t.Fatalf("InsertAttempt = %v, %v", ok, err)
		}
		if rec.OwnershipItemID != id || rec.Kind != model.KindChase || !rec.At.Equal(at) ||
			rec.Finished || !rec.IsError || rec.ChaseCount != 1 || rec.ManagerNotified {
			t.Fatalf("inserted record = %+v", rec)
		}

		h, err := st.History(ctx, id)
		if err != nil || len(h) != 1 {
			t.Fatalf("History = %+v, %v", h, err)
		}
		if !h[0].At.Equal(at) || h[0].Finished || !h[0].IsError {
			t.Fatalf("stored record = %+v", h[0])
		}
	})
}

func TestInsertAttemptZeroWindow(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		id := uniqueID(t, "item")
		for i := 1; i <= 3; i++ {
			rec, ok, err := st.InsertAttempt(ctx, attempt(id, model.KindChase, base, false), 0)
			if err != nil || !ok {
				t.Fatalf("insert %d: ok=%v err=%v", i, ok, err)
			}
			if rec.ChaseCount != i {
				t.Fatalf("insert %d: ChaseCount = %d", i, rec.ChaseCount)
			}
		}
	})
}

func TestInsertAttemptRejectsInvalid(t *testing.T) {
	t.Parallel()
	st := NewMemory()
	defer st.Close()
	cases := []model.Attempt{
		{Kind: model.KindChase, At: base},
		{OwnershipItemID: "a", Kind: "reminder", At: base},
		{OwnershipItemID: "a", Kind: model.KindChase},
	}
	for _, a := range cases {
		if _, _, err := st.InsertAttempt(context.Background(), a, time.Hour); err == nil {
			t.Fatalf("expected error for %+v", a)
		}
	}
}

func TestConcurrentInsertStoresOnce(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		id := uniqueID(t, "item")

		const writers = 16
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			inserted int
			errs     []error
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := st.InsertAttempt(ctx, attempt(id, model.KindChase, base, false), time.Hour)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
				}
				if ok {
					inserted++
				}
			}()
		}
		wg.Wait()
		if len(errs) > 0 {
			t.Fatalf("concurrent insert errors: %v", errs)
		}
		if inserted != 1 {
			t.Fatalf("inserted = %d, want 1", inserted)
		}
	})
}

func TestMarkManagerNotifiedOnce(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		id := uniqueID(t, "item")

		ok, err := st.MarkManagerNotified(ctx, id, base)
		if err != nil {
			t.Fatalf("MarkManagerNotified without chase: %v", err)
		}
		if ok {
			t.Fatalf("item without chase records was escalated")
		}

		for i := 0; i < 3; i++ {
			if _, _, err := st.InsertAttempt(ctx, attempt(id, model.KindChase, base.Add(time.Duration(i)*48*time.Hour), false), 24*time.Hour); err != nil {
				t.Fatalf("insert %d: %v", i, err)
			}
		}

		at := base.Add(200 * time.Hour)
		ok, err = st.MarkManagerNotified(ctx, id, at)
		if err != nil || !ok {
			t.Fatalf("first mark: ok=%v err=%v", ok, err)
		}
		ok, err = st.MarkManagerNotified(ctx, id, at.Add(time.Hour))
		if err != nil {
			t.Fatalf("second mark: %v", err)
		}
		if ok {
			t.Fatalf("manager flag set twice")
		}

		ln, err := st.Lineage(ctx, id)
		if err != nil {
			t.Fatalf("Lineage: %v", err)
		}
		if ln.ChaseCount != 3 || !ln.ManagerNotified {
			t.Fatalf("unexpected lineage: %+v", ln)
		}
		if ln.ManagerNotifiedAt == nil || !ln.ManagerNotifiedAt.Equal(at) {
			t.Fatalf("ManagerNotifiedAt = %v, want %v", ln.ManagerNotifiedAt, at)
		}

		hist, err := st.History(ctx, id)
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		flagged := 0
		for _, r := range hist {
			if r.ManagerNotified {
				flagged++
				if r.ChaseCount != 3 {
					t.Fatalf("flag set on chase %d, want latest", r.ChaseCount)
				}
			}
		}
		if flagged != 1 {
			t.Fatalf("flagged records = %d, want 1", flagged)
		}
	})
}

func TestFactsRoundTrip(t *testing.T) {
	t.Parallel()
	for name, open := range openers() {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)
			defer st.Close()

			if err := st.PutRecipient(ctx, model.Recipient{ID: "r1", Name: "Ana", Address: "ana@example.com"}); err != nil {
				t.Fatalf("PutRecipient: %v", err)
			}
			if err := st.PutRecipient(ctx, model.Recipient{ID: "r1", Name: "Ana B", Address: "ana@example.com", ManagerAddress: "boss@example.com"}); err != nil {
				t.Fatalf("PutRecipient update: %v", err)
			}
			if err := st.PutOwnershipItem(ctx, model.OwnershipItem{ID: "i2", RecipientID: "r1", AssetID: "doc-2"}); err != nil {
				t.Fatalf("PutOwnershipItem: %v", err)
			}
			if err := st.PutOwnershipItem(ctx, model.OwnershipItem{ID: "i1", RecipientID: "r1", AssetID: "doc-1"}); err != nil {
				t.Fatalf("PutOwnershipItem: %v", err)
			}
			if err := st.PutTerminalAction(ctx, model.TerminalAction{OwnershipItemID: "i2", Kind: model.ActionLabel, At: base}); err != nil {
				t.Fatalf("PutTerminalAction: %v", err)
			}
			if err := st.PutTerminalAction(ctx, model.TerminalAction{OwnershipItemID: "i2", Kind: "archive"}); err == nil {
				t.Fatalf("expected error for unknown action kind")
			}

			rs, err := st.Recipients(ctx)
			if err != nil {
				t.Fatalf("Recipients: %v", err)
			}
			if len(rs) != 1 || rs[0].Name != "Ana B" || rs[0].ManagerAddress != "boss@example.com" {
				t.Fatalf("unexpected recipients: %+v", rs)
			}
			items, err := st.OwnershipItems(ctx)
			if err != nil {
				t.Fatalf("OwnershipItems: %v", err)
			}
			if len(items) != 2 || items[0].ID != "i1" || items[1].ID != "i2" {
				t.Fatalf("unexpected items: %+v", items)
			}
			acts, err := st.TerminalActions(ctx)
			if err != nil {
				t.Fatalf("TerminalActions: %v", err)
			}
			if len(acts) != 1 || acts[0].Kind != model.ActionLabel || !acts[0].At.Equal(base) {
				t.Fatalf("unexpected actions: %+v", acts)
			}
		})
	}
}

func TestFileStoreReplaysJournal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "chaser.db")}

	st, err := Open(ctx, cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, err := st.InsertAttempt(ctx, attempt("i1", model.KindChase, base, false), time.Hour); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if ok, err := st.MarkManagerNotified(ctx, "i1", base.Add(time.Minute)); err != nil || !ok {
		t.Fatalf("mark: ok=%v err=%v", ok, err)
	}
	if err := st.PutRecipient(ctx, model.Recipient{ID: "r1", Address: "a@example.com"}); err != nil {
		t.Fatalf("PutRecipient: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A torn trailing line must not prevent reopening.
	journal := filepath.Join(filepath.Dir(cfg.Path), "chaser.ledger.jsonl")
	f, err := os.OpenFile(journal, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if _, err := f.WriteString(`{"op":"record","rec`); err != nil {
		t.Fatalf("write journal: %v", err)
	}
	f.Close()

	st, err = Open(ctx, cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()

	ln, err := st.Lineage(ctx, "i1")
	if err != nil {
		t.Fatalf("Lineage: %v", err)
	}
	if ln.ChaseCount != 1 || !ln.ManagerNotified {
		t.Fatalf("lineage not replayed: %+v", ln)
	}
	rec, ok, err := st.InsertAttempt(ctx, attempt("i1", model.KindChase, base.Add(2*time.Hour), false), time.Hour)
	if err != nil || !ok {
		t.Fatalf("insert after reopen: ok=%v err=%v", ok, err)
	}
	if rec.ID != 2 || rec.ChaseCount != 2 {
		t.Fatalf("unexpected record after reopen: %+v", rec)
	}
	rs, err := st.Recipients(ctx)
	if err != nil || len(rs) != 1 {
		t.Fatalf("recipients not replayed: %v %+v", err, rs)
	}
}

func TestSQLiteLedgerIsAppendOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := Open(ctx, Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "chaser.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	db := st.(*sqliteStore).db

	if _, _, err := st.InsertAttempt(ctx, attempt("i1", model.KindChase, base, false), time.Hour); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM notification_records`); err == nil {
		t.Fatalf("delete was allowed")
	}
	if _, err := db.ExecContext(ctx, `UPDATE notification_records SET chase_count = 9`); err == nil {
		t.Fatalf("rewrite was allowed")
	}
	if ok, err := st.MarkManagerNotified(ctx, "i1", base); err != nil || !ok {
		t.Fatalf("mark: ok=%v err=%v", ok, err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE notification_records SET manager_notified_at = 1`); err == nil {
		t.Fatalf("manager flag rewritten")
	}
}

func TestOpenDriverSelection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if _, err := Open(ctx, Config{}, logx.Nop()); err != ErrDisabled {
		t.Fatalf("empty driver: err = %v, want ErrDisabled", err)
	}
	if _, err := Open(ctx, Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver accepted")
	}
	if _, err := Open(ctx, Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatalf("sqlite without path accepted")
	}
	st, err := Open(ctx, Config{Driver: "MEMORY"}, logx.Nop())
	if err != nil {
		t.Fatalf("memory driver: %v", err)
	}
	st.Close()
	if _, err := st.Records(ctx); err != ErrClosed {
		t.Fatalf("closed store: err = %v, want ErrClosed", err)
	}
}
