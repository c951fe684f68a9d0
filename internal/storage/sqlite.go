package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"chaser/internal/model"
	logx "chaser/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

// recordRow mirrors notification_records; timestamps are unix milliseconds.
type recordRow struct {
	ID                int64         `db:"id"`
	OwnershipItemID   string        `db:"ownership_item_id"`
	Kind              string        `db:"kind"`
	NotifiedAt        int64         `db:"notified_at"`
	Finished          bool          `db:"finished"`
	IsError           bool          `db:"is_error"`
	ChaseCount        int           `db:"chase_count"`
	ManagerNotified   bool          `db:"manager_notified"`
	ManagerNotifiedAt sql.NullInt64 `db:"manager_notified_at"`
}

func (r recordRow) toModel() model.NotificationRecord {
	out := model.NotificationRecord{
		ID:              r.ID,
		OwnershipItemID: r.OwnershipItemID,
		At:              time.UnixMilli(r.NotifiedAt).UTC(),
		Kind:            model.Kind(r.Kind),
		Finished:        r.Finished,
		IsError:         r.IsError,
		ChaseCount:      r.ChaseCount,
		ManagerNotified: r.ManagerNotified,
	}
	if r.ManagerNotifiedAt.Valid {
		t := time.UnixMilli(r.ManagerNotifiedAt.Int64).UTC()
		out.ManagerNotifiedAt = &t
	}
	return out
}

const recordColumns = `id, ownership_item_id, kind, notified_at, finished, is_error, chase_count, manager_notified, manager_notified_at`

// The guard and the insert are a single statement, which SQLite executes
// atomically; the immediate transaction around it also serializes writers
// from other processes sharing the file.
const sqliteInsertGuarded = `
INSERT INTO notification_records (ownership_item_id, kind, notified_at, finished, is_error, chase_count, manager_notified)
SELECT ?, ?, ?, ?, ?,
       COALESCE((SELECT MAX(chase_count) FROM notification_records WHERE ownership_item_id = ? AND kind = ?), 0) + 1,
       0
WHERE NOT EXISTS (
    SELECT 1 FROM notification_records
    WHERE ownership_item_id = ? AND kind = ? AND notified_at > ?
)`

const sqliteMarkManager = `
UPDATE notification_records
SET manager_notified = 1, manager_notified_at = ?
WHERE id = (
    SELECT id FROM notification_records
    WHERE ownership_item_id = ? AND kind = 'chase'
    ORDER BY chase_count DESC, id DESC
    LIMIT 1
)
AND NOT EXISTS (
    SELECT 1 FROM notification_records WHERE ownership_item_id = ? AND manager_notified = 1
)`

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) InsertAttempt(ctx context.Context, a model.Attempt, window time.Duration) (model.NotificationRecord, bool, error) {
	if err := validateAttempt(a); err != nil {
		return model.NotificationRecord{}, false, err
	}
	at := a.At.UTC().UnixMilli()
	cutoff := at - window.Milliseconds()
	if window <= 0 {
		// Nothing is "inside" an empty window; compare against the far future.
		cutoff = int64(^uint64(0) >> 1)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.NotificationRecord{}, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	kind := string(a.Kind)
	res, err := tx.ExecContext(ctx, sqliteInsertGuarded,
		a.OwnershipItemID, kind, at, a.Finished, a.IsError,
		a.OwnershipItemID, kind,
		a.OwnershipItemID, kind, cutoff,
	)
	if err != nil {
		return model.NotificationRecord{}, false, fmt.Errorf("inserting attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.NotificationRecord{}, false, err
	}
	if n == 0 {
		return model.NotificationRecord{}, false, tx.Commit()
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.NotificationRecord{}, false, err
	}

	var row recordRow
	if err := tx.GetContext(ctx, &row, `SELECT `+recordColumns+` FROM notification_records WHERE id = ?`, id); err != nil {
		return model.NotificationRecord{}, false, fmt.Errorf("reading inserted attempt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.NotificationRecord{}, false, fmt.Errorf("committing attempt: %w", err)
	}
	return row.toModel(), true, nil
}

func (s *sqliteStore) Records(ctx context.Context) ([]model.NotificationRecord, error) {
	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+recordColumns+` FROM notification_records ORDER BY id`); err != nil {
		return nil, fmt.Errorf("listing notification records: %w", err)
	}
	return toRecords(rows), nil
}

func (s *sqliteStore) History(ctx context.Context, ownershipItemID string) ([]model.NotificationRecord, error) {
	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+recordColumns+` FROM notification_records WHERE ownership_item_id = ? ORDER BY id`, ownershipItemID); err != nil {
		return nil, fmt.Errorf("listing history for %s: %w", ownershipItemID, err)
	}
	return toRecords(rows), nil
}

func (s *sqliteStore) Lineage(ctx context.Context, ownershipItemID string) (model.Lineage, error) {
	var row struct {
		ChaseCount        int           `db:"chase_count"`
		ManagerNotified   bool          `db:"manager_notified"`
		ManagerNotifiedAt sql.NullInt64 `db:"manager_notified_at"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT COALESCE(MAX(CASE WHEN kind = 'chase' THEN chase_count END), 0) AS chase_count,
		       COALESCE(MAX(manager_notified), 0) AS manager_notified,
		       MIN(manager_notified_at) AS manager_notified_at
		FROM notification_records
		WHERE ownership_item_id = ?`, ownershipItemID)
	if err != nil {
		return model.Lineage{}, fmt.Errorf("reading lineage for %s: %w", ownershipItemID, err)
	}
	ln := model.Lineage{OwnershipItemID: ownershipItemID, ChaseCount: row.ChaseCount, ManagerNotified: row.ManagerNotified}
	if row.ManagerNotifiedAt.Valid {
		t := time.UnixMilli(row.ManagerNotifiedAt.Int64).UTC()
		ln.ManagerNotifiedAt = &t
	}
	return ln, nil
}

func (s *sqliteStore) MarkManagerNotified(ctx context.Context, ownershipItemID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, sqliteMarkManager, at.UTC().UnixMilli(), ownershipItemID, ownershipItemID)
	if err != nil {
		return false, fmt.Errorf("marking manager notified for %s: %w", ownershipItemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) Recipients(ctx context.Context) ([]model.Recipient, error) {
	var out []model.Recipient
	if err := s.db.SelectContext(ctx, &out, `SELECT id, name, address, manager_address FROM recipients ORDER BY id`); err != nil {
		return nil, fmt.Errorf("listing recipients: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) OwnershipItems(ctx context.Context) ([]model.OwnershipItem, error) {
	var out []model.OwnershipItem
	if err := s.db.SelectContext(ctx, &out, `SELECT id, recipient_id, asset_id FROM ownership_items ORDER BY id`); err != nil {
		return nil, fmt.Errorf("listing ownership items: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) TerminalActions(ctx context.Context) ([]model.TerminalAction, error) {
	var rows []struct {
		OwnershipItemID string `db:"ownership_item_id"`
		Kind            string `db:"kind"`
		At              int64  `db:"at"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT ownership_item_id, kind, at FROM terminal_actions ORDER BY id`); err != nil {
		return nil, fmt.Errorf("listing terminal actions: %w", err)
	}
	out := make([]model.TerminalAction, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.TerminalAction{
			OwnershipItemID: r.OwnershipItemID,
			Kind:            model.ActionKind(r.Kind),
			At:              time.UnixMilli(r.At).UTC(),
		})
	}
	return out, nil
}

func (s *sqliteStore) PutRecipient(ctx context.Context, r model.Recipient) error {
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return errors.New("recipient id is required")
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO recipients (id, name, address, manager_address)
		VALUES (:id, :name, :address, :manager_address)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			manager_address = excluded.manager_address`, r)
	if err != nil {
		return fmt.Errorf("upserting recipient %s: %w", r.ID, err)
	}
	return nil
}

func (s *sqliteStore) PutOwnershipItem(ctx context.Context, it model.OwnershipItem) error {
	it.ID = strings.TrimSpace(it.ID)
	if it.ID == "" || strings.TrimSpace(it.RecipientID) == "" {
		return errors.New("ownership item id and recipient id are required")
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO ownership_items (id, recipient_id, asset_id)
		VALUES (:id, :recipient_id, :asset_id)
		ON CONFLICT(id) DO UPDATE SET
			recipient_id = excluded.recipient_id,
			asset_id = excluded.asset_id`, it)
	if err != nil {
		return fmt.Errorf("upserting ownership item %s: %w", it.ID, err)
	}
	return nil
}

func (s *sqliteStore) PutTerminalAction(ctx context.Context, a model.TerminalAction) error {
	if strings.TrimSpace(a.OwnershipItemID) == "" || !a.Kind.Valid() {
		return errors.New("terminal action needs an item id and a known kind")
	}
	if a.At.IsZero() {
		a.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO terminal_actions (ownership_item_id, kind, at) VALUES (?, ?, ?)`,
		a.OwnershipItemID, string(a.Kind), a.At.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("inserting terminal action for %s: %w", a.OwnershipItemID, err)
	}
	return nil
}

func toRecords(rows []recordRow) []model.NotificationRecord {
	out := make([]model.NotificationRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out
}
