package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chaser/internal/model"
	logx "chaser/pkg/logx"
)

type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

const pgRecordColumns = `id, ownership_item_id, kind, notified_at, finished, is_error, chase_count, manager_notified, manager_notified_at`

// Writers for one (item, kind) key serialize on a transaction-scoped
// advisory lock; the guard check and the insert then run in one statement.
// Parameters in the SELECT list carry explicit casts: Postgres would
// otherwise resolve them as text.
const pgInsertGuarded = `
INSERT INTO notification_records (ownership_item_id, kind, notified_at, finished, is_error, chase_count, manager_notified)
SELECT $1::text, $2::text, $3::timestamptz, $4::boolean, $5::boolean,
       COALESCE((SELECT MAX(chase_count) FROM notification_records WHERE ownership_item_id = $1::text AND kind = $2::text), 0) + 1,
       FALSE
WHERE NOT ($6::boolean AND EXISTS (
    SELECT 1 FROM notification_records
    WHERE ownership_item_id = $1::text AND kind = $2::text AND notified_at > $7::timestamptz
))
RETURNING ` + pgRecordColumns

const pgMarkManager = `
UPDATE notification_records
SET manager_notified = TRUE, manager_notified_at = $2
WHERE id = (
    SELECT id FROM notification_records
    WHERE ownership_item_id = $1 AND kind = 'chase'
    ORDER BY chase_count DESC, id DESC
    LIMIT 1
)
AND NOT EXISTS (
    SELECT 1 FROM notification_records WHERE ownership_item_id = $1 AND manager_notified
)`

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	st := &pgStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Debug("postgres store opened", logx.Int("max_conns", int(pcfg.MaxConns)))
	return st, nil
}

func (s *pgStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		return err
	}
	// No arguments: pgx sends this over the simple protocol, which accepts
	// several statements at once.
	_, err = s.pool.Exec(ctx, string(b))
	return err
}

func (s *pgStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func lockKey(ownershipItemID string, kind model.Kind) string {
	return ownershipItemID + "|" + string(kind)
}

func (s *pgStore) InsertAttempt(ctx context.Context, a model.Attempt, window time.Duration) (model.NotificationRecord, bool, error) {
	if err := validateAttempt(a); err != nil {
		return model.NotificationRecord{}, false, err
	}
	at := a.At.UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.NotificationRecord{}, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey(a.OwnershipItemID, a.Kind)); err != nil {
		return model.NotificationRecord{}, false, fmt.Errorf("locking ledger key: %w", err)
	}

	row := tx.QueryRow(ctx, pgInsertGuarded,
		a.OwnershipItemID, string(a.Kind), at, a.Finished, a.IsError,
		window > 0, at.Add(-window),
	)
	rec, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NotificationRecord{}, false, tx.Commit(ctx)
	}
	if err != nil {
		return model.NotificationRecord{}, false, fmt.Errorf("inserting attempt: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.NotificationRecord{}, false, fmt.Errorf("committing attempt: %w", err)
	}
	return rec, true, nil
}

func scanPgRecord(row pgx.Row) (model.NotificationRecord, error) {
	var (
		rec       model.NotificationRecord
		kind      string
		managerAt *time.Time
	)
	err := row.Scan(&rec.ID, &rec.OwnershipItemID, &kind, &rec.At, &rec.Finished, &rec.IsError,
		&rec.ChaseCount, &rec.ManagerNotified, &managerAt)
	if err != nil {
		return model.NotificationRecord{}, err
	}
	rec.Kind = model.Kind(kind)
	rec.At = rec.At.UTC()
	if managerAt != nil {
		t := managerAt.UTC()
		rec.ManagerNotifiedAt = &t
	}
	return rec, nil
}

func (s *pgStore) queryRecords(ctx context.Context, sql string, args ...any) ([]model.NotificationRecord, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.NotificationRecord
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *pgStore) Records(ctx context.Context) ([]model.NotificationRecord, error) {
	out, err := s.queryRecords(ctx, `SELECT `+pgRecordColumns+` FROM notification_records ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing notification records: %w", err)
	}
	return out, nil
}

func (s *pgStore) History(ctx context.Context, ownershipItemID string) ([]model.NotificationRecord, error) {
	out, err := s.queryRecords(ctx,
		`SELECT `+pgRecordColumns+` FROM notification_records WHERE ownership_item_id = $1 ORDER BY id`, ownershipItemID)
	if err != nil {
		return nil, fmt.Errorf("listing history for %s: %w", ownershipItemID, err)
	}
	return out, nil
}

func (s *pgStore) Lineage(ctx context.Context, ownershipItemID string) (model.Lineage, error) {
	ln := model.Lineage{OwnershipItemID: ownershipItemID}
	var managerAt *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(chase_count) FILTER (WHERE kind = 'chase'), 0),
		       COALESCE(BOOL_OR(manager_notified), FALSE),
		       MIN(manager_notified_at)
		FROM notification_records
		WHERE ownership_item_id = $1`, ownershipItemID).Scan(&ln.ChaseCount, &ln.ManagerNotified, &managerAt)
	if err != nil {
		return model.Lineage{}, fmt.Errorf("reading lineage for %s: %w", ownershipItemID, err)
	}
	if managerAt != nil {
		t := managerAt.UTC()
		ln.ManagerNotifiedAt = &t
	}
	return ln, nil
}

func (s *pgStore) MarkManagerNotified(ctx context.Context, ownershipItemID string, at time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey(ownershipItemID, model.KindChase)); err != nil {
		return false, fmt.Errorf("locking ledger key: %w", err)
	}
	tag, err := tx.Exec(ctx, pgMarkManager, ownershipItemID, at.UTC())
	if err != nil {
		return false, fmt.Errorf("marking manager notified for %s: %w", ownershipItemID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing escalation: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *pgStore) Recipients(ctx context.Context) ([]model.Recipient, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, address, manager_address FROM recipients ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing recipients: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.Recipient])
	if err != nil {
		return nil, fmt.Errorf("listing recipients: %w", err)
	}
	return out, nil
}

func (s *pgStore) OwnershipItems(ctx context.Context) ([]model.OwnershipItem, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, recipient_id, asset_id FROM ownership_items ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing ownership items: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.OwnershipItem])
	if err != nil {
		return nil, fmt.Errorf("listing ownership items: %w", err)
	}
	return out, nil
}

func (s *pgStore) TerminalActions(ctx context.Context) ([]model.TerminalAction, error) {
	rows, err := s.pool.Query(ctx, `SELECT ownership_item_id, kind, at FROM terminal_actions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing terminal actions: %w", err)
	}
	defer rows.Close()
	var out []model.TerminalAction
	for rows.Next() {
		var (
			a    model.TerminalAction
			kind string
		)
		if err := rows.Scan(&a.OwnershipItemID, &kind, &a.At); err != nil {
			return nil, err
		}
		a.Kind = model.ActionKind(kind)
		a.At = a.At.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *pgStore) PutRecipient(ctx context.Context, r model.Recipient) error {
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return errors.New("recipient id is required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recipients (id, name, address, manager_address)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			address = EXCLUDED.address,
			manager_address = EXCLUDED.manager_address`,
		r.ID, r.Name, r.Address, r.ManagerAddress)
	if err != nil {
		return fmt.Errorf("upserting recipient %s: %w", r.ID, err)
	}
	return nil
}

func (s *pgStore) PutOwnershipItem(ctx context.Context, it model.OwnershipItem) error {
	it.ID = strings.TrimSpace(it.ID)
	if it.ID == "" || strings.TrimSpace(it.RecipientID) == "" {
		return errors.New("ownership item id and recipient id are required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ownership_items (id, recipient_id, asset_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			recipient_id = EXCLUDED.recipient_id,
			asset_id = EXCLUDED.asset_id`,
		it.ID, it.RecipientID, it.AssetID)
	if err != nil {
		return fmt.Errorf("upserting ownership item %s: %w", it.ID, err)
	}
	return nil
}

func (s *pgStore) PutTerminalAction(ctx context.Context, a model.TerminalAction) error {
	if strings.TrimSpace(a.OwnershipItemID) == "" || !a.Kind.Valid() {
		return errors.New("terminal action needs an item id and a known kind")
	}
	if a.At.IsZero() {
		a.At = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO terminal_actions (ownership_item_id, kind, at) VALUES ($1, $2, $3)`,
		a.OwnershipItemID, string(a.Kind), a.At.UTC())
	if err != nil {
		return fmt.Errorf("inserting terminal action for %s: %w", a.OwnershipItemID, err)
	}
	return nil
}
