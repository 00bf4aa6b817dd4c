package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/reward-distributor/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer keeps CommitTransfer transactions serialised.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS baselines (
	producer_id         TEXT PRIMARY KEY,
	last_rewarded_units TEXT NOT NULL,
	updated_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS distribution_records (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	run_id       TEXT NOT NULL,
	producer_id  TEXT NOT NULL,
	destination  TEXT NOT NULL,
	delta_units  TEXT NOT NULL,
	token_amount TEXT NOT NULL,
	receipt_id   TEXT NOT NULL,
	block_height INTEGER NOT NULL,
	confirmed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_transfers (
	producer_id       TEXT PRIMARY KEY,
	run_id            TEXT NOT NULL,
	tx_id             TEXT NOT NULL,
	destination       TEXT NOT NULL,
	delta_units       TEXT NOT NULL,
	target_cumulative TEXT NOT NULL,
	token_amount      TEXT NOT NULL,
	submitted_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_producer ON distribution_records(producer_id);
CREATE INDEX IF NOT EXISTS idx_records_run ON distribution_records(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) GetBaseline(ctx context.Context, producerID string) (*model.Baseline, error) {
	return sqliteGetBaseline(ctx, s.db, producerID)
}

func sqliteGetBaseline(ctx context.Context, q execer, producerID string) (*model.Baseline, error) {
	row := q.QueryRowContext(ctx,
		`SELECT producer_id, last_rewarded_units, updated_at FROM baselines WHERE producer_id = ?`,
		producerID,
	)
	b, err := scanBaseline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get baseline %s", producerID)
	}
	return b, nil
}

func (s *SQLiteStore) AdvanceBaseline(ctx context.Context, producerID string, value model.Quantity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := sqliteAdvance(ctx, tx, producerID, value); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit baseline")
}

func sqliteAdvance(ctx context.Context, q execer, producerID string, value model.Quantity) error {
	cur, err := sqliteGetBaseline(ctx, q, producerID)
	if err != nil {
		return err
	}
	if cur != nil {
		if err := checkAdvance(producerID, &cur.LastRewardedUnits, value); err != nil {
			return err
		}
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO baselines (producer_id, last_rewarded_units, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (producer_id) DO UPDATE SET last_rewarded_units = excluded.last_rewarded_units, updated_at = excluded.updated_at`,
		producerID, value.String(), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert baseline %s", producerID)
}

func (s *SQLiteStore) ListBaselines(ctx context.Context) ([]model.Baseline, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT producer_id, last_rewarded_units, updated_at FROM baselines ORDER BY producer_id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list baselines")
	}
	defer rows.Close()

	var out []model.Baseline
	for rows.Next() {
		b, err := scanBaseline(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan baseline")
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list baselines iterate")
}

func (s *SQLiteStore) AppendRecord(ctx context.Context, rec *model.DistributionRecord) error {
	return sqliteAppend(ctx, s.db, rec)
}

func sqliteAppend(ctx context.Context, q execer, rec *model.DistributionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.ConfirmedAt.IsZero() {
		rec.ConfirmedAt = time.Now().UTC()
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO distribution_records
		 (id, run_id, producer_id, destination, delta_units, token_amount, receipt_id, block_height, confirmed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, rec.ProducerID, rec.Destination, rec.DeltaUnits.String(),
		rec.TokenAmount.String(), rec.ReceiptID, int64(rec.BlockHeight), rec.ConfirmedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert record for %s", rec.ProducerID)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return eris.Wrap(err, "sqlite: record seq")
	}
	rec.Seq = seq
	return nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.DistributionRecord, error) {
	query := `SELECT seq, id, run_id, producer_id, destination, delta_units, token_amount, receipt_id, block_height, confirmed_at
	          FROM distribution_records WHERE 1=1`
	var args []any

	if filter.ProducerID != "" {
		query += ` AND producer_id = ?`
		args = append(args, filter.ProducerID)
	}
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close()

	var out []model.DistributionRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

func (s *SQLiteStore) PutPending(ctx context.Context, p model.PendingTransfer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_transfers
		 (producer_id, run_id, tx_id, destination, delta_units, target_cumulative, token_amount, submitted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (producer_id) DO UPDATE SET
		   run_id = excluded.run_id, tx_id = excluded.tx_id, destination = excluded.destination,
		   delta_units = excluded.delta_units, target_cumulative = excluded.target_cumulative,
		   token_amount = excluded.token_amount, submitted_at = excluded.submitted_at`,
		p.ProducerID, p.RunID, p.TxID, p.Destination, p.DeltaUnits.String(),
		p.TargetCumulative.String(), p.TokenAmount.String(), p.SubmittedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: put pending %s", p.ProducerID)
}

func (s *SQLiteStore) GetPending(ctx context.Context, producerID string) (*model.PendingTransfer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT producer_id, run_id, tx_id, destination, delta_units, target_cumulative, token_amount, submitted_at
		 FROM pending_transfers WHERE producer_id = ?`,
		producerID,
	)
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get pending %s", producerID)
	}
	return p, nil
}

func (s *SQLiteStore) DeletePending(ctx context.Context, producerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_transfers WHERE producer_id = ?`, producerID)
	return eris.Wrapf(err, "sqlite: delete pending %s", producerID)
}

func (s *SQLiteStore) ListPending(ctx context.Context) ([]model.PendingTransfer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT producer_id, run_id, tx_id, destination, delta_units, target_cumulative, token_amount, submitted_at
		 FROM pending_transfers ORDER BY submitted_at`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending")
	}
	defer rows.Close()

	var out []model.PendingTransfer
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pending")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list pending iterate")
}

func (s *SQLiteStore) CommitTransfer(ctx context.Context, rec *model.DistributionRecord, newBaseline model.Quantity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := sqliteAdvance(ctx, tx, rec.ProducerID, newBaseline); err != nil {
		return err
	}
	staged := *rec
	if err := sqliteAppend(ctx, tx, &staged); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_transfers WHERE producer_id = ?`, rec.ProducerID); err != nil {
		return eris.Wrapf(err, "sqlite: clear pending %s", rec.ProducerID)
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit transfer")
	}
	*rec = staged
	return nil
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func parseColumn(raw, column string) (model.Quantity, error) {
	q, err := model.ParseQuantity(raw)
	if err != nil {
		return model.Quantity{}, eris.Wrapf(err, "column %s", column)
	}
	return q, nil
}

func scanBaseline(row scannable) (*model.Baseline, error) {
	var b model.Baseline
	var units string
	if err := row.Scan(&b.ProducerID, &units, &b.UpdatedAt); err != nil {
		return nil, err
	}
	q, err := parseColumn(units, "last_rewarded_units")
	if err != nil {
		return nil, err
	}
	b.LastRewardedUnits = q
	return &b, nil
}

func scanRecord(row scannable) (*model.DistributionRecord, error) {
	var r model.DistributionRecord
	var delta, amount string
	var height int64
	if err := row.Scan(&r.Seq, &r.ID, &r.RunID, &r.ProducerID, &r.Destination,
		&delta, &amount, &r.ReceiptID, &height, &r.ConfirmedAt); err != nil {
		return nil, err
	}
	var err error
	if r.DeltaUnits, err = parseColumn(delta, "delta_units"); err != nil {
		return nil, err
	}
	if r.TokenAmount, err = parseColumn(amount, "token_amount"); err != nil {
		return nil, err
	}
	r.BlockHeight = uint64(height)
	return &r, nil
}

func scanPending(row scannable) (*model.PendingTransfer, error) {
	var p model.PendingTransfer
	var delta, target, amount string
	if err := row.Scan(&p.ProducerID, &p.RunID, &p.TxID, &p.Destination,
		&delta, &target, &amount, &p.SubmittedAt); err != nil {
		return nil, err
	}
	var err error
	if p.DeltaUnits, err = parseColumn(delta, "delta_units"); err != nil {
		return nil, err
	}
	if p.TargetCumulative, err = parseColumn(target, "target_cumulative"); err != nil {
		return nil, err
	}
	if p.TokenAmount, err = parseColumn(amount, "token_amount"); err != nil {
		return nil, err
	}
	return &p, nil
}
