package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/reward-distributor/internal/db"
	"github.com/sells-group/reward-distributor/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS baselines (
	producer_id         TEXT PRIMARY KEY,
	last_rewarded_units NUMERIC NOT NULL CHECK (last_rewarded_units >= 0),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS distribution_records (
	seq          BIGSERIAL PRIMARY KEY,
	id           TEXT NOT NULL UNIQUE,
	run_id       TEXT NOT NULL,
	producer_id  TEXT NOT NULL,
	destination  TEXT NOT NULL,
	delta_units  NUMERIC NOT NULL,
	token_amount NUMERIC NOT NULL,
	receipt_id   TEXT NOT NULL,
	block_height BIGINT NOT NULL,
	confirmed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_transfers (
	producer_id       TEXT PRIMARY KEY,
	run_id            TEXT NOT NULL,
	tx_id             TEXT NOT NULL,
	destination       TEXT NOT NULL,
	delta_units       NUMERIC NOT NULL,
	target_cumulative NUMERIC NOT NULL,
	token_amount      NUMERIC NOT NULL,
	submitted_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_producer ON distribution_records(producer_id, seq DESC);
CREATE INDEX IF NOT EXISTS idx_records_run ON distribution_records(run_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// querier is satisfied by db.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) GetBaseline(ctx context.Context, producerID string) (*model.Baseline, error) {
	return pgGetBaseline(ctx, s.pool, producerID, "")
}

func pgGetBaseline(ctx context.Context, q querier, producerID, lock string) (*model.Baseline, error) {
	row := q.QueryRow(ctx,
		`SELECT producer_id, last_rewarded_units::text, updated_at FROM baselines WHERE producer_id = $1`+lock,
		producerID,
	)
	b, err := scanBaseline(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get baseline %s", producerID)
	}
	return b, nil
}

func (s *PostgresStore) AdvanceBaseline(ctx context.Context, producerID string, value model.Quantity) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		return pgAdvance(ctx, tx, producerID, value)
	})
}

func pgAdvance(ctx context.Context, tx pgx.Tx, producerID string, value model.Quantity) error {
	cur, err := pgGetBaseline(ctx, tx, producerID, " FOR UPDATE")
	if err != nil {
		return err
	}
	if cur != nil {
		if err := checkAdvance(producerID, &cur.LastRewardedUnits, value); err != nil {
			return err
		}
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO baselines (producer_id, last_rewarded_units, updated_at) VALUES ($1, $2::numeric, $3)
		 ON CONFLICT (producer_id) DO UPDATE SET last_rewarded_units = EXCLUDED.last_rewarded_units, updated_at = EXCLUDED.updated_at`,
		producerID, value.String(), time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert baseline %s", producerID)
}

func (s *PostgresStore) ListBaselines(ctx context.Context) ([]model.Baseline, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT producer_id, last_rewarded_units::text, updated_at FROM baselines ORDER BY producer_id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list baselines")
	}
	defer rows.Close()

	var out []model.Baseline
	for rows.Next() {
		b, err := scanBaseline(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan baseline")
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list baselines iterate")
}

const pgInsertRecord = `INSERT INTO distribution_records
	(id, run_id, producer_id, destination, delta_units, token_amount, receipt_id, block_height, confirmed_at)
	VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9)
	RETURNING seq`

func (s *PostgresStore) AppendRecord(ctx context.Context, rec *model.DistributionRecord) error {
	return pgAppend(ctx, s.pool, rec)
}

func pgAppend(ctx context.Context, q querier, rec *model.DistributionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.ConfirmedAt.IsZero() {
		rec.ConfirmedAt = time.Now().UTC()
	}
	err := q.QueryRow(ctx, pgInsertRecord,
		rec.ID, rec.RunID, rec.ProducerID, rec.Destination, rec.DeltaUnits.String(),
		rec.TokenAmount.String(), rec.ReceiptID, int64(rec.BlockHeight), rec.ConfirmedAt,
	).Scan(&rec.Seq)
	return eris.Wrapf(err, "postgres: insert record for %s", rec.ProducerID)
}

func (s *PostgresStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.DistributionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, id, run_id, producer_id, destination, delta_units::text, token_amount::text,
		        receipt_id, block_height, confirmed_at
		 FROM distribution_records
		 WHERE ($1 = '' OR producer_id = $1) AND ($2 = '' OR run_id = $2)
		 ORDER BY seq DESC LIMIT $3`,
		filter.ProducerID, filter.RunID, listLimit(filter.Limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()

	var out []model.DistributionRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

func (s *PostgresStore) PutPending(ctx context.Context, p model.PendingTransfer) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pending_transfers
		 (producer_id, run_id, tx_id, destination, delta_units, target_cumulative, token_amount, submitted_at)
		 VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8)
		 ON CONFLICT (producer_id) DO UPDATE SET
		   run_id = EXCLUDED.run_id, tx_id = EXCLUDED.tx_id, destination = EXCLUDED.destination,
		   delta_units = EXCLUDED.delta_units, target_cumulative = EXCLUDED.target_cumulative,
		   token_amount = EXCLUDED.token_amount, submitted_at = EXCLUDED.submitted_at`,
		p.ProducerID, p.RunID, p.TxID, p.Destination, p.DeltaUnits.String(),
		p.TargetCumulative.String(), p.TokenAmount.String(), p.SubmittedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: put pending %s", p.ProducerID)
}

const pgSelectPending = `SELECT producer_id, run_id, tx_id, destination, delta_units::text,
	target_cumulative::text, token_amount::text, submitted_at FROM pending_transfers`

func (s *PostgresStore) GetPending(ctx context.Context, producerID string) (*model.PendingTransfer, error) {
	row := s.pool.QueryRow(ctx, pgSelectPending+` WHERE producer_id = $1`, producerID)
	p, err := scanPending(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get pending %s", producerID)
	}
	return p, nil
}

func (s *PostgresStore) DeletePending(ctx context.Context, producerID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM pending_transfers WHERE producer_id = $1`, producerID)
	return eris.Wrapf(err, "postgres: delete pending %s", producerID)
}

func (s *PostgresStore) ListPending(ctx context.Context) ([]model.PendingTransfer, error) {
	rows, err := s.pool.Query(ctx, pgSelectPending+` ORDER BY submitted_at`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending")
	}
	defer rows.Close()

	var out []model.PendingTransfer
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan pending")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list pending iterate")
}

func (s *PostgresStore) CommitTransfer(ctx context.Context, rec *model.DistributionRecord, newBaseline model.Quantity) error {
	staged := *rec
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := pgAdvance(ctx, tx, rec.ProducerID, newBaseline); err != nil {
			return err
		}
		if err := pgAppend(ctx, tx, &staged); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM pending_transfers WHERE producer_id = $1`, rec.ProducerID)
		return eris.Wrapf(err, "postgres: clear pending %s", rec.ProducerID)
	})
	if err != nil {
		return err
	}
	*rec = staged
	return nil
}
