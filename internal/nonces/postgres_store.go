package nonces

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"
)

// PostgresStore persists the nonce set in PostgreSQL. The primary key on
// (payer, nonce) makes Reserve atomic across processes.
type PostgresStore struct {
	db   *sql.DB
	opts options
}

// NewPostgresStore creates a new PostgreSQL-backed nonce store.
func NewPostgresStore(db *sql.DB, opts ...Option) *PostgresStore {
	return &PostgresStore{db: db, opts: buildOptions(opts)}
}

// Migrate creates the payment_nonces table and indexes.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payment_nonces (
			payer        VARCHAR(42) NOT NULL,
			nonce        VARCHAR(66) NOT NULL,
			recipient    VARCHAR(42) NOT NULL,
			asset        VARCHAR(128) NOT NULL,
			resource     TEXT,
			amount       NUMERIC(20,0) NOT NULL CHECK (amount >= 0),
			status       VARCHAR(16) NOT NULL CHECK (status IN ('pending','consumed','released')),
			releases     INTEGER NOT NULL DEFAULT 0,
			valid_before TIMESTAMPTZ NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (payer, nonce)
		);
		CREATE INDEX IF NOT EXISTS idx_payment_nonces_valid_before ON payment_nonces (valid_before);
	`)
	return err
}

func (p *PostgresStore) Reserve(ctx context.Context, r *Record) error {
	payer, nonce := normalize(r.Payer, r.Nonce)
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_nonces (
			payer, nonce, recipient, asset, resource,
			amount, status, releases, valid_before
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,0), 'pending', 0, $7)
		ON CONFLICT (payer, nonce) DO UPDATE
			SET status = 'pending', updated_at = NOW()
			WHERE payment_nonces.status = 'released'`,
		payer, nonce, r.Recipient, r.Asset, nullString(r.Resource),
		strconv.FormatUint(r.Amount, 10), r.ValidBefore,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyUsed
	}
	return nil
}

func (p *PostgresStore) Commit(ctx context.Context, payer, nonce string) error {
	payer, nonce = normalize(payer, nonce)
	res, err := p.db.ExecContext(ctx, `
		UPDATE payment_nonces SET status = 'consumed', updated_at = NOW()
		WHERE payer = $1 AND nonce = $2 AND status = 'pending'`,
		payer, nonce,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotPending
	}
	return nil
}

func (p *PostgresStore) Release(ctx context.Context, payer, nonce string) (bool, error) {
	payer, nonce = normalize(payer, nonce)
	var status string
	err := p.db.QueryRowContext(ctx, `
		UPDATE payment_nonces
		SET status = CASE WHEN releases < $3 THEN 'released' ELSE 'consumed' END,
		    releases = releases + 1,
		    updated_at = NOW()
		WHERE payer = $1 AND nonce = $2 AND status = 'pending'
		RETURNING status`,
		payer, nonce, p.opts.maxReleases,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotPending
	}
	if err != nil {
		return false, err
	}
	return Status(status) == StatusReleased, nil
}

func (p *PostgresStore) Get(ctx context.Context, payer, nonce string) (*Record, error) {
	payer, nonce = normalize(payer, nonce)
	row := p.db.QueryRowContext(ctx, `
		SELECT payer, nonce, recipient, asset, resource,
		       amount, status, releases, valid_before, created_at, updated_at
		FROM payment_nonces WHERE payer = $1 AND nonce = $2`, payer, nonce)

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM payment_nonces
		WHERE valid_before < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc scanner) (*Record, error) {
	r := &Record{}
	var (
		resource sql.NullString
		amount   string
		status   string
	)
	err := sc.Scan(
		&r.Payer, &r.Nonce, &r.Recipient, &r.Asset, &resource,
		&amount, &status, &r.Releases, &r.ValidBefore, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Amount, err = strconv.ParseUint(amount, 10, 64)
	if err != nil {
		return nil, err
	}
	r.Resource = resource.String
	r.Status = Status(status)
	return r, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var (
	_ Store  = (*PostgresStore)(nil)
	_ Pruner = (*PostgresStore)(nil)
)
