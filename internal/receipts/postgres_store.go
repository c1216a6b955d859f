package receipts

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/fredagent/x402proxy/internal/pagination"
)

// PostgresStore persists receipts in PostgreSQL. The schema lives in
// migrations/00002_receipts.sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed receipt store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, r *Receipt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO receipts (
			id, payer, recipient, nonce, amount,
			asset, network, resource, agent_id, payload_hash,
			signature, issued_at, expires_at, created_at
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC(20,0),
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14
		)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.Payer, r.Recipient, r.Nonce, strconv.FormatUint(r.Amount, 10),
		r.Asset, r.Network, nullString(r.Resource), nullAgent(r.AgentID), r.PayloadHash,
		r.Signature, r.IssuedAt, r.ExpiresAt, r.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Receipt, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, payer, recipient, nonce, amount::TEXT,
		       asset, network, resource, agent_id, payload_hash,
		       signature, issued_at, expires_at, created_at
		FROM receipts WHERE id = $1`, id)

	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	return r, err
}

func (p *PostgresStore) ListByPayer(ctx context.Context, payer string, limit int, after *pagination.Cursor) ([]*Receipt, error) {
	query := `
		SELECT id, payer, recipient, nonce, amount::TEXT,
		       asset, network, resource, agent_id, payload_hash,
		       signature, issued_at, expires_at, created_at
		FROM receipts
		WHERE payer = $1`
	args := []any{payer, limit}
	if after != nil {
		query += ` AND (created_at < $3 OR (created_at = $3 AND id > $4))`
		args = append(args, after.CreatedAt, after.ID)
	}
	query += `
		ORDER BY created_at DESC, id
		LIMIT $2`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// Ping checks database connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReceipt(sc scanner) (*Receipt, error) {
	r := &Receipt{}
	var (
		amount   string
		resource sql.NullString
		agentID  sql.NullInt64
	)

	err := sc.Scan(
		&r.ID, &r.Payer, &r.Recipient, &r.Nonce, &amount,
		&r.Asset, &r.Network, &resource, &agentID, &r.PayloadHash,
		&r.Signature, &r.IssuedAt, &r.ExpiresAt, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if r.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
		return nil, err
	}
	r.Resource = resource.String
	if agentID.Valid {
		id := uint64(agentID.Int64)
		r.AgentID = &id
	}
	return r, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullAgent(id *uint64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

var _ Store = (*PostgresStore)(nil)
