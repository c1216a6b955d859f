package nonces

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T, opts ...Option) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewPostgresStore(db, opts...), mock
}

func TestPostgresStore_Reserve(t *testing.T) {
	ctx := context.Background()
	r := freshRecord()
	payer := strings.ToLower(r.Payer)

	t.Run("inserted", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO payment_nonces").
			WithArgs(payer, r.Nonce, r.Recipient, r.Asset, r.Resource, "5000", r.ValidBefore).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.Reserve(ctx, r))
	})

	t.Run("conflict is replay", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec("ON CONFLICT \\(payer, nonce\\) DO UPDATE").
			WillReturnResult(sqlmock.NewResult(0, 0))

		assert.ErrorIs(t, s.Reserve(ctx, r), ErrAlreadyUsed)
	})

	t.Run("database error", func(t *testing.T) {
		s, mock := newMockStore(t)
		boom := errors.New("connection reset")
		mock.ExpectExec("INSERT INTO payment_nonces").WillReturnError(boom)

		err := s.Reserve(ctx, r)
		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, ErrAlreadyUsed)
	})
}

func TestPostgresStore_Commit(t *testing.T) {
	ctx := context.Background()

	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE payment_nonces SET status = 'consumed'").
		WithArgs("0xabc", "0x01").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Commit(ctx, "0xABC", "0x01"))

	mock.ExpectExec("UPDATE payment_nonces SET status = 'consumed'").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, s.Commit(ctx, "0xabc", "0x01"), ErrNotPending)
}

func TestPostgresStore_Release(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		rows      *sqlmock.Rows
		err       error
		retryable bool
		wantErr   error
	}{
		{"released", sqlmock.NewRows([]string{"status"}).AddRow("released"), nil, true, nil},
		{"burned", sqlmock.NewRows([]string{"status"}).AddRow("consumed"), nil, false, nil},
		{"not pending", nil, sql.ErrNoRows, false, ErrNotPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t, WithMaxReleases(1))
			q := mock.ExpectQuery("UPDATE payment_nonces").WithArgs("0xabc", "0x01", 1)
			if tt.err != nil {
				q.WillReturnError(tt.err)
			} else {
				q.WillReturnRows(tt.rows)
			}

			retryable, err := s.Release(ctx, "0xabc", "0x01")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.retryable, retryable)
		})
	}
}

func TestPostgresStore_Get(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	cols := []string{"payer", "nonce", "recipient", "asset", "resource", "amount", "status", "releases", "valid_before", "created_at", "updated_at"}

	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT payer, nonce").
		WithArgs("0xabc", "0x01").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"0xabc", "0x01", "0xdef", "eip155:8453/erc20:0x1", nil,
			"5000", "consumed", 0, now, now, now,
		))

	r, err := s.Get(ctx, "0xABC", "0x01")
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), r.Amount)
	assert.Equal(t, StatusConsumed, r.Status)
	assert.Equal(t, "", r.Resource)
	assert.Equal(t, now, r.ValidBefore)

	mock.ExpectQuery("SELECT payer, nonce").WillReturnError(sql.ErrNoRows)
	_, err = s.Get(ctx, "0xabc", "0x02")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_Prune(t *testing.T) {
	s, mock := newMockStore(t)
	before := time.Now()
	// No status filter: expired pending rows go too.
	mock.ExpectExec(`^\s*DELETE FROM payment_nonces\s+WHERE valid_before < \$1\s*$`).
		WithArgs(before).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.Prune(context.Background(), before)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS payment_nonces").
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.Migrate(context.Background()))
}
