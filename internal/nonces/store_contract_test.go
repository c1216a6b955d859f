package nonces

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fredagent/x402proxy/internal/idgen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPayer = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"

func freshRecord() *Record {
	return &Record{
		Payer:       testPayer,
		Nonce:       idgen.Nonce(),
		Recipient:   "0xd5950fbB8393C3C50FA31a71faabc73C4EB2E237",
		Asset:       "eip155:8453/erc20:0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Resource:    "/inference",
		Amount:      5000,
		ValidBefore: time.Now().Add(5 * time.Minute).Truncate(time.Second),
	}
}

// runStoreContract exercises the behaviour every Store must share.
// newStore must return an empty store with the default release budget.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("reserve then replay", func(t *testing.T) {
		s := newStore(t)
		r := freshRecord()
		require.NoError(t, s.Reserve(ctx, r))
		assert.ErrorIs(t, s.Reserve(ctx, r), ErrAlreadyUsed)

		require.NoError(t, s.Commit(ctx, r.Payer, r.Nonce))
		assert.ErrorIs(t, s.Reserve(ctx, r), ErrAlreadyUsed)

		got, err := s.Get(ctx, r.Payer, r.Nonce)
		require.NoError(t, err)
		assert.Equal(t, StatusConsumed, got.Status)
		assert.Equal(t, uint64(5000), got.Amount)
		assert.Equal(t, strings.ToLower(r.Payer), got.Payer)
	})

	t.Run("case-folded replay", func(t *testing.T) {
		s := newStore(t)
		r := freshRecord()
		require.NoError(t, s.Reserve(ctx, r))

		dup := *r
		dup.Payer = strings.ToLower(r.Payer)
		dup.Nonce = "0x" + strings.ToUpper(r.Nonce[2:])
		assert.ErrorIs(t, s.Reserve(ctx, &dup), ErrAlreadyUsed)
	})

	t.Run("nonce without 0x prefix is the same pair", func(t *testing.T) {
		s := newStore(t)
		r := freshRecord()
		require.NoError(t, s.Reserve(ctx, r))
		require.NoError(t, s.Commit(ctx, r.Payer, r.Nonce))

		for _, nonce := range []string{r.Nonce[2:], strings.ToUpper(r.Nonce[2:]), "0X" + r.Nonce[2:]} {
			dup := *r
			dup.Nonce = nonce
			assert.ErrorIs(t, s.Reserve(ctx, &dup), ErrAlreadyUsed, nonce)

			got, err := s.Get(ctx, r.Payer, nonce)
			require.NoError(t, err)
			assert.Equal(t, r.Nonce, got.Nonce)
		}
	})

	t.Run("release allows exactly one retry", func(t *testing.T) {
		s := newStore(t)
		r := freshRecord()
		require.NoError(t, s.Reserve(ctx, r))

		retryable, err := s.Release(ctx, r.Payer, r.Nonce)
		require.NoError(t, err)
		assert.True(t, retryable)

		got, err := s.Get(ctx, r.Payer, r.Nonce)
		require.NoError(t, err)
		assert.Equal(t, StatusReleased, got.Status)
		assert.Equal(t, 1, got.Releases)

		require.NoError(t, s.Reserve(ctx, r))
		retryable, err = s.Release(ctx, r.Payer, r.Nonce)
		require.NoError(t, err)
		assert.False(t, retryable)

		assert.ErrorIs(t, s.Reserve(ctx, r), ErrAlreadyUsed)
	})

	t.Run("commit and release need a pending record", func(t *testing.T) {
		s := newStore(t)
		r := freshRecord()

		assert.Error(t, s.Commit(ctx, r.Payer, r.Nonce))
		_, err := s.Release(ctx, r.Payer, r.Nonce)
		assert.Error(t, err)

		require.NoError(t, s.Reserve(ctx, r))
		require.NoError(t, s.Commit(ctx, r.Payer, r.Nonce))
		assert.ErrorIs(t, s.Commit(ctx, r.Payer, r.Nonce), ErrNotPending)
		_, err = s.Release(ctx, r.Payer, r.Nonce)
		assert.ErrorIs(t, err, ErrNotPending)
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, testPayer, "0xdeadbeef")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent reserve has one winner", func(t *testing.T) {
		s := newStore(t)
		r := freshRecord()

		const n = 32
		var wins atomic.Int32
		var wg sync.WaitGroup
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func() {
				defer wg.Done()
				cp := *r
				if err := s.Reserve(ctx, &cp); err == nil {
					wins.Add(1)
				} else {
					assert.ErrorIs(t, err, ErrAlreadyUsed)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(ctx))
	})
}
