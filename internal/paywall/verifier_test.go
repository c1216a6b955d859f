package paywall

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fredagent/x402proxy/internal/nonces"
	"github.com/fredagent/x402proxy/pkg/x402"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVerifier(store nonces.Store) *Verifier {
	return NewVerifier(store, WithClock(func() time.Time { return fixedNow }))
}

func TestVerify_Accepts(t *testing.T) {
	store := nonces.NewMemoryStore()
	v := newTestVerifier(store)
	w := newWallet(t)
	p := signedPayment(t, w, nil)

	res := v.Verify(context.Background(), p, ExpectationFor(quote()))
	require.True(t, res.Valid, "reason: %s", res.Reason)
	assert.Equal(t, uint64(5000), res.AmountAccepted)
	assert.Equal(t, w.Address().Hex(), res.Payer)
	assert.Empty(t, res.Reason)

	rec, err := store.Get(context.Background(), res.Payer, res.Nonce)
	require.NoError(t, err)
	assert.Equal(t, nonces.StatusPending, rec.Status)
	assert.Equal(t, asset, rec.Asset)
}

func TestVerify_OverpaymentAccepted(t *testing.T) {
	v := newTestVerifier(nonces.NewMemoryStore())
	p := signedPayment(t, newWallet(t), func(a *x402.PaymentAuthorization) { a.Value = 7500 })

	res := v.Verify(context.Background(), p, ExpectationFor(quote()))
	require.True(t, res.Valid)
	assert.Equal(t, uint64(7500), res.AmountAccepted)
}

func TestVerify_Reasons(t *testing.T) {
	tests := []struct {
		name   string
		build  func(t *testing.T) x402.SignedPayment
		reason x402.Reason
	}{
		{
			name: "signed by someone else",
			build: func(t *testing.T) x402.SignedPayment {
				p := signedPayment(t, newWallet(t), nil)
				p.Payload.Authorization.From = stranger
				return p
			},
			reason: x402.ReasonInvalidSignature,
		},
		{
			name: "value tampered after signing",
			build: func(t *testing.T) x402.SignedPayment {
				p := signedPayment(t, newWallet(t), nil)
				p.Payload.Authorization.Value = 1_000_000
				return p
			},
			reason: x402.ReasonInvalidSignature,
		},
		{
			name: "garbage signature",
			build: func(t *testing.T) x402.SignedPayment {
				p := signedPayment(t, newWallet(t), nil)
				p.Payload.Signature = "0xdeadbeef"
				return p
			},
			reason: x402.ReasonInvalidSignature,
		},
		{
			name: "wrong recipient",
			build: func(t *testing.T) x402.SignedPayment {
				return signedPayment(t, newWallet(t), func(a *x402.PaymentAuthorization) { a.To = stranger })
			},
			reason: x402.ReasonRecipientMismatch,
		},
		{
			name: "wrong network",
			build: func(t *testing.T) x402.SignedPayment {
				p := signedPayment(t, newWallet(t), nil)
				p.Network = "eip155:1"
				return p
			},
			reason: x402.ReasonAssetMismatch,
		},
		{
			name: "wrong asset",
			build: func(t *testing.T) x402.SignedPayment {
				p := signedPayment(t, newWallet(t), nil)
				p.Asset = "eip155:8453/erc20:0x8ba1f109551bD432803012645Ac136ddd64DBA72"
				return p
			},
			reason: x402.ReasonAssetMismatch,
		},
		{
			name: "underpaid",
			build: func(t *testing.T) x402.SignedPayment {
				return signedPayment(t, newWallet(t), func(a *x402.PaymentAuthorization) { a.Value = 4999 })
			},
			reason: x402.ReasonInsufficientAmount,
		},
		{
			name: "not yet valid",
			build: func(t *testing.T) x402.SignedPayment {
				return signedPayment(t, newWallet(t), func(a *x402.PaymentAuthorization) {
					a.ValidAfter = fixedNow.Add(time.Minute).Unix()
				})
			},
			reason: x402.ReasonNotYetValid,
		},
		{
			name: "expired",
			build: func(t *testing.T) x402.SignedPayment {
				return signedPayment(t, newWallet(t), func(a *x402.PaymentAuthorization) {
					a.ValidAfter = fixedNow.Add(-10 * time.Minute).Unix()
					a.ValidBefore = fixedNow.Add(-time.Second).Unix()
				})
			},
			reason: x402.ReasonExpired,
		},
		{
			name: "unbounded window",
			build: func(t *testing.T) x402.SignedPayment {
				return signedPayment(t, newWallet(t), func(a *x402.PaymentAuthorization) {
					a.ValidAfter = 0
					a.ValidBefore = 1<<62 - 1
				})
			},
			reason: x402.ReasonWindowTooLong,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := nonces.NewMemoryStore()
			v := newTestVerifier(store)
			p := tt.build(t)

			res := v.Verify(context.Background(), p, ExpectationFor(quote()))
			assert.False(t, res.Valid)
			assert.Zero(t, res.AmountAccepted)
			assert.Equal(t, tt.reason, res.Reason)

			// A rejected payment never touches the nonce set.
			_, err := store.Get(context.Background(), p.Payer(), p.Payload.Authorization.Nonce)
			assert.ErrorIs(t, err, nonces.ErrNotFound)
		})
	}
}

func TestVerify_FirstFailureWins(t *testing.T) {
	v := newTestVerifier(nonces.NewMemoryStore())
	exp := ExpectationFor(quote())

	// Wrong recipient and underpaid: recipient is checked first.
	p := signedPayment(t, newWallet(t), func(a *x402.PaymentAuthorization) {
		a.To = stranger
		a.Value = 1
	})
	assert.Equal(t, x402.ReasonRecipientMismatch, v.Verify(context.Background(), p, exp).Reason)

	// Underpaid and expired: amount is checked before time.
	p = signedPayment(t, newWallet(t), func(a *x402.PaymentAuthorization) {
		a.Value = 1
		a.ValidBefore = fixedNow.Add(-time.Second).Unix()
		a.ValidAfter = a.ValidBefore - 60
	})
	assert.Equal(t, x402.ReasonInsufficientAmount, v.Verify(context.Background(), p, exp).Reason)

	// Bad signature masks everything else.
	p.Payload.Signature = "0x00"
	assert.Equal(t, x402.ReasonInvalidSignature, v.Verify(context.Background(), p, exp).Reason)
}

func TestVerify_BoundsAreInclusive(t *testing.T) {
	v := newTestVerifier(nonces.NewMemoryStore())
	exp := ExpectationFor(quote())

	p := signedPayment(t, newWallet(t), func(a *x402.PaymentAuthorization) {
		a.ValidAfter = fixedNow.Unix()
		a.ValidBefore = fixedNow.Unix()
	})
	assert.True(t, v.Verify(context.Background(), p, exp).Valid)
}

func TestVerify_EmptyAssetAccepted(t *testing.T) {
	v := newTestVerifier(nonces.NewMemoryStore())
	p := signedPayment(t, newWallet(t), nil)
	p.Asset = ""

	assert.True(t, v.Verify(context.Background(), p, ExpectationFor(quote())).Valid)
}

func TestVerify_Replay(t *testing.T) {
	store := nonces.NewMemoryStore()
	v := newTestVerifier(store)
	p := signedPayment(t, newWallet(t), nil)
	exp := ExpectationFor(quote())

	first := v.Verify(context.Background(), p, exp)
	require.True(t, first.Valid)

	// Still pending: a concurrent duplicate is a replay.
	assert.Equal(t, x402.ReasonReplay, v.Verify(context.Background(), p, exp).Reason)

	require.NoError(t, v.Commit(context.Background(), first))
	assert.Equal(t, x402.ReasonReplay, v.Verify(context.Background(), p, exp).Reason)

	// Nonce case does not open a second slot.
	upper := p
	upper.Payload.Authorization.Nonce = "0x" + upperHex(p.Payload.Authorization.Nonce[2:])
	upper.Payload.Signature = p.Payload.Signature
	assert.Equal(t, x402.ReasonReplay, v.Verify(context.Background(), upper, exp).Reason)
}

func TestVerify_NonceSpellingsShareOneSlot(t *testing.T) {
	store := nonces.NewMemoryStore()
	v := newTestVerifier(store)
	p := signedPayment(t, newWallet(t), nil)
	exp := ExpectationFor(quote())
	ctx := context.Background()

	first := v.Verify(ctx, p, exp)
	require.True(t, first.Valid)
	require.NoError(t, v.Commit(ctx, first))

	digits := strings.TrimPrefix(p.Payload.Authorization.Nonce, "0x")
	for _, nonce := range []string{digits, upperHex(digits), "0X" + upperHex(digits)} {
		t.Run(nonce[:8], func(t *testing.T) {
			resend := p
			resend.Payload.Authorization.Nonce = nonce

			// The signature still checks out for every spelling.
			require.NoError(t, x402.VerifyAuthorization(resend.Payload.Authorization, resend.Payload.Signature))
			assert.Equal(t, x402.ReasonReplay, v.Verify(ctx, resend, exp).Reason)

			header, err := x402.EncodePayment(resend)
			require.NoError(t, err)
			decoded, err := x402.DecodePayment(header)
			require.NoError(t, err)
			assert.Equal(t, p.Payload.Authorization.Nonce, decoded.Payload.Authorization.Nonce)
			assert.Equal(t, x402.ReasonReplay, v.Verify(ctx, decoded, exp).Reason)
		})
	}
}

func TestVerify_UnprefixedNonceFirst(t *testing.T) {
	v := newTestVerifier(nonces.NewMemoryStore())
	w := newWallet(t)
	p := signedPayment(t, w, func(a *x402.PaymentAuthorization) {
		a.Nonce = strings.TrimPrefix(a.Nonce, "0x")
	})
	exp := ExpectationFor(quote())

	res := v.Verify(context.Background(), p, exp)
	require.True(t, res.Valid)
	assert.Equal(t, "0x"+p.Payload.Authorization.Nonce, res.Nonce)

	prefixed := p
	prefixed.Payload.Authorization.Nonce = "0x" + p.Payload.Authorization.Nonce
	assert.Equal(t, x402.ReasonReplay, v.Verify(context.Background(), prefixed, exp).Reason)
}

func upperHex(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'f' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

func TestVerify_ReleaseOnceThenBurn(t *testing.T) {
	store := nonces.NewMemoryStore()
	v := newTestVerifier(store)
	p := signedPayment(t, newWallet(t), nil)
	exp := ExpectationFor(quote())
	ctx := context.Background()

	res := v.Verify(ctx, p, exp)
	require.True(t, res.Valid)
	retryable, err := v.Release(ctx, res)
	require.NoError(t, err)
	assert.True(t, retryable)

	res = v.Verify(ctx, p, exp)
	require.True(t, res.Valid, "released authorization should be accepted once more")
	retryable, err = v.Release(ctx, res)
	require.NoError(t, err)
	assert.False(t, retryable)

	assert.Equal(t, x402.ReasonReplay, v.Verify(ctx, p, exp).Reason)

	rec, err := store.Get(ctx, res.Payer, res.Nonce)
	require.NoError(t, err)
	assert.Equal(t, nonces.StatusConsumed, rec.Status)
}

func TestVerify_ConcurrentDuplicatesSingleWinner(t *testing.T) {
	v := newTestVerifier(nonces.NewMemoryStore())
	p := signedPayment(t, newWallet(t), nil)
	exp := ExpectationFor(quote())

	const n = 32
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		replays atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res := v.Verify(context.Background(), p, exp)
			if res.Valid {
				winners.Add(1)
			} else if res.Reason == x402.ReasonReplay {
				replays.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(n-1), replays.Load())
}

func TestVerify_StoreUnavailableFailsClosed(t *testing.T) {
	v := newTestVerifier(downStore{})
	p := signedPayment(t, newWallet(t), nil)

	res := v.Verify(context.Background(), p, ExpectationFor(quote()))
	assert.False(t, res.Valid)
	assert.Equal(t, x402.ReasonStoreUnavailable, res.Reason)
}

func TestVerify_CancelledContext(t *testing.T) {
	v := newTestVerifier(nonces.NewMemoryStore())
	p := signedPayment(t, newWallet(t), nil)
	exp := ExpectationFor(quote())

	// Hold the key so the second caller has to wait for it.
	unlock, err := v.locks.Lock(context.Background(), paymentKeyOf(p))
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := v.Verify(ctx, p, exp)
	assert.Equal(t, x402.ReasonStoreUnavailable, res.Reason)
}
