package paywall

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fredagent/x402proxy/internal/metrics"
	"github.com/fredagent/x402proxy/internal/nonces"
	"github.com/fredagent/x402proxy/internal/syncutil"
	"github.com/fredagent/x402proxy/internal/traces"
	"github.com/fredagent/x402proxy/pkg/x402"
)

// DefaultMaxWindow caps validBefore - validAfter. Longer-lived
// authorizations are rejected so a leaked header cannot be hoarded.
const DefaultMaxWindow = time.Hour

// Expectation is what the resource requires of a payment.
type Expectation struct {
	Recipient string
	Asset     string
	Network   string
	MinAmount uint64
	Resource  string
}

// ExpectationFor derives the expectation matching a quote.
func ExpectationFor(q x402.PriceQuote) Expectation {
	return Expectation{
		Recipient: q.PayTo,
		Asset:     q.Asset,
		Network:   q.Network,
		MinAmount: q.Amount,
		Resource:  q.Resource,
	}
}

// Verifier checks signed payments and reserves their nonces.
type Verifier struct {
	store     nonces.Store
	locks     *syncutil.KeyLock
	now       func() time.Time
	maxWindow time.Duration
	logger    *slog.Logger
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithClock overrides the time source used for the validity window.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// WithMaxWindow sets the longest validity window accepted. Zero disables
// the check.
func WithMaxWindow(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.maxWindow = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = l }
}

// NewVerifier creates a Verifier that records spent nonces in store.
func NewVerifier(store nonces.Store, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		store:     store,
		locks:     syncutil.NewKeyLock(),
		now:       time.Now,
		maxWindow: DefaultMaxWindow,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks p against exp in a fixed order and stops at the first
// failure:
//
//	signature, recipient, asset, amount, validity window, nonce
//
// A valid result means the nonce is now reserved; the caller must follow
// up with Commit or Release.
func (v *Verifier) Verify(ctx context.Context, p x402.SignedPayment, exp Expectation) x402.SettlementResult {
	auth := p.Payload.Authorization
	ctx, span := traces.StartSpan(ctx, "paywall.Verify",
		traces.Payer(auth.From), traces.Nonce(auth.Nonce), traces.Amount(auth.Value))
	defer span.End()

	start := time.Now()
	res := v.verify(ctx, p, exp)
	metrics.VerifyDuration.Observe(time.Since(start).Seconds())

	if res.Valid {
		metrics.PaymentsVerifiedTotal.WithLabelValues("accepted", "").Inc()
	} else {
		metrics.PaymentsVerifiedTotal.WithLabelValues("rejected", string(res.Reason)).Inc()
		span.SetAttributes(traces.Reason(string(res.Reason)))
	}
	return res
}

func (v *Verifier) verify(ctx context.Context, p x402.SignedPayment, exp Expectation) x402.SettlementResult {
	auth := p.Payload.Authorization
	auth.Nonce = x402.NormalizeNonce(auth.Nonce)
	reject := func(reason x402.Reason) x402.SettlementResult {
		return x402.SettlementResult{Reason: reason, Payer: auth.From, Nonce: auth.Nonce}
	}

	if err := x402.VerifyAuthorization(auth, p.Payload.Signature); err != nil {
		return reject(x402.ReasonInvalidSignature)
	}

	if !common.IsHexAddress(auth.To) || common.HexToAddress(auth.To) != common.HexToAddress(exp.Recipient) {
		return reject(x402.ReasonRecipientMismatch)
	}

	// A payment that omits the asset answers the quote it was built from;
	// the network must still match.
	if p.Network != exp.Network || (p.Asset != "" && !strings.EqualFold(p.Asset, exp.Asset)) {
		return reject(x402.ReasonAssetMismatch)
	}

	if auth.Value < exp.MinAmount {
		return reject(x402.ReasonInsufficientAmount)
	}

	now := v.now().Unix()
	if now < auth.ValidAfter {
		return reject(x402.ReasonNotYetValid)
	}
	if now > auth.ValidBefore {
		return reject(x402.ReasonExpired)
	}
	if v.maxWindow > 0 && auth.ValidBefore-auth.ValidAfter > int64(v.maxWindow/time.Second) {
		return reject(x402.ReasonWindowTooLong)
	}

	unlock, err := v.locks.Lock(ctx, syncutil.PaymentKey(auth.From, auth.Nonce))
	if err != nil {
		return reject(x402.ReasonStoreUnavailable)
	}
	defer unlock()

	err = v.store.Reserve(ctx, &nonces.Record{
		Payer:       auth.From,
		Nonce:       auth.Nonce,
		Recipient:   auth.To,
		Asset:       exp.Asset,
		Resource:    exp.Resource,
		Amount:      auth.Value,
		ValidBefore: time.Unix(auth.ValidBefore, 0).UTC(),
	})
	switch {
	case errors.Is(err, nonces.ErrAlreadyUsed):
		metrics.ObserveNonceOp("reserve", nil)
		return reject(x402.ReasonReplay)
	case err != nil:
		metrics.ObserveNonceOp("reserve", err)
		v.logger.Error("nonce reserve failed", "payer", auth.From, "nonce", auth.Nonce, "error", err)
		return reject(x402.ReasonStoreUnavailable)
	}
	metrics.ObserveNonceOp("reserve", nil)

	return x402.SettlementResult{
		Valid:          true,
		AmountAccepted: auth.Value,
		Payer:          auth.From,
		Nonce:          auth.Nonce,
	}
}

// Commit burns the nonce of a payment whose operation succeeded.
func (v *Verifier) Commit(ctx context.Context, res x402.SettlementResult) error {
	err := v.store.Commit(ctx, res.Payer, res.Nonce)
	metrics.ObserveNonceOp("commit", err)
	return err
}

// Release hands the nonce back after the operation failed. It reports
// whether the same authorization may be submitted again.
func (v *Verifier) Release(ctx context.Context, res x402.SettlementResult) (bool, error) {
	retryable, err := v.store.Release(ctx, res.Payer, res.Nonce)
	metrics.ObserveNonceOp("release", err)
	return retryable, err
}
