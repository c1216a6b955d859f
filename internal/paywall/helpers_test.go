package paywall

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fredagent/x402proxy/internal/idgen"
	"github.com/fredagent/x402proxy/internal/nonces"
	"github.com/fredagent/x402proxy/internal/syncutil"
	"github.com/fredagent/x402proxy/internal/wallet"
	"github.com/fredagent/x402proxy/pkg/x402"
	"github.com/stretchr/testify/require"
)

const (
	recipient = "0xd5950fbB8393C3C50FA31a71faabc73C4EB2E237"
	stranger  = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"
	network   = "eip155:8453"
	asset     = "eip155:8453/erc20:0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
)

var fixedNow = time.Unix(1_760_000_000, 0)

func quote() x402.PriceQuote {
	return x402.PriceQuote{
		Scheme:   x402.SchemeExact,
		Network:  network,
		Asset:    asset,
		Amount:   5000,
		PayTo:    recipient,
		Resource: "http://localhost:8402/inference",
	}
}

func newWallet(t *testing.T) *wallet.Wallet {
	t.Helper()
	w, err := wallet.Generate()
	require.NoError(t, err)
	return w
}

// signedPayment builds a correctly signed payment for quote(), letting
// the caller adjust the authorization before it is signed.
func signedPayment(t *testing.T, w *wallet.Wallet, mutate func(*x402.PaymentAuthorization)) x402.SignedPayment {
	t.Helper()
	q := quote()
	auth := x402.PaymentAuthorization{
		From:        w.Address().Hex(),
		To:          q.PayTo,
		Value:       q.Amount,
		ValidAfter:  fixedNow.Add(-time.Minute).Unix(),
		ValidBefore: fixedNow.Add(5 * time.Minute).Unix(),
		Nonce:       idgen.Nonce(),
	}
	if mutate != nil {
		mutate(&auth)
	}
	sig, err := x402.SignAuthorization(w, auth)
	require.NoError(t, err)

	return x402.SignedPayment{
		X402Version: x402.Version,
		Scheme:      x402.SchemeExact,
		Network:     q.Network,
		Asset:       q.Asset,
		Payload:     x402.PaymentPayload{Signature: sig, Authorization: auth},
		Resource:    q.Resource,
	}
}

var errDown = errors.New("connection refused")

// downStore fails every call, as an unreachable database would.
type downStore struct{}

func (downStore) Reserve(context.Context, *nonces.Record) error { return errDown }
func (downStore) Commit(context.Context, string, string) error  { return errDown }
func (downStore) Release(context.Context, string, string) (bool, error) {
	return false, errDown
}
func (downStore) Get(context.Context, string, string) (*nonces.Record, error) {
	return nil, errDown
}
func (downStore) Ping(context.Context) error { return errDown }

func paymentKeyOf(p x402.SignedPayment) string {
	return syncutil.PaymentKey(p.Payer(), p.Payload.Authorization.Nonce)
}
