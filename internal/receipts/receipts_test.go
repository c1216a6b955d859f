package receipts

import (
	"context"
	"testing"
	"time"

	"github.com/fredagent/x402proxy/pkg/x402"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPayer     = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	testRecipient = "0xd5950fbB8393C3C50FA31a71faabc73C4EB2E237"
	testAsset     = "eip155:8453/erc20:0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	testSecret    = "test-hmac-secret-for-receipts"
)

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	return NewService(store, NewSigner(testSecret)), store
}

func issueTestReceipt(t *testing.T, svc *Service, nonce string) *Receipt {
	t.Helper()
	agent := uint64(42)
	r, err := svc.Issue(context.Background(), IssueRequest{
		Payer:     testPayer,
		Recipient: testRecipient,
		Nonce:     nonce,
		Amount:    5000,
		Asset:     testAsset,
		Network:   "eip155:8453",
		Resource:  "http://localhost:8402/inference",
		AgentID:   &agent,
	})
	require.NoError(t, err)
	require.NotNil(t, r)
	return r
}

func TestIDFor_Deterministic(t *testing.T) {
	a := IDFor(testPayer, "0xABCD")
	b := IDFor("0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266", "0xabcd")
	assert.Equal(t, a, b)
	assert.Equal(t, a, IDFor(testPayer, "abcd"))
	assert.Len(t, a, len("rcpt_")+24)
	assert.NotEqual(t, a, IDFor(testPayer, "0xabce"))
}

func TestIssue(t *testing.T) {
	svc, _ := newTestService()
	r := issueTestReceipt(t, svc, "0x01")

	assert.Equal(t, IDFor(testPayer, "0x01"), r.ID)
	assert.Equal(t, "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266", r.Payer)
	assert.Equal(t, uint64(5000), r.Amount)
	assert.Len(t, r.PayloadHash, 64)
	assert.Len(t, r.Signature, 64)
	assert.Equal(t, r.IssuedAt.Add(signatureValidity), r.ExpiresAt)

	got, err := svc.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Signature, got.Signature)
	require.NotNil(t, got.AgentID)
	assert.Equal(t, uint64(42), *got.AgentID)
}

func TestIssue_IdempotentPerNonce(t *testing.T) {
	svc, store := newTestService()
	first := issueTestReceipt(t, svc, "0x01")
	issueTestReceipt(t, svc, "0x01")

	list, err := store.ListByPayer(context.Background(), first.Payer, 10, nil)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestIssue_SigningDisabled(t *testing.T) {
	svc := NewService(NewMemoryStore(), NewSigner(""))
	assert.False(t, svc.Enabled())

	r, err := svc.Issue(context.Background(), IssueRequest{Payer: testPayer, Nonce: "0x01"})
	assert.NoError(t, err)
	assert.Nil(t, r)

	var nilSvc *Service
	r, err = nilSvc.Issue(context.Background(), IssueRequest{})
	assert.NoError(t, err)
	assert.Nil(t, r)
}

func TestIssueFor(t *testing.T) {
	svc, _ := newTestService()
	p := x402.SignedPayment{
		Network:  "eip155:8453",
		Asset:    testAsset,
		Resource: "http://localhost:8402/inference",
	}
	p.Payload.Authorization.To = testRecipient
	res := x402.SettlementResult{Valid: true, AmountAccepted: 5000, Payer: testPayer, Nonce: "0x02"}

	r, err := svc.IssueFor(context.Background(), p, res)
	require.NoError(t, err)
	assert.Equal(t, IDFor(testPayer, "0x02"), r.ID)
	assert.Equal(t, "0xd5950fbb8393c3c50fa31a71faabc73c4eb2e237", r.Recipient)
	assert.Equal(t, testAsset, r.Asset)
}

func TestVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		svc, _ := newTestService()
		r := issueTestReceipt(t, svc, "0x01")

		resp, err := svc.Verify(ctx, r.ID)
		require.NoError(t, err)
		assert.True(t, resp.Valid)
		assert.False(t, resp.Expired)
		assert.Empty(t, resp.Error)
	})

	t.Run("tampered amount", func(t *testing.T) {
		svc, store := newTestService()
		r := issueTestReceipt(t, svc, "0x01")
		store.receipts[r.ID].Amount = 1

		resp, err := svc.Verify(ctx, r.ID)
		require.NoError(t, err)
		assert.False(t, resp.Valid)
		assert.Equal(t, "signature verification failed", resp.Error)
	})

	t.Run("wrong secret", func(t *testing.T) {
		svc, store := newTestService()
		r := issueTestReceipt(t, svc, "0x01")

		other := NewService(store, NewSigner("another-secret"))
		resp, err := other.Verify(ctx, r.ID)
		require.NoError(t, err)
		assert.False(t, resp.Valid)
	})

	t.Run("expired", func(t *testing.T) {
		svc, _ := newTestService()
		r := issueTestReceipt(t, svc, "0x01")
		svc.now = func() time.Time { return r.ExpiresAt.Add(time.Second) }

		resp, err := svc.Verify(ctx, r.ID)
		require.NoError(t, err)
		assert.True(t, resp.Valid)
		assert.True(t, resp.Expired)
	})

	t.Run("not found", func(t *testing.T) {
		svc, _ := newTestService()
		resp, err := svc.Verify(ctx, "rcpt_missing")
		require.NoError(t, err)
		assert.False(t, resp.Valid)
		assert.Equal(t, ErrReceiptNotFound.Error(), resp.Error)
	})

	t.Run("signing disabled", func(t *testing.T) {
		svc := NewService(NewMemoryStore(), nil)
		resp, err := svc.Verify(ctx, "rcpt_any")
		require.NoError(t, err)
		assert.False(t, resp.Valid)
		assert.Equal(t, ErrSigningDisabled.Error(), resp.Error)
	})
}

func TestListByPayer_Limit(t *testing.T) {
	svc, _ := newTestService()
	for _, n := range []string{"0x01", "0x02", "0x03"} {
		issueTestReceipt(t, svc, n)
	}

	list, next, err := svc.ListByPayer(context.Background(), testPayer, 2, "")
	require.NoError(t, err)
	assert.Len(t, list, 2)
	require.NotEmpty(t, next)

	rest, next, err := svc.ListByPayer(context.Background(), testPayer, 2, next)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Empty(t, next)
	for _, r := range list {
		assert.NotEqual(t, r.ID, rest[0].ID)
	}

	list, _, err = svc.ListByPayer(context.Background(), testRecipient, 10, "")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, _, err = svc.ListByPayer(context.Background(), testPayer, 10, "%%%")
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestSigner(t *testing.T) {
	s := NewSigner("secret")
	payload := map[string]string{"a": "1"}

	sig, err := s.Sign(payload)
	require.NoError(t, err)
	assert.True(t, s.Verify(payload, sig))
	assert.False(t, s.Verify(map[string]string{"a": "2"}, sig))

	var disabled *Signer
	_, err = disabled.Sign(payload)
	assert.ErrorIs(t, err, ErrSigningDisabled)
	assert.False(t, disabled.Verify(payload, sig))
}
