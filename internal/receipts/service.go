package receipts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fredagent/x402proxy/internal/metrics"
	"github.com/fredagent/x402proxy/internal/pagination"
	"github.com/fredagent/x402proxy/pkg/x402"
)

// Service implements receipt business logic.
type Service struct {
	store  Store
	signer *Signer
	now    func() time.Time
}

// NewService creates a new receipt service.
// If signer is nil, Issue is a no-op (signing disabled).
func NewService(store Store, signer *Signer) *Service {
	return &Service{
		store:  store,
		signer: signer,
		now:    time.Now,
	}
}

// Enabled reports whether receipts are being issued.
func (s *Service) Enabled() bool {
	return s != nil && s.signer != nil
}

// Issue signs and persists a receipt. It returns (nil, nil) when signing
// is disabled.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Receipt, error) {
	if !s.Enabled() {
		return nil, nil
	}

	r := &Receipt{
		ID:        IDFor(req.Payer, req.Nonce),
		Payer:     strings.ToLower(req.Payer),
		Recipient: strings.ToLower(req.Recipient),
		Nonce:     strings.ToLower(req.Nonce),
		Amount:    req.Amount,
		Asset:     req.Asset,
		Network:   req.Network,
		Resource:  req.Resource,
		AgentID:   req.AgentID,
	}

	payload := payloadOf(r)
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("receipts: failed to marshal payload: %w", err)
	}
	hash := sha256.Sum256(data)
	sig, err := s.signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("receipts: failed to sign: %w", err)
	}

	now := s.now().UTC().Truncate(time.Second)
	r.PayloadHash = hex.EncodeToString(hash[:])
	r.Signature = sig
	r.IssuedAt = now
	r.ExpiresAt = now.Add(signatureValidity)
	r.CreatedAt = now

	if err := s.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("receipts: store: %w", err)
	}
	metrics.ReceiptsIssuedTotal.Inc()
	return r, nil
}

// IssueFor issues the receipt of a settled payment.
func (s *Service) IssueFor(ctx context.Context, p x402.SignedPayment, res x402.SettlementResult) (*Receipt, error) {
	return s.Issue(ctx, IssueRequest{
		Payer:     res.Payer,
		Recipient: p.Payload.Authorization.To,
		Nonce:     res.Nonce,
		Amount:    res.AmountAccepted,
		Asset:     p.Asset,
		Network:   p.Network,
		Resource:  p.Resource,
		AgentID:   p.Payload.AgentID,
	})
}

// Get returns a receipt by ID.
func (s *Service) Get(ctx context.Context, id string) (*Receipt, error) {
	return s.store.Get(ctx, id)
}

// ListByPayer returns one page of a payer's receipts, newest first, and the
// cursor of the next page ("" on the last page).
func (s *Service) ListByPayer(ctx context.Context, payer string, limit int, cursor string) ([]*Receipt, string, error) {
	if limit <= 0 {
		limit = 50
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", ErrInvalidCursor
	}

	// One extra row tells whether another page exists
	list, err := s.store.ListByPayer(ctx, strings.ToLower(payer), limit+1, after)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(list, limit, func(r *Receipt) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	return page, next, nil
}

// Verify checks whether a receipt's signature is valid.
func (s *Service) Verify(ctx context.Context, receiptID string) (*VerifyResponse, error) {
	if !s.Enabled() {
		return &VerifyResponse{ReceiptID: receiptID, Error: ErrSigningDisabled.Error()}, nil
	}

	r, err := s.store.Get(ctx, receiptID)
	if err != nil {
		if err == ErrReceiptNotFound {
			return &VerifyResponse{ReceiptID: receiptID, Error: err.Error()}, nil
		}
		return nil, err
	}

	resp := &VerifyResponse{
		Valid:     s.signer.Verify(payloadOf(r), r.Signature),
		ReceiptID: receiptID,
	}
	if !resp.Valid {
		resp.Error = "signature verification failed"
	} else if s.now().After(r.ExpiresAt) {
		resp.Expired = true
	}
	return resp, nil
}

func payloadOf(r *Receipt) receiptPayload {
	var agent string
	if r.AgentID != nil {
		agent = strconv.FormatUint(*r.AgentID, 10)
	}
	return receiptPayload{
		AgentID:   agent,
		Amount:    strconv.FormatUint(r.Amount, 10),
		Asset:     r.Asset,
		ID:        r.ID,
		Network:   r.Network,
		Nonce:     r.Nonce,
		Payer:     r.Payer,
		Recipient: r.Recipient,
		Resource:  r.Resource,
	}
}
