// Package receipts issues HMAC-signed proofs that the server accepted an
// x402 payment. A receipt is written once per settled nonce and can be
// looked up or re-verified by either party.
package receipts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/fredagent/x402proxy/internal/pagination"
	"github.com/fredagent/x402proxy/pkg/x402"
)

var (
	ErrReceiptNotFound = errors.New("receipts: not found")
	ErrSigningDisabled = errors.New("receipts: signing disabled (no HMAC secret configured)")
	ErrInvalidCursor   = pagination.ErrInvalid
)

// Receipt is a signed record of one settled payment.
type Receipt struct {
	ID          string    `json:"id"`
	Payer       string    `json:"payer"`
	Recipient   string    `json:"recipient"`
	Nonce       string    `json:"nonce"`
	Amount      uint64    `json:"amount,string"`
	Asset       string    `json:"asset"`
	Network     string    `json:"network"`
	Resource    string    `json:"resource,omitempty"`
	AgentID     *uint64   `json:"agentId,omitempty"`
	PayloadHash string    `json:"payloadHash"` // SHA-256 of the signed payload
	Signature   string    `json:"signature"`   // HMAC-SHA256
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

// IssueRequest is the input for creating a receipt.
type IssueRequest struct {
	Payer     string
	Recipient string
	Nonce     string
	Amount    uint64
	Asset     string
	Network   string
	Resource  string
	AgentID   *uint64
}

// VerifyRequest is the input for verifying a receipt signature.
type VerifyRequest struct {
	ReceiptID string `json:"receiptId" binding:"required,max=64"`
}

// VerifyResponse is the result of receipt verification.
type VerifyResponse struct {
	Valid     bool   `json:"valid"`
	ReceiptID string `json:"receiptId"`
	Expired   bool   `json:"expired,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Store persists receipts. Create is idempotent on the receipt ID.
type Store interface {
	Create(ctx context.Context, receipt *Receipt) error
	Get(ctx context.Context, id string) (*Receipt, error)
	// ListByPayer returns receipts newest first. A non-nil after resumes
	// below that position.
	ListByPayer(ctx context.Context, payer string, limit int, after *pagination.Cursor) ([]*Receipt, error)
}

// IDFor derives the receipt ID of a payment from its payer and nonce, so a
// handler can return the ID before the receipt is written.
func IDFor(payer, nonce string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(payer) + ":" + x402.NormalizeNonce(nonce)))
	return "rcpt_" + hex.EncodeToString(sum[:12])
}

// receiptPayload is the struct signed by HMAC. Field order is alphabetical
// and fixed, so its JSON encoding is deterministic.
type receiptPayload struct {
	AgentID   string `json:"agentId"`
	Amount    string `json:"amount"`
	Asset     string `json:"asset"`
	ID        string `json:"id"`
	Network   string `json:"network"`
	Nonce     string `json:"nonce"`
	Payer     string `json:"payer"`
	Recipient string `json:"recipient"`
	Resource  string `json:"resource"`
}
