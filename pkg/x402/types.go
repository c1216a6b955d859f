// Package x402 implements the x402 payment protocol: the descriptors
// exchanged between a priced resource and its payer, their wire codec,
// the canonical signing form, and a client that pays 402 challenges.
package x402

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the only protocol version this package speaks.
const Version = 1

// SchemeExact is a payment of exactly the authorized value.
const SchemeExact = "exact"

// Header names.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentLegacy   = "X-402-Payment"
	HeaderPaymentResponse = "X-Payment-Response"
	HeaderPaymentRequired = "X-Payment-Required"
)

// Reason is a machine-readable verification failure code.
type Reason string

const (
	ReasonInvalidSignature   Reason = "invalid_signature"
	ReasonRecipientMismatch  Reason = "recipient_mismatch"
	ReasonAssetMismatch      Reason = "asset_mismatch"
	ReasonInsufficientAmount Reason = "insufficient_amount"
	ReasonNotYetValid        Reason = "not_yet_valid"
	ReasonExpired            Reason = "expired"
	ReasonWindowTooLong      Reason = "window_too_long"
	ReasonReplay             Reason = "replay"
	ReasonMalformedPayment   Reason = "malformed_payment"
	ReasonStoreUnavailable   Reason = "store_unavailable"
)

// PriceQuote is what a resource charges for one call. It is issued fresh
// with every 402 response.
type PriceQuote struct {
	Scheme            string
	Network           string
	Asset             string
	Amount            uint64
	PayTo             string
	Resource          string
	Description       string
	MimeType          string
	MaxTimeoutSeconds int
}

// PaymentAuthorization is the payer's signed promise to pay Value to To
// between ValidAfter and ValidBefore (unix seconds, both inclusive).
// On the wire every field is a string.
type PaymentAuthorization struct {
	From        string `validate:"required,eth_addr"`
	To          string `validate:"required,eth_addr"`
	Value       uint64
	ValidAfter  int64 `validate:"gte=0"`
	ValidBefore int64 `validate:"gtefield=ValidAfter"`
	Nonce       string `validate:"required,nonce"`
}

type authorizationWire struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

func (a PaymentAuthorization) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.wire())
}

func (a *PaymentAuthorization) UnmarshalJSON(data []byte) error {
	var w authorizationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	value, err := strconv.ParseUint(w.Value, 10, 64)
	if err != nil {
		return fmt.Errorf("value: %w", err)
	}
	after, err := strconv.ParseInt(w.ValidAfter, 10, 64)
	if err != nil {
		return fmt.Errorf("validAfter: %w", err)
	}
	before, err := strconv.ParseInt(w.ValidBefore, 10, 64)
	if err != nil {
		return fmt.Errorf("validBefore: %w", err)
	}
	*a = PaymentAuthorization{
		From:        w.From,
		To:          w.To,
		Value:       value,
		ValidAfter:  after,
		ValidBefore: before,
		Nonce:       w.Nonce,
	}
	return nil
}

func (a PaymentAuthorization) wire() authorizationWire {
	return authorizationWire{
		From:        a.From,
		To:          a.To,
		Value:       strconv.FormatUint(a.Value, 10),
		ValidAfter:  strconv.FormatInt(a.ValidAfter, 10),
		ValidBefore: strconv.FormatInt(a.ValidBefore, 10),
		Nonce:       a.Nonce,
	}
}

// PaymentPayload carries the authorization, its signature and the
// payer's optional ERC-8004 agent id.
type PaymentPayload struct {
	Signature     string               `json:"signature" validate:"required,hexadecimal"`
	Authorization PaymentAuthorization `json:"authorization"`
	AgentID       *uint64              `json:"agentId,omitempty"`
}

// SignedPayment is the payment evidence attached to a retried request.
type SignedPayment struct {
	X402Version int            `json:"x402Version" validate:"eq=1"`
	Scheme      string         `json:"scheme" validate:"eq=exact"`
	Network     string         `json:"network" validate:"required,startswith=eip155:"`
	Asset       string         `json:"asset,omitempty"`
	Payload     PaymentPayload `json:"payload"`
	Resource    string         `json:"resource,omitempty"`
}

// Payer returns the authorizing address.
func (p *SignedPayment) Payer() string { return p.Payload.Authorization.From }

// SettlementResult is the outcome of verifying a SignedPayment.
type SettlementResult struct {
	Valid          bool   `json:"valid"`
	AmountAccepted uint64 `json:"amountAccepted"`
	Reason         Reason `json:"reason,omitempty"`
	Payer          string `json:"payer,omitempty"`
	Nonce          string `json:"nonce,omitempty"`
}

// Requirements is one entry of a 402 challenge's accepts list.
type Requirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network" validate:"required,startswith=eip155:"`
	MaxAmountRequired string `json:"maxAmountRequired" validate:"required,number"`
	Asset             string `json:"asset" validate:"required"`
	PayTo             string `json:"payTo" validate:"required,eth_addr"`
	Resource          string `json:"resource,omitempty"`
	Description       string `json:"description,omitempty"`
	MimeType          string `json:"mimeType,omitempty"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty" validate:"gte=0"`
}

// PaymentRequired is the body of a 402 response.
type PaymentRequired struct {
	X402Version int            `json:"x402Version"`
	Accepts     []Requirements `json:"accepts"`
	Resource    string         `json:"resource"`
	Error       Reason         `json:"error,omitempty"`
	Message     string         `json:"message,omitempty"`
}
