package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fredagent/x402proxy/internal/idgen"
)

const (
	// DefaultValidity bounds how long a signed authorization is usable.
	DefaultValidity = 5 * time.Minute
	// DefaultClockSkew backdates validAfter to tolerate server clock drift.
	DefaultClockSkew = 30 * time.Second

	maxResponseBytes = 10 << 20
)

// IdentityResolver looks up the payer's on-chain agent id.
type IdentityResolver interface {
	AgentID(ctx context.Context, owner common.Address) (uint64, bool, error)
}

// Client performs requests against x402-priced endpoints, paying the
// quoted price at most once per call.
type Client struct {
	httpClient *http.Client
	signer     Signer
	identity   IdentityResolver
	validity   time.Duration
	skew       time.Duration
	header     string
	now        func() time.Time

	// OnPayment is called after signing, before the paid request is sent.
	onPayment func(PriceQuote, SignedPayment)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the transport. Its timeout bounds each round-trip.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithValidity sets the authorization validity window.
func WithValidity(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.validity = d
		}
	}
}

// WithIdentity attaches the payer's agent id to every payment.
func WithIdentity(r IdentityResolver) ClientOption {
	return func(c *Client) { c.identity = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// WithOnPayment registers a hook run for every signed payment.
func WithOnPayment(fn func(PriceQuote, SignedPayment)) ClientOption {
	return func(c *Client) { c.onPayment = fn }
}

// WithHeaderName changes the header the payment is sent in.
func WithHeaderName(name string) ClientOption {
	return func(c *Client) { c.header = name }
}

// NewClient creates a new x402-enabled HTTP client
func NewClient(signer Signer, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		signer:     signer,
		validity:   DefaultValidity,
		skew:       DefaultClockSkew,
		header:     HeaderPayment,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Result is a successful response, paid or not.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	Paid          bool
	Quote         *PriceQuote
	Payment       *SignedPayment
	Settlement    *SettlementResult
	PaymentAmount uint64
}

// Decode unmarshals the response body into v.
func (r *Result) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// RequestWithPayment sends payload to endpoint and, if the endpoint
// answers 402, pays the quoted price provided it does not exceed
// maxAcceptablePrice (in the asset's smallest unit).
//
// A nil payload sends a GET; anything else is POSTed as JSON ([]byte is
// sent as is). At most two requests are made.
func (c *Client) RequestWithPayment(ctx context.Context, endpoint string, payload any, maxAcceptablePrice uint64) (*Result, error) {
	method, body, err := encodeBody(payload)
	if err != nil {
		return nil, err
	}

	status, header, respBody, err := c.send(ctx, method, endpoint, body, "", "initial request")
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusPaymentRequired:
	case status >= 400:
		return nil, serverError(status, respBody)
	default:
		return &Result{StatusCode: status, Header: header, Body: respBody}, nil
	}

	quote, err := DecodeChallenge(respBody)
	if err != nil {
		return nil, err
	}
	if quote.Amount > maxAcceptablePrice {
		return nil, &PriceExceededError{Quote: quote, Max: maxAcceptablePrice}
	}

	payment, err := c.Authorize(ctx, quote)
	if err != nil {
		return nil, err
	}
	encoded, err := EncodePayment(payment)
	if err != nil {
		return nil, err
	}
	if c.onPayment != nil {
		c.onPayment(quote, payment)
	}

	status, header, respBody, err = c.send(ctx, method, endpoint, body, encoded, "paid request")
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusPaymentRequired:
		return nil, rejection(respBody)
	case status >= 400:
		return nil, serverError(status, respBody)
	}

	result := &Result{
		StatusCode:    status,
		Header:        header,
		Body:          respBody,
		Paid:          true,
		Quote:         &quote,
		Payment:       &payment,
		PaymentAmount: payment.Payload.Authorization.Value,
	}
	if h := header.Get(HeaderPaymentResponse); h != "" {
		if settlement, err := DecodeSettlement(h); err == nil {
			result.Settlement = &settlement
			result.PaymentAmount = settlement.AmountAccepted
		}
	}
	return result, nil
}

// Authorize builds and signs a payment answering quote.
func (c *Client) Authorize(ctx context.Context, quote PriceQuote) (SignedPayment, error) {
	now := c.now()
	auth := PaymentAuthorization{
		From:        c.signer.Address().Hex(),
		To:          common.HexToAddress(quote.PayTo).Hex(),
		Value:       quote.Amount,
		ValidAfter:  now.Add(-c.skew).Unix(),
		ValidBefore: now.Add(c.validity).Unix(),
		Nonce:       idgen.Nonce(),
	}
	if auth.ValidAfter < 0 {
		auth.ValidAfter = 0
	}

	sig, err := SignAuthorization(c.signer, auth)
	if err != nil {
		return SignedPayment{}, err
	}

	payment := SignedPayment{
		X402Version: Version,
		Scheme:      SchemeExact,
		Network:     quote.Network,
		Asset:       quote.Asset,
		Payload:     PaymentPayload{Signature: sig, Authorization: auth},
		Resource:    quote.Resource,
	}
	// The agent id is informational; a registry outage must not block payment.
	if c.identity != nil {
		if id, ok, err := c.identity.AgentID(ctx, c.signer.Address()); err == nil && ok {
			payment.Payload.AgentID = &id
		}
	}
	return payment, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, body []byte, payment, op string) (int, http.Header, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, nil, &TransportError{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if payment != "" {
		req.Header.Set(c.header, payment)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, &TransportError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, nil, &TransportError{Op: op + ": read body", Err: err}
	}
	return resp.StatusCode, resp.Header, data, nil
}

func encodeBody(payload any) (string, []byte, error) {
	switch p := payload.(type) {
	case nil:
		return http.MethodGet, nil, nil
	case []byte:
		return http.MethodPost, p, nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return "", nil, fmt.Errorf("x402: encode payload: %w", err)
		}
		return http.MethodPost, data, nil
	}
}

func rejection(body []byte) error {
	challenge, err := ParseChallenge(body)
	if err != nil || challenge.Error == "" {
		return &PaymentRejectedError{Reason: "unknown", Message: string(truncate(body, 256))}
	}
	return &PaymentRejectedError{Reason: challenge.Error, Message: challenge.Message}
}

func serverError(status int, body []byte) error {
	e := &ServerError{StatusCode: status, Body: body}
	var payload struct {
		Error     string `json:"error"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	}
	if json.Unmarshal(body, &payload) == nil {
		e.Code = payload.Error
		e.Message = payload.Message
		e.Retryable = payload.Retryable
	}
	return e
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
