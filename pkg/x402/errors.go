package x402

import (
	"errors"
	"fmt"
)

var (
	ErrPriceExceeded       = errors.New("x402: quoted price exceeds maximum")
	ErrPaymentRejected     = errors.New("x402: payment rejected")
	ErrTransport           = errors.New("x402: transport failure")
	ErrMalformedDescriptor = errors.New("x402: malformed payment descriptor")
	ErrUnexpectedStatus    = errors.New("x402: unexpected response status")
)

// PriceExceededError is returned when a quote is above the caller's budget.
// Nothing has been signed or sent when it is returned.
type PriceExceededError struct {
	Quote PriceQuote
	Max   uint64
}

func (e *PriceExceededError) Error() string {
	return fmt.Sprintf("x402: price %d exceeds maximum %d for %s", e.Quote.Amount, e.Max, e.Quote.Resource)
}

func (e *PriceExceededError) Unwrap() error { return ErrPriceExceeded }

// PaymentRejectedError carries the server's verification failure code.
// The authorization is spent for this attempt; retrying needs a new nonce.
type PaymentRejectedError struct {
	Reason  Reason
	Message string
}

func (e *PaymentRejectedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("x402: payment rejected (%s): %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("x402: payment rejected (%s)", e.Reason)
}

func (e *PaymentRejectedError) Unwrap() error { return ErrPaymentRejected }

// TransportError wraps network failures and timeouts.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("x402: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// MalformedDescriptorError reports a descriptor that failed to decode.
type MalformedDescriptorError struct {
	Field string
	Err   error
}

func (e *MalformedDescriptorError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("x402: malformed descriptor: %v", e.Err)
	}
	return fmt.Sprintf("x402: malformed descriptor field %s: %v", e.Field, e.Err)
}

func (e *MalformedDescriptorError) Unwrap() error { return e.Err }

func (e *MalformedDescriptorError) Is(target error) bool { return target == ErrMalformedDescriptor }

// ServerError is a response status the protocol has no meaning for,
// such as a 502 from a failed guarded operation.
type ServerError struct {
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
	Body       []byte
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("x402: server returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("x402: server returned %d", e.StatusCode)
}

func (e *ServerError) Unwrap() error { return ErrUnexpectedStatus }
