// Package nonces records which payment authorizations have been spent.
//
// Each (payer, nonce) pair moves through pending -> consumed, or
// pending -> released -> pending when the paid operation failed and the
// payer is allowed to retry the same authorization. Reserve is the atomic
// check-and-mark: exactly one caller can move a pair into pending.
package nonces

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fredagent/x402proxy/pkg/x402"
)

var (
	ErrAlreadyUsed = errors.New("nonces: already used")
	ErrNotFound    = errors.New("nonces: not found")
	ErrNotPending  = errors.New("nonces: not pending")
)

// Status of a nonce record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusConsumed Status = "consumed"
	StatusReleased Status = "released"
)

// DefaultMaxReleases is how many times a failed operation may hand the
// authorization back to the payer before it is burned anyway.
const DefaultMaxReleases = 1

// Record is one spent (or in-flight) authorization.
type Record struct {
	Payer       string    `json:"payer"`
	Nonce       string    `json:"nonce"`
	Recipient   string    `json:"recipient"`
	Asset       string    `json:"asset"`
	Resource    string    `json:"resource,omitempty"`
	Amount      uint64    `json:"amount"`
	Status      Status    `json:"status"`
	Releases    int       `json:"releases"`
	ValidBefore time.Time `json:"validBefore"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store persists the nonce-consumption set.
type Store interface {
	// Reserve marks the pair pending. It returns ErrAlreadyUsed if the
	// pair is pending or consumed.
	Reserve(ctx context.Context, r *Record) error
	// Commit burns a pending pair.
	Commit(ctx context.Context, payer, nonce string) error
	// Release hands a pending pair back for one more attempt. It reports
	// false when the release budget is spent and the pair was burned.
	Release(ctx context.Context, payer, nonce string) (retryable bool, err error)
	Get(ctx context.Context, payer, nonce string) (*Record, error)
	Ping(ctx context.Context) error
}

// Pruner is implemented by stores that need expired records removed.
// Records past their validity window can never pass the time check
// again, so dropping them does not reopen a replay. That holds for
// pending records too, which is how a reservation orphaned by a failed
// commit or a crash gets cleaned up.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Option configures a store.
type Option func(*options)

type options struct {
	maxReleases int
}

// WithMaxReleases sets the release budget. Zero burns on first failure.
func WithMaxReleases(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxReleases = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{maxReleases: DefaultMaxReleases}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// normalize maps every spelling of a pair that signs the same bytes
// (hex case, nonce with or without 0x) onto one key.
func normalize(payer, nonce string) (string, string) {
	return strings.ToLower(payer), x402.NormalizeNonce(nonce)
}
