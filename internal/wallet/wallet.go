// Package wallet holds the payer's signing key and reads its token
// balance. It never moves funds: payments are signed authorizations that
// the resource server accepts off-chain. The only transaction it signs
// is the agent's identity registration.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fredagent/x402proxy/pkg/x402"
)

var (
	ErrInvalidPrivateKey = errors.New("wallet: invalid private key")
	ErrNoClient          = errors.New("wallet: no chain client configured")
	ErrNoToken           = errors.New("wallet: no token configured")
)

// ContractCaller is the read-only slice of an Ethereum client the wallet
// needs. *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

var parsedERC20 = mustParseABI(erc20ABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("wallet: bad ERC20 ABI: " + err.Error())
	}
	return parsed
}

// Wallet signs x402 authorizations with a secp256k1 key.
type Wallet struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	client     ContractCaller
	token      common.Address
	hasToken   bool
}

var _ x402.Signer = (*Wallet)(nil)

// Option configures the wallet
type Option func(*Wallet)

// WithClient sets the chain client used for balance reads.
func WithClient(client ContractCaller) Option {
	return func(w *Wallet) { w.client = client }
}

// WithToken sets the ERC-20 contract whose balance TokenBalance reads.
func WithToken(token common.Address) Option {
	return func(w *Wallet) {
		w.token = token
		w.hasToken = true
	}
}

// FromHex loads a wallet from a hex private key, with or without 0x.
func FromHex(privateKeyHex string, opts ...Option) (*Wallet, error) {
	key := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return FromKey(privateKey, opts...), nil
}

// FromKey wraps an existing private key.
func FromKey(privateKey *ecdsa.PrivateKey, opts ...Option) *Wallet {
	w := &Wallet{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Generate creates a wallet with a fresh random key.
func Generate(opts ...Option) (*Wallet, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("wallet: generate key: %w", err)
	}
	return FromKey(privateKey, opts...), nil
}

// Address returns the wallet's address
func (w *Wallet) Address() common.Address {
	return w.address
}

// SignMessage produces an EIP-191 personal_sign signature with v in {27, 28}.
func (w *Wallet) SignMessage(message []byte) ([]byte, error) {
	sig, err := crypto.Sign(x402.HashMessage(message), w.privateKey)
	if err != nil {
		return nil, fmt.Errorf("wallet: sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// SignTx signs tx for the given chain with EIP-155 replay protection.
func (w *Wallet) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), w.privateKey)
	if err != nil {
		return nil, fmt.Errorf("wallet: sign tx: %w", err)
	}
	return signed, nil
}

// TokenBalance returns the wallet's balance of the configured token in
// smallest units.
func (w *Wallet) TokenBalance(ctx context.Context) (*big.Int, error) {
	if w.client == nil {
		return nil, ErrNoClient
	}
	if !w.hasToken {
		return nil, ErrNoToken
	}

	data, err := parsedERC20.Pack("balanceOf", w.address)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}
	result, err := w.client.CallContract(ctx, ethereum.CallMsg{To: &w.token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}
	return new(big.Int).SetBytes(result), nil
}
