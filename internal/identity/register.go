package identity

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/fredagent/x402proxy/internal/metrics"
)

const (
	// DefaultRegisterGas is used when gas estimation fails.
	DefaultRegisterGas = 200000

	// ConfirmationPollInterval is how often the receipt is polled.
	ConfirmationPollInterval = 2 * time.Second
)

var (
	ErrEmptyURI           = errors.New("identity: registration URI is required")
	ErrRegistrationFailed = errors.New("identity: registration transaction reverted")
)

// ChainClient is the slice of an Ethereum client registration needs.
// *ethclient.Client satisfies it.
type ChainClient interface {
	ContractCaller
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TxSigner signs transactions for the registering account.
// *wallet.Wallet satisfies it.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Registration is the outcome of Register.
type Registration struct {
	AgentID           uint64 `json:"agentId"`
	Owner             string `json:"owner"`
	URI               string `json:"tokenURI"`
	TxHash            string `json:"txHash,omitempty"`
	BlockNumber       uint64 `json:"blockNumber,omitempty"`
	AlreadyRegistered bool   `json:"alreadyRegistered"`
}

// Registrar mints an agent identity for its signer.
type Registrar struct {
	resolver     *Resolver
	client       ChainClient
	signer       TxSigner
	pollInterval time.Duration
}

// NewRegistrar creates a registrar that reads and writes through client.
func NewRegistrar(client ChainClient, registry common.Address, signer TxSigner) *Registrar {
	return &Registrar{
		resolver:     NewResolver(client, registry),
		client:       client,
		signer:       signer,
		pollInterval: ConfirmationPollInterval,
	}
}

// Resolver returns the resolver used for the registration check.
func (r *Registrar) Resolver() *Resolver {
	return r.resolver
}

// Register mints an identity pointing at uri, owned by the signer, and
// waits for it to be mined. An owner that already holds an agent gets
// its existing id back and no transaction is sent.
func (r *Registrar) Register(ctx context.Context, uri string) (*Registration, error) {
	if uri == "" {
		return nil, ErrEmptyURI
	}
	owner := r.signer.Address()

	if id, ok, err := r.resolver.AgentID(ctx, owner); err != nil {
		return nil, err
	} else if ok {
		return &Registration{AgentID: id, Owner: owner.Hex(), URI: uri, AlreadyRegistered: true}, nil
	}

	tx, err := r.buildTx(ctx, owner, uri)
	if err != nil {
		return nil, err
	}
	chainID, err := r.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("identity: chain id: %w", err)
	}
	signed, err := r.signer.SignTx(tx, chainID)
	if err != nil {
		return nil, err
	}

	err = r.client.SendTransaction(ctx, signed)
	metrics.ObserveUpstreamCall("identity_registry", "register", err)
	if err != nil {
		return nil, fmt.Errorf("identity: send register: %w", err)
	}

	receipt, err := r.waitMined(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}

	id, ok, err := r.resolver.AgentID(ctx, owner)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("identity: no agent for %s after tx %s", owner.Hex(), signed.Hash().Hex())
	}
	return &Registration{
		AgentID:     id,
		Owner:       owner.Hex(),
		URI:         uri,
		TxHash:      signed.Hash().Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}

func (r *Registrar) buildTx(ctx context.Context, owner common.Address, uri string) (*types.Transaction, error) {
	data, err := parsedRegistry.Pack("register", owner, uri)
	if err != nil {
		return nil, fmt.Errorf("identity: pack register: %w", err)
	}
	registry := r.resolver.Registry()

	nonce, err := r.client.PendingNonceAt(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("identity: nonce: %w", err)
	}
	gasPrice, err := r.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("identity: gas price: %w", err)
	}
	gas, err := r.client.EstimateGas(ctx, ethereum.CallMsg{From: owner, To: &registry, Data: data})
	if err != nil {
		gas = DefaultRegisterGas
	}

	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &registry,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	}), nil
}

// waitMined polls for the receipt until it appears or ctx ends.
func (r *Registrar) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := r.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt.Status == types.ReceiptStatusFailed:
			return nil, fmt.Errorf("%w: %s", ErrRegistrationFailed, hash.Hex())
		case err == nil:
			return receipt, nil
		case !errors.Is(err, ethereum.NotFound):
			return nil, fmt.Errorf("identity: receipt %s: %w", hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("identity: waiting for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
