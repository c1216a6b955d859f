// Package identity reads and registers ERC-8004 agent identities in the
// on-chain identity registry.
package identity

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/fredagent/x402proxy/internal/metrics"
	"github.com/fredagent/x402proxy/internal/retry"
	"github.com/fredagent/x402proxy/pkg/x402"
)

var ErrNotRegistered = errors.New("identity: address has no registered agent")

// ContractCaller is the read-only slice of an Ethereum client the
// resolver needs. *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

const registryABI = `[
	{"inputs":[{"name":"to","type":"address"},{"name":"tokenURI","type":"string"}],"name":"register","outputs":[{"name":"tokenId","type":"uint256"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"owner","type":"address"},{"name":"index","type":"uint256"}],"name":"tokenOfOwnerByIndex","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"tokenId","type":"uint256"}],"name":"tokenURI","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"}
]`

var parsedRegistry = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		panic("identity: bad registry ABI: " + err.Error())
	}
	return parsed
}()

// Agent is one registered identity.
type Agent struct {
	ID       uint64 `json:"agentId"`
	Owner    string `json:"owner"`
	URI      string `json:"tokenURI,omitempty"`
	Registry string `json:"registry"`
	Count    uint64 `json:"registeredCount"`
}

// Resolver looks up agent ids in an ERC-8004 identity registry.
type Resolver struct {
	client   ContractCaller
	registry common.Address
	policy   retry.Policy
}

var _ x402.IdentityResolver = (*Resolver)(nil)

// NewResolver creates a resolver for the registry at the given address.
func NewResolver(client ContractCaller, registry common.Address) *Resolver {
	return &Resolver{client: client, registry: registry, policy: retry.DefaultPolicy}
}

// WithPolicy overrides the retry policy for chain reads.
func (r *Resolver) WithPolicy(p retry.Policy) *Resolver {
	r.policy = p
	return r
}

// Registry returns the registry contract address.
func (r *Resolver) Registry() common.Address {
	return r.registry
}

// AgentID returns the first agent id owned by owner. ok is false when the
// owner has none.
func (r *Resolver) AgentID(ctx context.Context, owner common.Address) (uint64, bool, error) {
	count, err := r.uintCall(ctx, "balanceOf", owner)
	if err != nil {
		return 0, false, err
	}
	if count.Sign() == 0 {
		return 0, false, nil
	}
	id, err := r.uintCall(ctx, "tokenOfOwnerByIndex", owner, big.NewInt(0))
	if err != nil {
		return 0, false, err
	}
	if !id.IsUint64() {
		return 0, false, fmt.Errorf("identity: agent id %s overflows uint64", id)
	}
	return id.Uint64(), true, nil
}

// Agent returns the full record of owner's first agent, including its
// registration URI.
func (r *Resolver) Agent(ctx context.Context, owner common.Address) (*Agent, error) {
	count, err := r.uintCall(ctx, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	if count.Sign() == 0 {
		return nil, ErrNotRegistered
	}
	id, err := r.uintCall(ctx, "tokenOfOwnerByIndex", owner, big.NewInt(0))
	if err != nil {
		return nil, err
	}
	if !id.IsUint64() {
		return nil, fmt.Errorf("identity: agent id %s overflows uint64", id)
	}

	out, err := r.call(ctx, "tokenURI", id)
	if err != nil {
		return nil, err
	}
	uri, ok := out[0].(string)
	if !ok {
		return nil, fmt.Errorf("identity: tokenURI returned %T", out[0])
	}

	return &Agent{
		ID:       id.Uint64(),
		Owner:    owner.Hex(),
		URI:      uri,
		Registry: r.registry.Hex(),
		Count:    count.Uint64(),
	}, nil
}

func (r *Resolver) uintCall(ctx context.Context, method string, args ...any) (*big.Int, error) {
	out, err := r.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("identity: %s returned %T", method, out[0])
	}
	return v, nil
}

func (r *Resolver) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := parsedRegistry.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("identity: pack %s: %w", method, err)
	}

	raw, err := retry.Value(ctx, r.policy, func(ctx context.Context) ([]byte, error) {
		return r.client.CallContract(ctx, ethereum.CallMsg{To: &r.registry, Data: data}, nil)
	})
	metrics.ObserveUpstreamCall("identity_registry", method, err)
	if err != nil {
		return nil, fmt.Errorf("identity: call %s: %w", method, err)
	}

	out, err := parsedRegistry.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("identity: unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("identity: %s returned nothing", method)
	}
	return out, nil
}
