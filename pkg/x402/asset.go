package x402

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ChainID extracts the numeric chain id from an "eip155:<id>" network.
func ChainID(network string) (int64, error) {
	rest, ok := strings.CutPrefix(network, "eip155:")
	if !ok {
		return 0, malformed("network", fmt.Errorf("not an eip155 network: %q", network))
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, malformed("network", fmt.Errorf("bad chain id in %q", network))
	}
	return id, nil
}

// ParseAsset splits a CAIP-19 ERC-20 identifier such as
// "eip155:8453/erc20:0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913" into its
// network and token contract.
func ParseAsset(asset string) (network string, token common.Address, err error) {
	network, ref, ok := strings.Cut(asset, "/")
	if !ok {
		return "", common.Address{}, malformed("asset", fmt.Errorf("missing asset reference in %q", asset))
	}
	if _, err := ChainID(network); err != nil {
		return "", common.Address{}, err
	}
	addr, ok := strings.CutPrefix(ref, "erc20:")
	if !ok || !common.IsHexAddress(addr) {
		return "", common.Address{}, malformed("asset", fmt.Errorf("not an erc20 asset: %q", asset))
	}
	return network, common.HexToAddress(addr), nil
}
