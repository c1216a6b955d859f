package x402

import (
	"crypto/ecdsa"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

const (
	testRecipient = "0xd5950fbB8393C3C50FA31a71faabc73C4EB2E237"
	testNetwork   = "eip155:8453"
	testAsset     = "eip155:8453/erc20:0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
)

type keySigner struct {
	key   *ecdsa.PrivateKey
	signs atomic.Int32
}

func newTestSigner(t *testing.T) *keySigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &keySigner{key: key}
}

func (s *keySigner) Address() common.Address { return crypto.PubkeyToAddress(s.key.PublicKey) }

func (s *keySigner) SignMessage(msg []byte) ([]byte, error) {
	s.signs.Add(1)
	sig, err := crypto.Sign(HashMessage(msg), s.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

func testQuote() PriceQuote {
	return PriceQuote{
		Scheme:            SchemeExact,
		Network:           testNetwork,
		Asset:             testAsset,
		Amount:            5000,
		PayTo:             testRecipient,
		Resource:          "http://localhost:8402/inference",
		Description:       "LLM inference",
		MimeType:          "application/json",
		MaxTimeoutSeconds: 300,
	}
}
