package wallet

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/fredagent/x402proxy/pkg/x402"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known development key (hardhat account #0).
const devKey = "ac0974bec39a17e36ba4a4b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
const devAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

func TestFromHex(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"plain", devKey, false},
		{"0x prefix", "0x" + devKey, false},
		{"whitespace", "  " + devKey + "\n", false},
		{"too short", devKey[:10], true},
		{"not hex", strings.Repeat("z", 64), true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := FromHex(tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPrivateKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, devAddr, w.Address().Hex())
		})
	}
}

func TestSignMessage_RecoversToAddress(t *testing.T) {
	w, err := Generate()
	require.NoError(t, err)

	auth := x402.PaymentAuthorization{
		From:        w.Address().Hex(),
		To:          "0xd5950fbB8393C3C50FA31a71faabc73C4EB2E237",
		Value:       5000,
		ValidAfter:  1,
		ValidBefore: 2,
		Nonce:       "0x01",
	}
	sig, err := x402.SignAuthorization(w, auth)
	require.NoError(t, err)

	raw, err := hexutil.Decode(sig)
	require.NoError(t, err)
	assert.Contains(t, []byte{27, 28}, raw[64])
	assert.NoError(t, x402.VerifyAuthorization(auth, sig))
}

func TestSignTx(t *testing.T) {
	w, err := FromHex(devKey)
	require.NoError(t, err)

	to := common.HexToAddress("0x8004A169FB4a3325136EB29fA0ceB6D2e539a432")
	tx := types.NewTx(&types.LegacyTx{Nonce: 3, To: &to, Gas: 200000, GasPrice: big.NewInt(1e9), Data: []byte{0x01}})

	signed, err := w.SignTx(tx, big.NewInt(8453))
	require.NoError(t, err)
	assert.Equal(t, int64(8453), signed.ChainId().Int64())

	from, err := types.Sender(types.NewEIP155Signer(big.NewInt(8453)), signed)
	require.NoError(t, err)
	assert.Equal(t, devAddr, from.Hex())
}

type fakeCaller struct {
	got    ethereum.CallMsg
	result []byte
	err    error
}

func (f *fakeCaller) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.got = call
	return f.result, f.err
}

func TestTokenBalance(t *testing.T) {
	token := common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	caller := &fakeCaller{result: common.LeftPadBytes(big.NewInt(123456).Bytes(), 32)}

	w, err := FromHex(devKey, WithClient(caller), WithToken(token))
	require.NoError(t, err)

	bal, err := w.TokenBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(123456), bal.Int64())
	require.NotNil(t, caller.got.To)
	assert.Equal(t, token, *caller.got.To)
	// balanceOf(address) selector
	assert.Equal(t, "0x70a08231", hexutil.Encode(caller.got.Data[:4]))

	caller.err = errors.New("rpc down")
	_, err = w.TokenBalance(context.Background())
	assert.Error(t, err)
}

func TestTokenBalance_NotConfigured(t *testing.T) {
	w, err := FromHex(devKey)
	require.NoError(t, err)
	_, err = w.TokenBalance(context.Background())
	assert.ErrorIs(t, err, ErrNoClient)

	w, err = FromHex(devKey, WithClient(&fakeCaller{}))
	require.NoError(t, err)
	_, err = w.TokenBalance(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)
}
