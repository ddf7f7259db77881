package bundler

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"
)

func validIntent(from AccountSigner) *TxIntent {
	return &TxIntent{
		Kind:  KindTransfer,
		From:  from,
		To:    common.HexToAddress("0x02"),
		Value: big.NewInt(1000),
		Nonce: 5,
		Gas:   DefaultGasPolicy().Params(KindTransfer),
	}
}

func TestTxBuilder_Build(t *testing.T) {
	signer := newSigner(t)
	builder := NewTxBuilder(testChainID)

	intent := validIntent(signer)
	intent.Data = []byte{0xde, 0xad}
	signed, err := builder.Build(intent)
	require.NoError(t, err)
	require.Equal(t, KindTransfer, signed.Kind)
	require.Equal(t, signer.Address(), signed.From)
	require.Equal(t, 1, signer.count())

	decoded, err := DecodeSignedTx(signed.Raw)
	require.NoError(t, err)
	require.Equal(t, signed.Hash(), decoded.Hash())
	require.Equal(t, uint8(types.DynamicFeeTxType), decoded.Type())
	require.Equal(t, uint64(5), decoded.Nonce())
	require.Equal(t, big.NewInt(1000), decoded.Value())
	require.Equal(t, params.TxGas, decoded.Gas())
	require.Equal(t, big.NewInt(15*params.GWei), decoded.GasFeeCap())
	require.Equal(t, big.NewInt(3*params.GWei/10), decoded.GasTipCap())
	require.Equal(t, testChainID, decoded.ChainId())
	require.Equal(t, []byte{0xde, 0xad}, decoded.Data())

	sender, err := types.Sender(builder.Signer(), decoded)
	require.NoError(t, err)
	require.Equal(t, signer.Address(), sender)

	// nil value means zero
	intent = validIntent(signer)
	intent.Value = nil
	signed, err = builder.Build(intent)
	require.NoError(t, err)
	require.Equal(t, 0, signed.Tx.Value().Sign())
}

func TestTxBuilder_InvalidIntent(t *testing.T) {
	signer := newSigner(t)
	builder := NewTxBuilder(testChainID)

	testCases := map[string]func(i *TxIntent){
		"negative value":    func(i *TxIntent) { i.Value = big.NewInt(-1) },
		"zero gas limit":    func(i *TxIntent) { i.Gas.Limit = 0 },
		"missing fee cap":   func(i *TxIntent) { i.Gas.FeeCap = nil },
		"missing tip cap":   func(i *TxIntent) { i.Gas.TipCap = nil },
		"negative fee cap":  func(i *TxIntent) { i.Gas.FeeCap = big.NewInt(-1) },
		"fee cap below tip": func(i *TxIntent) { i.Gas.FeeCap = big.NewInt(1); i.Gas.TipCap = big.NewInt(2) },
		"zero recipient":    func(i *TxIntent) { i.To = common.Address{} },
		"missing origin":    func(i *TxIntent) { i.From = nil },
		"other chain":       func(i *TxIntent) { i.ChainID = big.NewInt(5) },
	}
	for name, mutate := range testCases {
		t.Run(name, func(t *testing.T) {
			intent := validIntent(signer)
			mutate(intent)
			_, err := builder.Build(intent)
			require.ErrorIs(t, err, ErrInvalidIntent)
		})
	}
	require.Equal(t, 0, signer.count())

	_, err := builder.Build(nil)
	require.ErrorIs(t, err, ErrInvalidIntent)
}

func TestTxBuilder_SigningFailure(t *testing.T) {
	signer := newSigner(t)
	signer.fail = errors.New("hardware wallet unplugged") //nolint:goerr113
	builder := NewTxBuilder(testChainID)

	_, err := builder.Build(validIntent(signer))
	require.ErrorIs(t, err, ErrSigning)
	require.Equal(t, 1, signer.count())
}

func TestGasPolicy(t *testing.T) {
	policy := DefaultGasPolicy()
	require.Equal(t, uint64(50_000), policy.Params(KindApprove).Limit)
	require.Equal(t, uint64(200_000), policy.Params(KindAddLiquidity).Limit)
	require.Equal(t, uint64(150_000), policy.Params(KindBuy).Limit)
	require.Equal(t, uint64(21_000), policy.Params(KindTransfer).Limit)
	require.Equal(t, uint64(200_000), policy.Params(KindSell).Limit)

	// 21000 * 15 gwei
	require.Equal(t, big.NewInt(315_000*params.GWei), policy.Params(KindTransfer).MaxCost())
}
