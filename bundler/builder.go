package bundler

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
)

// GasPolicy holds fixed gas parameters per transaction kind.
type GasPolicy struct {
	FeeCap *big.Int
	TipCap *big.Int
	Limits map[TxKind]uint64
}

func DefaultGasPolicy() GasPolicy {
	return GasPolicy{
		FeeCap: big.NewInt(15 * params.GWei),
		TipCap: big.NewInt(3 * params.GWei / 10),
		Limits: map[TxKind]uint64{
			KindTransfer:     params.TxGas,
			KindApprove:      50_000,
			KindAddLiquidity: 200_000,
			KindBuy:          150_000,
			KindSell:         200_000,
		},
	}
}

func (p GasPolicy) Params(kind TxKind) GasParams {
	return GasParams{
		Limit:  p.Limits[kind],
		FeeCap: p.FeeCap,
		TipCap: p.TipCap,
	}
}

// TxBuilder turns intents into signed EIP-1559 transactions for a single chain.
type TxBuilder struct {
	chainID *big.Int
	signer  types.Signer
}

func NewTxBuilder(chainID *big.Int) *TxBuilder {
	return &TxBuilder{
		chainID: new(big.Int).Set(chainID),
		signer:  types.LatestSignerForChainID(chainID),
	}
}

func (b *TxBuilder) ChainID() *big.Int {
	return new(big.Int).Set(b.chainID)
}

func (b *TxBuilder) Signer() types.Signer {
	return b.signer
}

func (b *TxBuilder) validate(intent *TxIntent) error {
	switch {
	case intent == nil:
		return invalidIntent("nil intent")
	case intent.From == nil:
		return invalidIntent("missing origin account")
	case intent.To == (common.Address{}):
		return invalidIntent("missing recipient")
	case intent.Value != nil && intent.Value.Sign() < 0:
		return invalidIntent("negative value %s", intent.Value)
	case intent.Gas.Limit == 0:
		return invalidIntent("zero gas limit")
	case intent.Gas.FeeCap == nil || intent.Gas.TipCap == nil:
		return invalidIntent("missing fee caps")
	case intent.Gas.FeeCap.Sign() < 0 || intent.Gas.TipCap.Sign() < 0:
		return invalidIntent("negative fee caps")
	case intent.Gas.FeeCap.Cmp(intent.Gas.TipCap) < 0:
		return invalidIntent("fee cap %s below tip cap %s", intent.Gas.FeeCap, intent.Gas.TipCap)
	case intent.ChainID != nil && intent.ChainID.Cmp(b.chainID) != 0:
		return invalidIntent("chain id %s, builder is for %s", intent.ChainID, b.chainID)
	}
	return nil
}

// Build validates and signs intent. Invalid intents are never passed to the signer.
func (b *TxBuilder) Build(intent *TxIntent) (*SignedTx, error) {
	if err := b.validate(intent); err != nil {
		return nil, err
	}
	value := intent.Value
	if value == nil {
		value = new(big.Int)
	}
	to := intent.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   b.chainID,
		Nonce:     intent.Nonce,
		GasTipCap: intent.Gas.TipCap,
		GasFeeCap: intent.Gas.FeeCap,
		Gas:       intent.Gas.Limit,
		To:        &to,
		Value:     value,
		Data:      intent.Data,
	})

	signed, err := intent.From.SignTx(tx, b.signer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	if sender, err := types.Sender(b.signer, signed); err != nil || sender != intent.From.Address() {
		return nil, fmt.Errorf("%w: signature does not recover to %s", ErrSigning, intent.From.Address().Hex())
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: encoding: %v", ErrSigning, err)
	}
	return &SignedTx{
		Kind: intent.Kind,
		From: intent.From.Address(),
		Tx:   signed,
		Raw:  raw,
	}, nil
}

// DecodeSignedTx decodes the canonical encoding produced by Build.
func DecodeSignedTx(raw []byte) (*types.Transaction, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return tx, nil
}
