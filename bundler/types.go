package bundler

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/crypto/sha3"
)

// TxKind is the role a transaction plays inside a bundle. It is assigned at assembly time
// and used for ordering checks and settlement classification.
type TxKind uint8

const (
	KindTransfer TxKind = iota
	KindApprove
	KindAddLiquidity
	KindBuy
	KindSell
)

func (k TxKind) String() string {
	switch k {
	case KindTransfer:
		return "transfer"
	case KindApprove:
		return "approve"
	case KindAddLiquidity:
		return "add-liquidity"
	case KindBuy:
		return "buy"
	case KindSell:
		return "sell"
	default:
		return "unknown"
	}
}

// stage orders kinds inside a bundle: approvals first, then liquidity, then swaps.
func (k TxKind) stage() int {
	switch k {
	case KindAddLiquidity:
		return 1
	case KindBuy, KindSell:
		return 2
	default:
		return 0
	}
}

// AccountSigner is an account able to sign transactions. The key never leaves the implementation.
type AccountSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction, signer types.Signer) (*types.Transaction, error)
}

type GasParams struct {
	Limit  uint64
	FeeCap *big.Int
	TipCap *big.Int
}

// MaxCost is the most the sender can pay for gas: limit * fee cap.
func (g GasParams) MaxCost() *big.Int {
	if g.FeeCap == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(g.Limit), g.FeeCap)
}

// TxIntent is an unsigned transaction description.
type TxIntent struct {
	Kind    TxKind
	From    AccountSigner
	To      common.Address
	Value   *big.Int
	Data    []byte
	Nonce   uint64
	Gas     GasParams
	ChainID *big.Int // optional, must match the builder chain id when set
}

// SignedTx is a signed transaction together with its encoded form and the role it was built for.
type SignedTx struct {
	Kind TxKind
	From common.Address
	Tx   *types.Transaction
	Raw  hexutil.Bytes
}

func (s *SignedTx) Hash() common.Hash {
	return s.Tx.Hash()
}

func (s *SignedTx) Nonce() uint64 {
	return s.Tx.Nonce()
}

// Bundle is an ordered list of signed transactions meant to land atomically in one block.
type Bundle struct {
	Txs []*SignedTx
	// TargetBlock of 0 means the next available block.
	TargetBlock uint64
}

func (b *Bundle) RawTxs() []hexutil.Bytes {
	raw := make([]hexutil.Bytes, len(b.Txs))
	for i, tx := range b.Txs {
		raw[i] = tx.Raw
	}
	return raw
}

func (b *Bundle) Hashes() []common.Hash {
	hashes := make([]common.Hash, len(b.Txs))
	for i, tx := range b.Txs {
		hashes[i] = tx.Hash()
	}
	return hashes
}

// Hash is keccak256 over the concatenated transaction hashes.
func (b *Bundle) Hash() common.Hash {
	hasher := sha3.NewLegacyKeccak256()
	for _, tx := range b.Txs {
		h := tx.Hash()
		hasher.Write(h.Bytes())
	}
	var hash common.Hash
	hasher.Sum(hash[:0])
	return hash
}

// Validate checks that the bundle is non-empty, that every sender's nonces increase by exactly
// one in sequence order and that approvals, liquidity and swaps are not out of order.
func (b *Bundle) Validate() error {
	if len(b.Txs) == 0 {
		return ErrEmptyBundle
	}
	lastNonce := make(map[common.Address]uint64)
	stage := 0
	for i, tx := range b.Txs {
		if tx == nil || tx.Tx == nil {
			return invalidIntent("bundle entry %d is empty", i)
		}
		if prev, ok := lastNonce[tx.From]; ok && tx.Nonce() != prev+1 {
			return invalidIntent("bundle entry %d: nonce %d of %s does not follow %d", i, tx.Nonce(), tx.From.Hex(), prev)
		}
		lastNonce[tx.From] = tx.Nonce()

		s := tx.Kind.stage()
		if s < stage {
			return invalidIntent("bundle entry %d: %s after a later stage", i, tx.Kind)
		}
		stage = s
	}
	return nil
}

// BundleHandle identifies a bundle accepted by at least one relay.
type BundleHandle struct {
	BundleHash  common.Hash
	Relays      []string
	TargetBlock uint64
	SubmittedAt time.Time
	TxHashes    []common.Hash
}

type SettlementStatus uint8

const (
	StatusPending SettlementStatus = iota
	StatusConfirmed
)

func (s SettlementStatus) String() string {
	if s == StatusConfirmed {
		return "confirmed"
	}
	return "pending"
}

// SettlementRecord is the observed on-chain state of one bundle transaction.
type SettlementRecord struct {
	TxHash      common.Hash
	Kind        TxKind
	From        common.Address
	Nonce       uint64
	Status      SettlementStatus
	BlockNumber uint64
	GasUsed     uint64
	// Success is the receipt execution status, meaningful only when confirmed.
	Success bool
	Err     error
}

type SettlementReport struct {
	BundleHash common.Hash
	Records    []SettlementRecord
	TimedOut   bool
}

func (r *SettlementReport) Confirmed() int {
	n := 0
	for _, rec := range r.Records {
		if rec.Status == StatusConfirmed {
			n++
		}
	}
	return n
}

func (r *SettlementReport) AllConfirmed() bool {
	return len(r.Records) > 0 && r.Confirmed() == len(r.Records)
}

// SendBundleArgs is the eth_sendBundle request parameter.
type SendBundleArgs struct {
	Txs         []hexutil.Bytes `json:"txs"`
	BlockNumber hexutil.Uint64  `json:"blockNumber"`
}

type SendBundleResponse struct {
	BundleHash common.Hash `json:"bundleHash"`
}
