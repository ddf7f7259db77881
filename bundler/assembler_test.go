package bundler

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func decodeCall(t *testing.T, tx *SignedTx) (string, []interface{}) {
	t.Helper()
	data := tx.Tx.Data()
	require.GreaterOrEqual(t, len(data), 4)
	if method, err := routerABI.MethodById(data[:4]); err == nil {
		args, err := method.Inputs.Unpack(data[4:])
		require.NoError(t, err)
		return method.Name, args
	}
	method, err := erc20ABI.MethodById(data[:4])
	require.NoError(t, err)
	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	return method.Name, args
}

func TestAssembler_AssembleLaunch(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	assembler, _ := newTestAssembler(chain)
	now := time.Unix(1_700_000_000, 0)
	assembler.now = func() time.Time { return now }

	dev := newSigner(t)
	buyers := []*countingSigner{newSigner(t), newSigner(t), newSigner(t)}
	chain.setNonce(dev.Address(), 12)
	chain.setNonce(buyers[1].Address(), 3)
	tokenAmount := ether(1_000_000, 1)
	chain.setTokenBalance(testToken, dev.Address(), tokenAmount)

	values := []*big.Int{ether(1, 10), ether(2, 10), ether(15, 100)}
	buys := make([]BuyOrder, len(buyers))
	for i, buyer := range buyers {
		buys[i] = BuyOrder{Buyer: buyer, Value: values[i]}
	}

	bundle, err := assembler.AssembleLaunch(ctx, dev, buys, LiquidityIntent{
		Token:       testToken,
		TokenAmount: tokenAmount,
		ETHAmount:   oneEther,
	})
	require.NoError(t, err)
	require.NoError(t, bundle.Validate())
	require.Len(t, bundle.Txs, 5)

	kinds := make([]TxKind, len(bundle.Txs))
	for i, tx := range bundle.Txs {
		kinds[i] = tx.Kind
	}
	require.Equal(t, []TxKind{KindApprove, KindAddLiquidity, KindBuy, KindBuy, KindBuy}, kinds)

	deadline := big.NewInt(now.Add(DefaultDeadlineWindow).Unix())

	approve := bundle.Txs[0]
	require.Equal(t, dev.Address(), approve.From)
	require.Equal(t, uint64(12), approve.Nonce())
	require.Equal(t, testToken, *approve.Tx.To())
	name, args := decodeCall(t, approve)
	require.Equal(t, "approve", name)
	require.Equal(t, DefaultRouter, args[0])
	require.Equal(t, 0, tokenAmount.Cmp(args[1].(*big.Int)))

	addLiquidity := bundle.Txs[1]
	require.Equal(t, uint64(13), addLiquidity.Nonce())
	require.Equal(t, DefaultRouter, *addLiquidity.Tx.To())
	require.Equal(t, 0, oneEther.Cmp(addLiquidity.Tx.Value()))
	require.Equal(t, uint64(200_000), addLiquidity.Tx.Gas())
	name, args = decodeCall(t, addLiquidity)
	require.Equal(t, "addLiquidityETH", name)
	require.Equal(t, testToken, args[0])
	require.Equal(t, 0, tokenAmount.Cmp(args[1].(*big.Int)))
	require.Equal(t, 0, tokenAmount.Cmp(args[2].(*big.Int)))
	require.Equal(t, 0, oneEther.Cmp(args[3].(*big.Int)))
	require.Equal(t, dev.Address(), args[4])
	require.Equal(t, 0, deadline.Cmp(args[5].(*big.Int)))

	expectedNonces := []uint64{0, 3, 0}
	for i, buyer := range buyers {
		buy := bundle.Txs[2+i]
		require.Equal(t, buyer.Address(), buy.From)
		require.Equal(t, expectedNonces[i], buy.Nonce())
		require.Equal(t, 0, values[i].Cmp(buy.Tx.Value()))
		require.Equal(t, uint64(150_000), buy.Tx.Gas())
		name, args := decodeCall(t, buy)
		require.Equal(t, "swapExactETHForTokens", name)
		require.Equal(t, 0, args[0].(*big.Int).Sign())
		require.Equal(t, []common.Address{DefaultWETH, testToken}, args[1])
		require.Equal(t, buyer.Address(), args[2])
		require.Equal(t, 0, deadline.Cmp(args[3].(*big.Int)))
		require.Equal(t, 1, buyer.count())
	}
	require.Equal(t, 2, dev.count())
}

func TestAssembler_AssembleLaunch_InsufficientTokens(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	assembler, _ := newTestAssembler(chain)

	dev := newSigner(t)
	buyer := newSigner(t)
	chain.setTokenBalance(testToken, dev.Address(), big.NewInt(999))

	_, err := assembler.AssembleLaunch(ctx, dev, []BuyOrder{{Buyer: buyer, Value: oneEther}}, LiquidityIntent{
		Token:       testToken,
		TokenAmount: big.NewInt(1000),
		ETHAmount:   oneEther,
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)
	var balanceErr *InsufficientBalanceError
	require.ErrorAs(t, err, &balanceErr)
	require.Equal(t, dev.Address(), balanceErr.Account)
	require.Equal(t, int64(999), balanceErr.Have.Int64())

	require.Equal(t, int32(0), atomic.LoadInt32(&chain.nonceCalls))
	require.Equal(t, 0, dev.count())
	require.Equal(t, 0, buyer.count())
}

func TestAssembler_DevAlsoBuyer(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	assembler, _ := newTestAssembler(chain)

	dev := newSigner(t)
	chain.setNonce(dev.Address(), 4)
	chain.setTokenBalance(testToken, dev.Address(), big.NewInt(10))

	bundle, err := assembler.AssembleLaunch(ctx, dev, []BuyOrder{{Buyer: dev, Value: oneEther}}, LiquidityIntent{
		Token:       testToken,
		TokenAmount: big.NewInt(10),
		ETHAmount:   oneEther,
	})
	require.NoError(t, err)
	require.Len(t, bundle.Txs, 3)
	for i, tx := range bundle.Txs {
		require.Equal(t, uint64(4+i), tx.Nonce())
	}
	// one allocation for the single account
	require.Equal(t, int32(1), atomic.LoadInt32(&chain.nonceCalls))
}

func TestAssembler_InvalidBuyReleasesNothing(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	assembler, nonces := newTestAssembler(chain)

	dev := newSigner(t)
	chain.setTokenBalance(testToken, dev.Address(), big.NewInt(10))
	_, err := assembler.AssembleLaunch(ctx, dev, []BuyOrder{{Buyer: newSigner(t), Value: big.NewInt(-1)}}, LiquidityIntent{
		Token:       testToken,
		TokenAmount: big.NewInt(10),
		ETHAmount:   oneEther,
	})
	require.ErrorIs(t, err, ErrInvalidIntent)
	require.Equal(t, 0, dev.count())

	allocated, err := nonces.Allocate(ctx, dev.Address(), 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, allocated)
}

func TestAssembler_SigningFailureReleasesNonces(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	assembler, nonces := newTestAssembler(chain)

	dev := newSigner(t)
	buyer := newSigner(t)
	buyer.fail = errChainDown
	chain.setTokenBalance(testToken, dev.Address(), big.NewInt(10))

	_, err := assembler.AssembleLaunch(ctx, dev, []BuyOrder{{Buyer: buyer, Value: oneEther}}, LiquidityIntent{
		Token:       testToken,
		TokenAmount: big.NewInt(10),
		ETHAmount:   oneEther,
	})
	require.ErrorIs(t, err, ErrSigning)

	allocated, err := nonces.Allocate(ctx, dev.Address(), 2)
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1}, allocated)
}

func newDelayedAssembler(chain *fakeChain, delay time.Duration) (*Assembler, *NonceAllocator) {
	cfg := DefaultAssemblerConfig()
	cfg.SignDelay = delay
	nonces := NewNonceAllocator(chain)
	return NewAssembler(zap.NewNop(), chain, nonces, NewTxBuilder(testChainID), cfg), nonces
}

func TestAssembler_SignDelay(t *testing.T) {
	chain := newFakeChain()
	assembler, _ := newDelayedAssembler(chain, 40*time.Millisecond)
	funder := newSigner(t)
	chain.setBalance(funder.Address(), ether(10, 1))
	recipients := []common.Address{common.HexToAddress("0x11"), common.HexToAddress("0x12"), common.HexToAddress("0x13")}

	start := time.Now()
	bundle, err := assembler.AssembleFunding(context.Background(), funder, recipients, ether(1, 10))
	require.NoError(t, err)
	require.Len(t, bundle.Txs, 3)
	// no pause before the first signature
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestAssembler_SignDelayCancelled(t *testing.T) {
	chain := newFakeChain()
	assembler, nonces := newDelayedAssembler(chain, time.Second)
	seller := newSigner(t)
	chain.setNonce(seller.Address(), 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := assembler.AssembleSell(ctx, seller, testToken, big.NewInt(5))
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Second)
	// cancelled while waiting for the second signature
	require.Equal(t, 1, seller.count())

	allocated, err := nonces.Allocate(context.Background(), seller.Address(), 2)
	require.NoError(t, err)
	require.Equal(t, []uint64{3, 4}, allocated)
}

func TestAssembler_AssembleFunding(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	assembler, _ := newTestAssembler(chain)

	funder := newSigner(t)
	chain.setNonce(funder.Address(), 9)
	recipients := []common.Address{common.HexToAddress("0x11"), common.HexToAddress("0x12"), common.HexToAddress("0x13")}
	each := ether(1, 100)

	gas := DefaultGasPolicy().Params(KindTransfer).MaxCost()
	need := new(big.Int).Mul(big.NewInt(3), new(big.Int).Add(each, gas))

	chain.setBalance(funder.Address(), new(big.Int).Sub(need, big.NewInt(1)))
	_, err := assembler.AssembleFunding(ctx, funder, recipients, each)
	var balanceErr *InsufficientBalanceError
	require.ErrorAs(t, err, &balanceErr)
	require.Equal(t, "ETH", balanceErr.Asset)
	require.Equal(t, 0, need.Cmp(balanceErr.Need))
	require.Equal(t, 0, funder.count())

	chain.setBalance(funder.Address(), need)
	bundle, err := assembler.AssembleFunding(ctx, funder, recipients, each)
	require.NoError(t, err)
	require.Len(t, bundle.Txs, 3)
	for i, tx := range bundle.Txs {
		require.Equal(t, KindTransfer, tx.Kind)
		require.Equal(t, uint64(9+i), tx.Nonce())
		require.Equal(t, recipients[i], *tx.Tx.To())
		require.Equal(t, 0, each.Cmp(tx.Tx.Value()))
	}

	_, err = assembler.AssembleFunding(ctx, funder, nil, each)
	require.ErrorIs(t, err, ErrInvalidIntent)
	_, err = assembler.AssembleFunding(ctx, funder, recipients, big.NewInt(0))
	require.ErrorIs(t, err, ErrInvalidIntent)
}

func TestAssembler_AssembleSell(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	assembler, _ := newTestAssembler(chain)

	seller := newSigner(t)
	chain.setNonce(seller.Address(), 2)
	amount := big.NewInt(12345)

	bundle, err := assembler.AssembleSell(ctx, seller, testToken, amount)
	require.NoError(t, err)
	require.Len(t, bundle.Txs, 2)
	require.Equal(t, KindApprove, bundle.Txs[0].Kind)
	require.Equal(t, KindSell, bundle.Txs[1].Kind)
	require.Equal(t, uint64(2), bundle.Txs[0].Nonce())
	require.Equal(t, uint64(3), bundle.Txs[1].Nonce())

	name, args := decodeCall(t, bundle.Txs[1])
	require.Equal(t, "swapExactTokensForETHSupportingFeeOnTransferTokens", name)
	require.Equal(t, 0, amount.Cmp(args[0].(*big.Int)))
	require.Equal(t, []common.Address{testToken, DefaultWETH}, args[2])
	require.Equal(t, seller.Address(), args[3])

	_, err = assembler.AssembleSell(ctx, seller, testToken, big.NewInt(0))
	require.ErrorIs(t, err, ErrInvalidIntent)
}

func TestBundle_Validate(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	assembler, _ := newTestAssembler(chain)

	seller := newSigner(t)
	bundle, err := assembler.AssembleSell(ctx, seller, testToken, big.NewInt(1))
	require.NoError(t, err)

	require.ErrorIs(t, (&Bundle{}).Validate(), ErrEmptyBundle)

	swapped := &Bundle{Txs: []*SignedTx{bundle.Txs[1], bundle.Txs[0]}}
	require.ErrorIs(t, swapped.Validate(), ErrInvalidIntent)

	gap := &Bundle{Txs: []*SignedTx{bundle.Txs[0], bundle.Txs[0]}}
	require.ErrorIs(t, gap.Validate(), ErrInvalidIntent)

	require.NotEqual(t, common.Hash{}, bundle.Hash())
	require.Equal(t, bundle.Hash(), (&Bundle{Txs: bundle.Txs, TargetBlock: 5}).Hash())
}
