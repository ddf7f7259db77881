package bundler

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/launch-bundler/metrics"
	"go.uber.org/zap"
)

type AssemblerConfig struct {
	Router common.Address
	WETH   common.Address
	Gas    GasPolicy
	// DeadlineWindow is added to the wall clock at assembly time to get the router deadline.
	DeadlineWindow time.Duration
	// SignDelay is the pause between two signing operations.
	SignDelay time.Duration
}

func DefaultAssemblerConfig() AssemblerConfig {
	return AssemblerConfig{
		Router:         DefaultRouter,
		WETH:           DefaultWETH,
		Gas:            DefaultGasPolicy(),
		DeadlineWindow: DefaultDeadlineWindow,
	}
}

type BuyOrder struct {
	Buyer AccountSigner
	Value *big.Int
}

type LiquidityIntent struct {
	Token       common.Address
	TokenAmount *big.Int
	ETHAmount   *big.Int
}

// Assembler builds launch, funding and sell bundles. All three go through the same
// nonce allocation, signing and validation pipeline.
type Assembler struct {
	log     *zap.Logger
	chain   ChainReader
	nonces  *NonceAllocator
	builder *TxBuilder
	cfg     AssemblerConfig
	now     func() time.Time
}

func NewAssembler(log *zap.Logger, chain ChainReader, nonces *NonceAllocator, builder *TxBuilder, cfg AssemblerConfig) *Assembler {
	return &Assembler{
		log:     log.Named("assembler"),
		chain:   chain,
		nonces:  nonces,
		builder: builder,
		cfg:     cfg,
		now:     time.Now,
	}
}

type step struct {
	kind  TxKind
	from  AccountSigner
	to    common.Address
	value *big.Int
	data  []byte
}

func (a *Assembler) deadline() *big.Int {
	return big.NewInt(a.now().Add(a.cfg.DeadlineWindow).Unix())
}

// AssembleLaunch builds [approve, addLiquidityETH, buy...] with the buys in input order.
func (a *Assembler) AssembleLaunch(ctx context.Context, dev AccountSigner, buys []BuyOrder, liq LiquidityIntent) (*Bundle, error) {
	if dev == nil {
		return nil, invalidIntent("missing dev account")
	}
	if liq.Token == (common.Address{}) {
		return nil, invalidIntent("missing token")
	}
	if liq.TokenAmount == nil || liq.TokenAmount.Sign() <= 0 {
		return nil, invalidIntent("token amount must be positive")
	}
	if liq.ETHAmount == nil || liq.ETHAmount.Sign() < 0 {
		return nil, invalidIntent("liquidity ETH amount must not be negative")
	}
	for i, buy := range buys {
		if buy.Buyer == nil || buy.Value == nil {
			return nil, invalidIntent("buy %d is incomplete", i)
		}
		if buy.Value.Sign() < 0 {
			return nil, invalidIntent("buy %d has negative value", i)
		}
	}

	balance, err := TokenBalance(ctx, a.chain, liq.Token, dev.Address())
	if err != nil {
		return nil, fmt.Errorf("reading token balance: %w", err)
	}
	if balance.Cmp(liq.TokenAmount) < 0 {
		return nil, &InsufficientBalanceError{Account: dev.Address(), Asset: liq.Token.Hex(), Have: balance, Need: liq.TokenAmount}
	}

	deadline := a.deadline()
	approve, err := encodeApprove(a.cfg.Router, liq.TokenAmount)
	if err != nil {
		return nil, err
	}
	addLiquidity, err := encodeAddLiquidityETH(liq.Token, liq.TokenAmount, liq.ETHAmount, dev.Address(), deadline)
	if err != nil {
		return nil, err
	}
	steps := []step{
		{kind: KindApprove, from: dev, to: liq.Token, data: approve},
		{kind: KindAddLiquidity, from: dev, to: a.cfg.Router, value: liq.ETHAmount, data: addLiquidity},
	}
	for _, buy := range buys {
		data, err := encodeSwapExactETHForTokens(a.cfg.WETH, liq.Token, buy.Buyer.Address(), deadline)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step{kind: KindBuy, from: buy.Buyer, to: a.cfg.Router, value: buy.Value, data: data})
	}
	return a.assemble(ctx, steps)
}

// AssembleFunding builds one transfer of each wei from funder to every recipient.
// The funder must hold enough for all values plus the worst case gas.
func (a *Assembler) AssembleFunding(ctx context.Context, funder AccountSigner, recipients []common.Address, each *big.Int) (*Bundle, error) {
	if funder == nil {
		return nil, invalidIntent("missing funder account")
	}
	if len(recipients) == 0 {
		return nil, invalidIntent("no recipients")
	}
	if each == nil || each.Sign() <= 0 {
		return nil, invalidIntent("funding amount must be positive")
	}

	n := big.NewInt(int64(len(recipients)))
	need := new(big.Int).Mul(n, each)
	need.Add(need, new(big.Int).Mul(n, a.cfg.Gas.Params(KindTransfer).MaxCost()))

	balance, err := a.chain.BalanceAt(ctx, funder.Address(), nil)
	if err != nil {
		return nil, fmt.Errorf("reading funder balance: %w", err)
	}
	if balance.Cmp(need) < 0 {
		return nil, &InsufficientBalanceError{Account: funder.Address(), Asset: "ETH", Have: balance, Need: need}
	}

	steps := make([]step, len(recipients))
	for i, to := range recipients {
		steps[i] = step{kind: KindTransfer, from: funder, to: to, value: each}
	}
	return a.assemble(ctx, steps)
}

// AssembleSell builds [approve, swapExactTokensForETHSupportingFeeOnTransferTokens] for amount of token.
func (a *Assembler) AssembleSell(ctx context.Context, seller AccountSigner, token common.Address, amount *big.Int) (*Bundle, error) {
	if seller == nil {
		return nil, invalidIntent("missing seller account")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, invalidIntent("sell amount must be positive")
	}
	approve, err := encodeApprove(a.cfg.Router, amount)
	if err != nil {
		return nil, err
	}
	swap, err := encodeSwapExactTokensForETH(token, a.cfg.WETH, amount, seller.Address(), a.deadline())
	if err != nil {
		return nil, err
	}
	return a.assemble(ctx, []step{
		{kind: KindApprove, from: seller, to: token, data: approve},
		{kind: KindSell, from: seller, to: a.cfg.Router, data: swap},
	})
}

func (a *Assembler) assemble(ctx context.Context, steps []step) (bundle *Bundle, err error) {
	counts := make(map[common.Address]int)
	var order []common.Address
	for _, s := range steps {
		addr := s.from.Address()
		if counts[addr] == 0 {
			order = append(order, addr)
		}
		counts[addr]++
	}

	allocated := make(map[common.Address][]uint64, len(order))
	defer func() {
		if err == nil {
			return
		}
		for addr, nonces := range allocated {
			a.nonces.Release(addr, nonces)
		}
	}()
	for _, addr := range order {
		nonces, err := a.nonces.Allocate(ctx, addr, counts[addr])
		if err != nil {
			return nil, err
		}
		allocated[addr] = nonces
	}

	assigned := make(map[common.Address]int, len(order))
	bundle = &Bundle{Txs: make([]*SignedTx, 0, len(steps))}
	for i, s := range steps {
		if i > 0 && a.cfg.SignDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(a.cfg.SignDelay):
			}
		}
		addr := s.from.Address()
		nonce := allocated[addr][assigned[addr]]
		assigned[addr]++

		signed, err := a.builder.Build(&TxIntent{
			Kind:  s.kind,
			From:  s.from,
			To:    s.to,
			Value: s.value,
			Data:  s.data,
			Nonce: nonce,
			Gas:   a.cfg.Gas.Params(s.kind),
		})
		if err != nil {
			return nil, fmt.Errorf("building %s tx %d: %w", s.kind, i, err)
		}
		a.log.Debug("Signed transaction",
			zap.String("kind", s.kind.String()),
			zap.String("from", addr.Hex()),
			zap.Uint64("nonce", nonce),
			zap.String("hash", signed.Hash().Hex()))
		bundle.Txs = append(bundle.Txs, signed)
	}

	if err = bundle.Validate(); err != nil {
		return nil, err
	}
	metrics.IncBundlesAssembled()
	return bundle, nil
}
