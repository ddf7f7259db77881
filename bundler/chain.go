package bundler

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"
)

// ChainReader is the read side of an execution node. *ethclient.Client implements it.
type ChainReader interface {
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type ThrottleConfig struct {
	// RequestsPerSecond of 0 disables throttling.
	RequestsPerSecond float64
	MaxRetries        uint64
	MaxInterval       time.Duration
}

var DefaultThrottleConfig = ThrottleConfig{
	RequestsPerSecond: 20,
	MaxRetries:        3,
	MaxInterval:       2 * time.Second,
}

// ThrottledChainReader rate limits reads against a node and retries transient failures.
// A missing receipt is reported as ethereum.NotFound immediately.
type ThrottledChainReader struct {
	chain   ChainReader
	limiter *rate.Limiter
	cfg     ThrottleConfig
}

func NewThrottledChainReader(chain ChainReader, cfg ThrottleConfig) *ThrottledChainReader {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &ThrottledChainReader{
		chain:   chain,
		limiter: rate.NewLimiter(limit, 1),
		cfg:     cfg,
	}
}

func (c *ThrottledChainReader) retry(ctx context.Context, op func() error) error {
	back := backoff.NewExponentialBackOff()
	back.InitialInterval = 200 * time.Millisecond
	if c.cfg.MaxInterval > 0 {
		back.MaxInterval = c.cfg.MaxInterval
	}
	return backoff.Retry(func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := op()
		if errors.Is(err, ethereum.NotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(back, c.cfg.MaxRetries), ctx))
}

func (c *ThrottledChainReader) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (nonce uint64, err error) {
	err = c.retry(ctx, func() error {
		nonce, err = c.chain.NonceAt(ctx, account, blockNumber)
		return err
	})
	return nonce, err
}

func (c *ThrottledChainReader) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (balance *big.Int, err error) {
	err = c.retry(ctx, func() error {
		balance, err = c.chain.BalanceAt(ctx, account, blockNumber)
		return err
	})
	return balance, err
}

func (c *ThrottledChainReader) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) (out []byte, err error) {
	err = c.retry(ctx, func() error {
		out, err = c.chain.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

func (c *ThrottledChainReader) TransactionReceipt(ctx context.Context, txHash common.Hash) (receipt *types.Receipt, err error) {
	err = c.retry(ctx, func() error {
		receipt, err = c.chain.TransactionReceipt(ctx, txHash)
		return err
	})
	return receipt, err
}

func (c *ThrottledChainReader) BlockNumber(ctx context.Context) (number uint64, err error) {
	err = c.retry(ctx, func() error {
		number, err = c.chain.BlockNumber(ctx)
		return err
	})
	return number, err
}

// TokenBalance returns the ERC20 balance of owner.
func TokenBalance(ctx context.Context, chain ChainReader, token, owner common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	out, err := chain.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	res, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, err
	}
	balance, ok := res[0].(*big.Int)
	if !ok {
		return nil, errUnexpectedOutput
	}
	return balance, nil
}

func TokenDecimals(ctx context.Context, chain ChainReader, token common.Address) (uint8, error) {
	data, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, err
	}
	out, err := chain.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return 0, err
	}
	res, err := erc20ABI.Unpack("decimals", out)
	if err != nil {
		return 0, err
	}
	decimals, ok := res[0].(uint8)
	if !ok {
		return 0, errUnexpectedOutput
	}
	return decimals, nil
}
