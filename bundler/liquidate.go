package bundler

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/launch-bundler/metrics"
	"go.uber.org/zap"
)

const (
	LiquidationNoTokens = "no tokens to sell"
	LiquidationSuccess  = "Success"
)

type Submitter interface {
	Submit(ctx context.Context, bundle *Bundle) (*BundleHandle, error)
}

type LiquidationOutcome struct {
	Account common.Address
	Balance *big.Int
	// Status is LiquidationNoTokens, LiquidationSuccess or "Error: <message>".
	Status string
	Handle *BundleHandle
	Err    error
}

// Liquidator sells the whole token balance of accounts, one account at a time. Each account is
// leased while its sell bundle is assembled and submitted.
type Liquidator struct {
	log       *zap.Logger
	chain     ChainReader
	assembler *Assembler
	submitter Submitter
	lease     AccountLease
}

// NewLiquidator creates a liquidator, lease may be nil.
func NewLiquidator(log *zap.Logger, chain ChainReader, assembler *Assembler, submitter Submitter, lease AccountLease) *Liquidator {
	if lease == nil {
		lease = NewMemoryAccountLease(DefaultLeaseTTL)
	}
	return &Liquidator{
		log:       log.Named("liquidator"),
		chain:     chain,
		assembler: assembler,
		submitter: submitter,
		lease:     lease,
	}
}

// LiquidateAll returns one outcome per account in input order. A failure for one account does
// not stop the others.
func (l *Liquidator) LiquidateAll(ctx context.Context, accounts []AccountSigner, token common.Address) []LiquidationOutcome {
	outcomes := make([]LiquidationOutcome, 0, len(accounts))
	for _, account := range accounts {
		outcome := l.liquidate(ctx, account, token)
		metrics.IncLiquidationOutcome(outcome.Status)
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (l *Liquidator) liquidate(ctx context.Context, account AccountSigner, token common.Address) LiquidationOutcome {
	outcome := LiquidationOutcome{Account: account.Address()}
	log := l.log.With(zap.String("account", outcome.Account.Hex()))
	fail := func(err error) LiquidationOutcome {
		log.Warn("Liquidation failed", zap.Error(err))
		outcome.Status = "Error: " + err.Error()
		outcome.Err = err
		return outcome
	}

	balance, err := TokenBalance(ctx, l.chain, token, outcome.Account)
	if err != nil {
		return fail(err)
	}
	outcome.Balance = balance
	if balance.Sign() == 0 {
		log.Info("No tokens to sell")
		outcome.Status = LiquidationNoTokens
		return outcome
	}

	leased := []common.Address{outcome.Account}
	if err := l.lease.Acquire(ctx, leased); err != nil {
		return fail(err)
	}
	defer func() {
		if err := l.lease.Release(context.Background(), leased); err != nil {
			log.Warn("Failed to release account lease", zap.Error(err))
		}
	}()

	bundle, err := l.assembler.AssembleSell(ctx, account, token, balance)
	if err != nil {
		return fail(err)
	}
	handle, err := l.submitter.Submit(ctx, bundle)
	if err != nil {
		// nothing was accepted, the next sell reuses these nonces
		l.assembler.nonces.Release(outcome.Account, bundleNonces(bundle, outcome.Account))
		return fail(err)
	}
	log.Info("Sell bundle submitted", zap.String("bundleHash", handle.BundleHash.Hex()), zap.String("amount", balance.String()))
	outcome.Status = LiquidationSuccess
	outcome.Handle = handle
	return outcome
}

// bundleNonces returns the nonces of account's transactions in bundle order.
func bundleNonces(bundle *Bundle, account common.Address) []uint64 {
	var nonces []uint64
	for _, tx := range bundle.Txs {
		if tx.From == account {
			nonces = append(nonces, tx.Nonce())
		}
	}
	return nonces
}
