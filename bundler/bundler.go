// Package bundler assembles token launch bundles (approve, add liquidity and buys from many
// accounts), submits them to block builder relays and follows them until they land on chain.
package bundler

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const (
	DefaultRelayURL          = "https://rpc.beaverbuild.org/"
	DefaultRelayTimeout      = 12 * time.Second
	DefaultDeadlineWindow    = 20 * time.Minute
	DefaultPollInterval      = 2 * time.Second
	DefaultSettlementTimeout = 3 * time.Minute
	DefaultLeaseTTL          = 10 * time.Minute
)

// Store keeps the history of submitted bundles.
type Store interface {
	SettlementStore
	InsertBundle(ctx context.Context, handle *BundleHandle, bundle *Bundle) error
}

type Dependencies struct {
	Chain    ChainReader
	Registry SubmittedRegistry
	Lease    AccountLease
	// Store is optional.
	Store Store
	// AuthKey signs relay requests when set.
	AuthKey *ecdsa.PrivateKey
}

// Bundler owns every component of a session. It is created once and closed at shutdown.
type Bundler struct {
	log *zap.Logger

	Chain      ChainReader
	Nonces     *NonceAllocator
	Builder    *TxBuilder
	Assembler  *Assembler
	Relays     *RelaySubmitter
	Monitor    *SettlementMonitor
	Liquidator *Liquidator

	lease AccountLease
	store Store
}

func New(log *zap.Logger, cfg *Config, deps Dependencies) (*Bundler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	assemblerCfg, err := cfg.AssemblerConfig()
	if err != nil {
		return nil, err
	}
	registry := deps.Registry
	if registry == nil {
		registry = NewMemorySubmittedRegistry(time.Hour)
	}
	lease := deps.Lease
	if lease == nil {
		lease = NewMemoryAccountLease(DefaultLeaseTTL)
	}

	relays, err := NewRelaySubmitter(log, RelayConfig{
		Relays:  cfg.RelayEndpoints(),
		AuthKey: deps.AuthKey,
		Timeout: cfg.RelayTimeout,
	}, registry)
	if err != nil {
		return nil, err
	}

	b := &Bundler{
		log:     log,
		Chain:   deps.Chain,
		Nonces:  NewNonceAllocator(deps.Chain),
		Builder: NewTxBuilder(cfg.ChainIDBig()),
		Relays:  relays,
		lease:   lease,
		store:   deps.Store,
	}
	b.Assembler = NewAssembler(log, deps.Chain, b.Nonces, b.Builder, assemblerCfg)
	b.Monitor = NewSettlementMonitor(log, deps.Chain, cfg.MonitorConfig(), deps.Store)
	b.Liquidator = NewLiquidator(log, deps.Chain, b.Assembler, b, lease)
	return b, nil
}

// Submit sends bundle to the relays and records it in the store.
func (b *Bundler) Submit(ctx context.Context, bundle *Bundle) (*BundleHandle, error) {
	handle, err := b.Relays.Submit(ctx, bundle)
	if err != nil {
		return nil, err
	}
	if b.store != nil {
		if err := b.store.InsertBundle(ctx, handle, bundle); err != nil {
			b.log.Warn("Failed to store bundle", zap.String("bundleHash", handle.BundleHash.Hex()), zap.Error(err))
		}
	}
	return handle, nil
}

// Batch is an assembled bundle whose accounts are leased until it settles or is abandoned.
type Batch struct {
	Bundle *Bundle
	Handle *BundleHandle

	b        *Bundler
	accounts []common.Address
	closed   bool
}

func (b *Bundler) prepare(ctx context.Context, accounts []common.Address, assemble func() (*Bundle, error)) (*Batch, error) {
	if err := b.lease.Acquire(ctx, accounts); err != nil {
		return nil, err
	}
	bundle, err := assemble()
	if err != nil {
		_ = b.lease.Release(ctx, accounts)
		return nil, err
	}
	return &Batch{Bundle: bundle, b: b, accounts: accounts}, nil
}

func (b *Bundler) PrepareLaunch(ctx context.Context, dev AccountSigner, buys []BuyOrder, liq LiquidityIntent) (*Batch, error) {
	if dev == nil {
		return nil, invalidIntent("missing dev account")
	}
	accounts := []common.Address{dev.Address()}
	seen := map[common.Address]struct{}{dev.Address(): {}}
	for _, buy := range buys {
		if buy.Buyer == nil {
			continue
		}
		if _, ok := seen[buy.Buyer.Address()]; !ok {
			seen[buy.Buyer.Address()] = struct{}{}
			accounts = append(accounts, buy.Buyer.Address())
		}
	}
	return b.prepare(ctx, accounts, func() (*Bundle, error) {
		return b.Assembler.AssembleLaunch(ctx, dev, buys, liq)
	})
}

func (b *Bundler) PrepareFunding(ctx context.Context, funder AccountSigner, recipients []common.Address, each *big.Int) (*Batch, error) {
	if funder == nil {
		return nil, invalidIntent("missing funder account")
	}
	return b.prepare(ctx, []common.Address{funder.Address()}, func() (*Bundle, error) {
		return b.Assembler.AssembleFunding(ctx, funder, recipients, each)
	})
}

// Submit sends the batch bundle. A failed submission abandons the batch.
func (bt *Batch) Submit(ctx context.Context) (*BundleHandle, error) {
	handle, err := bt.b.Submit(ctx, bt.Bundle)
	if err != nil {
		bt.Abandon(ctx)
		return nil, err
	}
	bt.Handle = handle
	return handle, nil
}

// Track waits for settlement of a submitted batch and then releases its accounts. When not every
// transaction landed, the nonce session state of the accounts is dropped.
func (bt *Batch) Track(ctx context.Context, notify func(SettlementRecord)) (*SettlementReport, error) {
	if bt.Handle == nil {
		return nil, errors.New("batch was not submitted") //nolint:goerr113
	}
	report, err := bt.b.Monitor.Track(ctx, bt.Handle, bt.Bundle.Txs, notify)
	if report.AllConfirmed() {
		bt.release(context.Background())
	} else {
		bt.Abandon(context.Background())
	}
	return report, err
}

// Abandon releases the batch accounts and forgets their allocated nonces.
func (bt *Batch) Abandon(ctx context.Context) {
	for _, account := range senders(bt.Bundle) {
		bt.b.Nonces.Reset(account)
	}
	bt.release(ctx)
}

func (bt *Batch) release(ctx context.Context) {
	if bt.closed {
		return
	}
	bt.closed = true
	if err := bt.b.lease.Release(ctx, bt.accounts); err != nil {
		bt.b.log.Warn("Failed to release account lease", zap.Error(err))
	}
}

// Liquidate sells the full token balance of every account.
func (b *Bundler) Liquidate(ctx context.Context, accounts []AccountSigner, token common.Address) []LiquidationOutcome {
	return b.Liquidator.LiquidateAll(ctx, accounts, token)
}

func (b *Bundler) Close() error {
	if closer, ok := b.store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
