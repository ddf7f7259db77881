// Package devrelay serves eth_sendBundle for local end-to-end runs: bundle transactions are
// forwarded in order to a regular node instead of a block builder.
package devrelay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/launch-bundler/bundler"
	"github.com/flashbots/launch-bundler/jsonrpcserver"
	"github.com/flashbots/launch-bundler/metrics"
	"go.uber.org/zap"
)

var (
	ErrEmptyBundle     = errors.New("bundle has no transactions")
	ErrTargetBlockPast = errors.New("target block already passed")
)

// Backend is the node the relay forwards to. *ethclient.Client implements it.
type Backend interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	BlockNumber(ctx context.Context) (uint64, error)
}

type Relay struct {
	log     *zap.Logger
	backend Backend
	// bundles are forwarded one at a time so their transactions do not interleave
	mu sync.Mutex
}

func New(log *zap.Logger, backend Backend) *Relay {
	return &Relay{
		log:     log.Named("devrelay"),
		backend: backend,
	}
}

// Handler exposes SendBundle over JSON-RPC.
func (r *Relay) Handler() (*jsonrpcserver.Handler, error) {
	return jsonrpcserver.NewHandler(jsonrpcserver.Methods{
		bundler.SendBundleEndpointName: r.SendBundle,
	})
}

func rejected(format string, args ...any) *jsonrpcserver.JSONRPCError {
	return &jsonrpcserver.JSONRPCError{
		Code:    jsonrpcserver.CodeCustomError,
		Message: fmt.Sprintf(format, args...),
	}
}

func (r *Relay) SendBundle(ctx context.Context, args bundler.SendBundleArgs) (*bundler.SendBundleResponse, error) {
	if len(args.Txs) == 0 {
		return nil, rejected("%s", ErrEmptyBundle.Error())
	}

	bundle := &bundler.Bundle{TargetBlock: uint64(args.BlockNumber)}
	for i, raw := range args.Txs {
		tx, err := bundler.DecodeSignedTx(raw)
		if err != nil {
			return nil, rejected("tx %d: %v", i, err)
		}
		bundle.Txs = append(bundle.Txs, &bundler.SignedTx{Tx: tx, Raw: raw})
	}
	hash := bundle.Hash()
	log := r.log.With(zap.String("bundleHash", hash.Hex()), zap.String("signer", jsonrpcserver.GetSigner(ctx).Hex()))

	if bundle.TargetBlock != 0 {
		head, err := r.backend.BlockNumber(ctx)
		if err != nil {
			return nil, err
		}
		if head >= bundle.TargetBlock {
			return nil, rejected("%s: head %d, target %d", ErrTargetBlockPast.Error(), head, bundle.TargetBlock)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, tx := range bundle.Txs {
		if err := r.backend.SendTransaction(ctx, tx.Tx); err != nil {
			metrics.IncDevRelayFailed()
			log.Warn("Failed to forward bundle transaction", zap.Int("index", i), zap.String("tx", tx.Hash().Hex()), zap.Error(err))
			return nil, rejected("tx %d (%s): %v", i, tx.Hash().Hex(), err)
		}
	}
	metrics.IncDevRelayForwarded()
	log.Info("Forwarded bundle", zap.Int("txs", len(bundle.Txs)))
	return &bundler.SendBundleResponse{BundleHash: hash}, nil
}
