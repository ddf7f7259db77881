package bundler

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/launch-bundler/metrics"
	"go.uber.org/zap"
)

type MonitorConfig struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollInterval: DefaultPollInterval,
		Timeout:      DefaultSettlementTimeout,
	}
}

// SettlementStore persists settlement record updates.
type SettlementStore interface {
	UpdateSettlement(ctx context.Context, bundleHash common.Hash, record SettlementRecord) error
}

// SettlementMonitor polls the chain at a fixed interval until every bundle transaction has a receipt.
type SettlementMonitor struct {
	log   *zap.Logger
	chain ChainReader
	cfg   MonitorConfig
	store SettlementStore
}

// NewSettlementMonitor creates a monitor, store may be nil.
func NewSettlementMonitor(log *zap.Logger, chain ChainReader, cfg MonitorConfig, store SettlementStore) *SettlementMonitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSettlementTimeout
	}
	return &SettlementMonitor{
		log:   log.Named("monitor"),
		chain: chain,
		cfg:   cfg,
		store: store,
	}
}

// Track watches txs until all are confirmed, the timeout passes or ctx is done. The report is
// always returned and holds the state seen so far. notify is called once for every record that
// becomes confirmed or is found stale. The returned error joins stale nonce errors and the
// context error, if any.
func (m *SettlementMonitor) Track(ctx context.Context, handle *BundleHandle, txs []*SignedTx, notify func(SettlementRecord)) (*SettlementReport, error) {
	report := &SettlementReport{Records: make([]SettlementRecord, len(txs))}
	if handle != nil {
		report.BundleHash = handle.BundleHash
	}
	for i, tx := range txs {
		report.Records[i] = SettlementRecord{
			TxHash: tx.Hash(),
			Kind:   tx.Kind,
			From:   tx.From,
			Nonce:  tx.Nonce(),
			Status: StatusPending,
		}
	}
	if len(txs) == 0 {
		return report, nil
	}
	if notify == nil {
		notify = func(SettlementRecord) {}
	}

	log := m.log.With(zap.String("bundle", report.BundleHash.Hex()))
	start := time.Now()
	defer func() {
		metrics.RecordSettlementDuration(time.Since(start).Milliseconds())
	}()

	timeout := time.NewTimer(m.cfg.Timeout)
	defer timeout.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	var staleErrs []error
	for {
		staleErrs = append(staleErrs, m.poll(ctx, log, report, notify)...)
		if finished(report) {
			log.Info("Settlement finished", zap.Int("confirmed", report.Confirmed()), zap.Int("txs", len(report.Records)))
			return report, errors.Join(staleErrs...)
		}

		select {
		case <-ctx.Done():
			return report, errors.Join(append(staleErrs, ctx.Err())...)
		case <-timeout.C:
			report.TimedOut = true
			metrics.IncSettlementTimeouts()
			log.Warn("Settlement timed out", zap.Int("confirmed", report.Confirmed()), zap.Int("txs", len(report.Records)))
			return report, errors.Join(staleErrs...)
		case <-ticker.C:
		}
	}
}

func finished(report *SettlementReport) bool {
	for _, rec := range report.Records {
		if rec.Status == StatusPending && rec.Err == nil {
			return false
		}
	}
	return true
}

func (m *SettlementMonitor) poll(ctx context.Context, log *zap.Logger, report *SettlementReport, notify func(SettlementRecord)) []error {
	head, err := m.chain.BlockNumber(ctx)
	if err != nil {
		log.Warn("Failed to read chain head", zap.Error(err))
		return nil
	}

	var staleErrs []error
	chainNonces := make(map[common.Address]uint64)
	for i := range report.Records {
		rec := &report.Records[i]
		if rec.Status == StatusConfirmed || rec.Err != nil {
			continue
		}

		receipt, err := m.receipt(ctx, rec.TxHash)
		if err != nil {
			log.Warn("Failed to read receipt", zap.String("tx", rec.TxHash.Hex()), zap.Error(err))
			continue
		}
		if receipt == nil {
			nonce, ok := chainNonces[rec.From]
			if !ok {
				nonce, err = m.chain.NonceAt(ctx, rec.From, nil)
				if err != nil {
					log.Warn("Failed to read nonce", zap.String("account", rec.From.Hex()), zap.Error(err))
					continue
				}
				chainNonces[rec.From] = nonce
			}
			if nonce <= rec.Nonce {
				continue
			}
			// the nonce may have been consumed by this very tx after the first receipt query
			receipt, err = m.receipt(ctx, rec.TxHash)
			if err != nil {
				continue
			}
			if receipt == nil {
				staleErr := &StaleNonceError{Account: rec.From, TxHash: rec.TxHash, Nonce: rec.Nonce, ChainNonce: nonce}
				rec.Err = staleErr
				staleErrs = append(staleErrs, staleErr)
				metrics.IncStaleNonces()
				log.Warn("Stale nonce", zap.Error(staleErr))
				m.persist(ctx, log, report.BundleHash, *rec)
				notify(*rec)
				continue
			}
		}

		rec.Status = StatusConfirmed
		if receipt.BlockNumber != nil {
			rec.BlockNumber = receipt.BlockNumber.Uint64()
		}
		rec.GasUsed = receipt.GasUsed
		rec.Success = receipt.Status == types.ReceiptStatusSuccessful
		metrics.IncTxsConfirmed()
		log.Info("Transaction confirmed",
			zap.String("kind", rec.Kind.String()),
			zap.String("tx", rec.TxHash.Hex()),
			zap.Uint64("block", rec.BlockNumber),
			zap.Uint64("head", head),
			zap.Bool("success", rec.Success))
		m.persist(ctx, log, report.BundleHash, *rec)
		notify(*rec)
	}
	return staleErrs
}

// receipt returns nil without error when the transaction is not yet included.
func (m *SettlementMonitor) receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := m.chain.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	return receipt, err
}

func (m *SettlementMonitor) persist(ctx context.Context, log *zap.Logger, bundleHash common.Hash, rec SettlementRecord) {
	if m.store == nil {
		return
	}
	if err := m.store.UpdateSettlement(ctx, bundleHash, rec); err != nil {
		log.Warn("Failed to store settlement", zap.String("tx", rec.TxHash.Hex()), zap.Error(err))
	}
}
