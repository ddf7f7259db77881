package bundler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var ErrBundleNotFound = errors.New("bundle not found")

const schema = `
CREATE TABLE IF NOT EXISTS launch_bundle (
    hash         bytea PRIMARY KEY,
    target_block bigint NOT NULL,
    relays       text NOT NULL,
    tx_count     int NOT NULL,
    submitted_at timestamptz NOT NULL,
    inserted_at  timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS launch_bundle_tx (
    bundle_hash  bytea NOT NULL,
    idx          int NOT NULL,
    tx_hash      bytea NOT NULL,
    kind         text NOT NULL,
    sender       bytea NOT NULL,
    nonce        bigint NOT NULL,
    raw          bytea NOT NULL,
    status       text NOT NULL DEFAULT 'pending',
    block_number bigint,
    gas_used     bigint,
    success      boolean,
    error        text,
    updated_at   timestamptz NOT NULL DEFAULT now(),
    PRIMARY KEY (bundle_hash, idx)
);`

type DBBundle struct {
	Hash        []byte    `db:"hash"`
	TargetBlock int64     `db:"target_block"`
	Relays      string    `db:"relays"`
	TxCount     int       `db:"tx_count"`
	SubmittedAt time.Time `db:"submitted_at"`
	InsertedAt  time.Time `db:"inserted_at"`
}

var insertBundleQuery = `
INSERT INTO launch_bundle (hash, target_block, relays, tx_count, submitted_at)
VALUES (:hash, :target_block, :relays, :tx_count, :submitted_at)
ON CONFLICT (hash) DO NOTHING`

var getBundleQuery = `
SELECT hash, target_block, relays, tx_count, submitted_at, inserted_at
FROM launch_bundle
WHERE hash = $1`

type DBBundleTx struct {
	BundleHash  []byte         `db:"bundle_hash"`
	Idx         int            `db:"idx"`
	TxHash      []byte         `db:"tx_hash"`
	Kind        string         `db:"kind"`
	Sender      []byte         `db:"sender"`
	Nonce       int64          `db:"nonce"`
	Raw         []byte         `db:"raw"`
	Status      string         `db:"status"`
	BlockNumber sql.NullInt64  `db:"block_number"`
	GasUsed     sql.NullInt64  `db:"gas_used"`
	Success     sql.NullBool   `db:"success"`
	Error       sql.NullString `db:"error"`
}

var insertBundleTxQuery = `
INSERT INTO launch_bundle_tx (bundle_hash, idx, tx_hash, kind, sender, nonce, raw, status)
VALUES (:bundle_hash, :idx, :tx_hash, :kind, :sender, :nonce, :raw, :status)
ON CONFLICT (bundle_hash, idx) DO NOTHING`

var updateSettlementQuery = `
UPDATE launch_bundle_tx
SET status = :status, block_number = :block_number, gas_used = :gas_used, success = :success, error = :error, updated_at = now()
WHERE bundle_hash = :bundle_hash AND tx_hash = :tx_hash`

var getBundleTxsQuery = `
SELECT bundle_hash, idx, tx_hash, kind, sender, nonce, raw, status, block_number, gas_used, success, error
FROM launch_bundle_tx
WHERE bundle_hash = $1
ORDER BY idx`

// DBBackend keeps the submission history in postgres.
type DBBackend struct {
	db *sqlx.DB

	updateSettlement *sqlx.NamedStmt
	getBundle        *sqlx.Stmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return newDBBackend(db)
}

// newDBBackend prepares the statements on db. db is closed when preparing fails.
func newDBBackend(db *sqlx.DB) (*DBBackend, error) {
	updateSettlement, err := db.PrepareNamed(updateSettlementQuery)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	getBundle, err := db.Preparex(getBundleQuery)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DBBackend{
		db:               db,
		updateSettlement: updateSettlement,
		getBundle:        getBundle,
	}, nil
}

// InsertBundle stores a submitted bundle and its transactions. Inserting a known bundle is a no-op.
func (b *DBBackend) InsertBundle(ctx context.Context, handle *BundleHandle, bundle *Bundle) error {
	dbBundle := DBBundle{
		Hash:        handle.BundleHash.Bytes(),
		TargetBlock: int64(handle.TargetBlock),
		Relays:      strings.Join(handle.Relays, ","),
		TxCount:     len(bundle.Txs),
		SubmittedAt: handle.SubmittedAt,
	}
	txs := make([]DBBundleTx, len(bundle.Txs))
	for i, tx := range bundle.Txs {
		txs[i] = DBBundleTx{
			BundleHash: dbBundle.Hash,
			Idx:        i,
			TxHash:     tx.Hash().Bytes(),
			Kind:       tx.Kind.String(),
			Sender:     tx.From.Bytes(),
			Nonce:      int64(tx.Nonce()),
			Raw:        tx.Raw,
			Status:     StatusPending.String(),
		}
	}

	dbTx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := dbTx.NamedExecContext(ctx, insertBundleQuery, dbBundle); err != nil {
		_ = dbTx.Rollback()
		return err
	}
	if len(txs) > 0 {
		if _, err := dbTx.NamedExecContext(ctx, insertBundleTxQuery, txs); err != nil {
			_ = dbTx.Rollback()
			return err
		}
	}
	return dbTx.Commit()
}

func (b *DBBackend) UpdateSettlement(ctx context.Context, bundleHash common.Hash, rec SettlementRecord) error {
	row := DBBundleTx{
		BundleHash: bundleHash.Bytes(),
		TxHash:     rec.TxHash.Bytes(),
		Status:     rec.Status.String(),
	}
	if rec.Status == StatusConfirmed {
		row.BlockNumber = sql.NullInt64{Int64: int64(rec.BlockNumber), Valid: true}
		row.GasUsed = sql.NullInt64{Int64: int64(rec.GasUsed), Valid: true}
		row.Success = sql.NullBool{Bool: rec.Success, Valid: true}
	}
	if rec.Err != nil {
		row.Error = sql.NullString{String: rec.Err.Error(), Valid: true}
	}
	_, err := b.updateSettlement.ExecContext(ctx, row)
	return err
}

func (b *DBBackend) GetBundle(ctx context.Context, hash common.Hash) (*DBBundle, []DBBundleTx, error) {
	var bundle DBBundle
	err := b.getBundle.GetContext(ctx, &bundle, hash.Bytes())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrBundleNotFound
	} else if err != nil {
		return nil, nil, err
	}
	var txs []DBBundleTx
	if err := b.db.SelectContext(ctx, &txs, getBundleTxsQuery, hash.Bytes()); err != nil {
		return nil, nil, err
	}
	return &bundle, txs, nil
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}

// LoadSubmitted rebuilds the handle and transactions of a stored bundle so it can be tracked again.
func (b *DBBackend) LoadSubmitted(ctx context.Context, hash common.Hash) (*BundleHandle, []*SignedTx, error) {
	dbBundle, dbTxs, err := b.GetBundle(ctx, hash)
	if err != nil {
		return nil, nil, err
	}
	handle := &BundleHandle{
		BundleHash:  common.BytesToHash(dbBundle.Hash),
		TargetBlock: uint64(dbBundle.TargetBlock),
		SubmittedAt: dbBundle.SubmittedAt,
	}
	if dbBundle.Relays != "" {
		handle.Relays = strings.Split(dbBundle.Relays, ",")
	}
	txs := make([]*SignedTx, len(dbTxs))
	for i, row := range dbTxs {
		tx, err := DecodeSignedTx(row.Raw)
		if err != nil {
			return nil, nil, fmt.Errorf("bundle tx %d: %w", row.Idx, err)
		}
		kind, ok := kindNames[row.Kind]
		if !ok {
			return nil, nil, fmt.Errorf("bundle tx %d: unknown kind %q", row.Idx, row.Kind) //nolint:goerr113
		}
		txs[i] = &SignedTx{Kind: kind, From: common.BytesToAddress(row.Sender), Tx: tx, Raw: row.Raw}
		handle.TxHashes = append(handle.TxHashes, tx.Hash())
	}
	return handle, txs, nil
}
