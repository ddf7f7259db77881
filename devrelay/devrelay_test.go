package devrelay

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/launch-bundler/bundler"
	"github.com/flashbots/launch-bundler/wallet"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBackend struct {
	mu   sync.Mutex
	head uint64
	sent []common.Hash
	// failAt rejects the transaction with this index
	failAt int
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sent) == b.failAt {
		return errors.New("nonce too low") //nolint:goerr113
	}
	b.sent = append(b.sent, tx.Hash())
	return nil
}

func (b *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	return b.head, nil
}

func signedTransfers(t *testing.T, n int) *bundler.Bundle {
	t.Helper()
	accounts, err := wallet.Generate(1)
	require.NoError(t, err)
	builder := bundler.NewTxBuilder(big.NewInt(1))
	gas := bundler.DefaultGasPolicy().Params(bundler.KindTransfer)
	bundle := &bundler.Bundle{}
	for i := 0; i < n; i++ {
		tx, err := builder.Build(&bundler.TxIntent{
			Kind:    bundler.KindTransfer,
			From:    accounts[0],
			To:      common.HexToAddress("0x1234"),
			Value:   big.NewInt(int64(i + 1)),
			Nonce:   uint64(i),
			Gas:     gas,
			ChainID: big.NewInt(1),
		})
		require.NoError(t, err)
		bundle.Txs = append(bundle.Txs, tx)
	}
	return bundle
}

func newTestRelay(t *testing.T, backend *fakeBackend, authKey *ecdsa.PrivateKey) *bundler.RelaySubmitter {
	t.Helper()
	handler, err := New(zap.NewNop(), backend).Handler()
	require.NoError(t, err)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	submitter, err := bundler.NewRelaySubmitter(zap.NewNop(), bundler.RelayConfig{
		Relays:  []bundler.RelayEndpoint{{Name: "dev", URL: server.URL}},
		AuthKey: authKey,
		Timeout: time.Second,
	}, nil)
	require.NoError(t, err)
	return submitter
}

func TestRelay_ForwardsInOrder(t *testing.T) {
	backend := &fakeBackend{head: 10, failAt: -1}
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	submitter := newTestRelay(t, backend, key)

	bundle := signedTransfers(t, 3)
	handle, err := submitter.Submit(context.Background(), bundle)
	require.NoError(t, err)
	require.Equal(t, bundle.Hash(), handle.BundleHash)
	require.Equal(t, bundle.Hashes(), backend.sent)
}

func TestRelay_Rejections(t *testing.T) {
	ctx := context.Background()

	backend := &fakeBackend{head: 10, failAt: 1}
	_, err := newTestRelay(t, backend, nil).Submit(ctx, signedTransfers(t, 3))
	var rejectedErr *bundler.RelayRejectedError
	require.ErrorAs(t, err, &rejectedErr)
	require.Contains(t, rejectedErr.Message, "tx 1")
	require.Contains(t, rejectedErr.Message, "nonce too low")
	require.Len(t, backend.sent, 1)

	backend = &fakeBackend{head: 10, failAt: -1}
	bundle := signedTransfers(t, 1)
	bundle.TargetBlock = 10
	_, err = newTestRelay(t, backend, nil).Submit(ctx, bundle)
	require.ErrorIs(t, err, bundler.ErrRelayRejected)
	require.ErrorAs(t, err, &rejectedErr)
	require.Contains(t, rejectedErr.Message, ErrTargetBlockPast.Error())
	require.Empty(t, backend.sent)
}

func TestRelay_SendBundleDirect(t *testing.T) {
	relay := New(zap.NewNop(), &fakeBackend{failAt: -1})

	_, err := relay.SendBundle(context.Background(), bundler.SendBundleArgs{})
	require.Error(t, err)
	require.Contains(t, err.Error(), ErrEmptyBundle.Error())

	_, err = relay.SendBundle(context.Background(), bundler.SendBundleArgs{Txs: []hexutil.Bytes{{0x01, 0x02}}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "tx 0")

	handler, err := relay.Handler()
	require.NoError(t, err)
	require.Implements(t, (*http.Handler)(nil), handler)
}
