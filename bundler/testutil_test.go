package bundler

import (
	"context"
	"errors"
	"math/big"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/launch-bundler/jsonrpcserver"
	"github.com/flashbots/launch-bundler/wallet"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errChainDown = errors.New("chain down")

// fakeChain is an in-memory ChainReader. Token balances are served through balanceOf calls.
type fakeChain struct {
	mu            sync.Mutex
	head          uint64
	nonces        map[common.Address]uint64
	balances      map[common.Address]*big.Int
	tokenBalances map[common.Address]map[common.Address]*big.Int
	decimals      uint8
	receipts      map[common.Hash]*types.Receipt
	nonceErr      error

	nonceCalls   int32
	receiptCalls int32
	// onReceipt runs before every receipt lookup
	onReceipt func(hash common.Hash, call int32)
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		head:          100,
		nonces:        make(map[common.Address]uint64),
		balances:      make(map[common.Address]*big.Int),
		tokenBalances: make(map[common.Address]map[common.Address]*big.Int),
		decimals:      18,
		receipts:      make(map[common.Hash]*types.Receipt),
	}
}

func (c *fakeChain) setNonce(account common.Address, nonce uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonces[account] = nonce
}

func (c *fakeChain) setBalance(account common.Address, wei *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[account] = wei
}

func (c *fakeChain) setTokenBalance(token, owner common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokenBalances[token] == nil {
		c.tokenBalances[token] = make(map[common.Address]*big.Int)
	}
	c.tokenBalances[token][owner] = amount
}

// include marks tx as mined in the next block and bumps the sender nonce.
func (c *fakeChain) include(tx *SignedTx, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head++
	status := types.ReceiptStatusFailed
	if success {
		status = types.ReceiptStatusSuccessful
	}
	c.receipts[tx.Hash()] = &types.Receipt{
		TxHash:      tx.Hash(),
		Status:      status,
		GasUsed:     tx.Tx.Gas() / 2,
		BlockNumber: new(big.Int).SetUint64(c.head),
	}
	if c.nonces[tx.From] <= tx.Nonce() {
		c.nonces[tx.From] = tx.Nonce() + 1
	}
}

func (c *fakeChain) NonceAt(_ context.Context, account common.Address, _ *big.Int) (uint64, error) {
	atomic.AddInt32(&c.nonceCalls, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nonceErr != nil {
		return 0, c.nonceErr
	}
	return c.nonces[account], nil
}

func (c *fakeChain) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (c *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, errors.New("bad call") //nolint:goerr113
	}
	method, err := erc20ABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "balanceOf":
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		owner := args[0].(common.Address) //nolint:forcetypeassert
		balance := new(big.Int)
		if b, ok := c.tokenBalances[*msg.To][owner]; ok {
			balance.Set(b)
		}
		return method.Outputs.Pack(balance)
	case "decimals":
		return method.Outputs.Pack(c.decimals)
	}
	return nil, errors.New("unsupported call") //nolint:goerr113
}

func (c *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	call := atomic.AddInt32(&c.receiptCalls, 1)
	if c.onReceipt != nil {
		c.onReceipt(hash, call)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (c *fakeChain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

// countingSigner counts signing operations and can be made to fail.
type countingSigner struct {
	*wallet.Account
	signs int32
	fail  error
}

func (s *countingSigner) SignTx(tx *types.Transaction, signer types.Signer) (*types.Transaction, error) {
	atomic.AddInt32(&s.signs, 1)
	if s.fail != nil {
		return nil, s.fail
	}
	return s.Account.SignTx(tx, signer)
}

func (s *countingSigner) count() int {
	return int(atomic.LoadInt32(&s.signs))
}

func newSigner(t *testing.T) *countingSigner {
	t.Helper()
	accounts, err := wallet.Generate(1)
	require.NoError(t, err)
	return &countingSigner{Account: accounts[0]}
}

var (
	testToken   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testChainID = big.NewInt(1)
	oneEther    = big.NewInt(1e18)
)

func ether(num, denom int64) *big.Int {
	v := new(big.Int).Mul(oneEther, big.NewInt(num))
	return v.Div(v, big.NewInt(denom))
}

func newTestAssembler(chain *fakeChain) (*Assembler, *NonceAllocator) {
	nonces := NewNonceAllocator(chain)
	return NewAssembler(zap.NewNop(), chain, nonces, NewTxBuilder(testChainID), DefaultAssemblerConfig()), nonces
}

// fakeRelay serves eth_sendBundle through the jsonrpcserver handler.
type fakeRelay struct {
	server *httptest.Server
	calls  int32

	mu       sync.Mutex
	received []SendBundleArgs
	signers  []common.Address
}

func newFakeRelay(t *testing.T, respond func(ctx context.Context, args SendBundleArgs) (*SendBundleResponse, error)) *fakeRelay {
	t.Helper()
	relay := &fakeRelay{}
	handler, err := jsonrpcserver.NewHandler(jsonrpcserver.Methods{
		SendBundleEndpointName: func(ctx context.Context, args SendBundleArgs) (*SendBundleResponse, error) {
			atomic.AddInt32(&relay.calls, 1)
			relay.mu.Lock()
			relay.received = append(relay.received, args)
			relay.signers = append(relay.signers, jsonrpcserver.GetSigner(ctx))
			relay.mu.Unlock()
			return respond(ctx, args)
		},
	})
	require.NoError(t, err)
	relay.server = httptest.NewServer(handler)
	t.Cleanup(relay.server.Close)
	return relay
}

func (r *fakeRelay) endpoint(name string) RelayEndpoint {
	return RelayEndpoint{Name: name, URL: r.server.URL}
}

func (r *fakeRelay) callCount() int {
	return int(atomic.LoadInt32(&r.calls))
}

func acceptWith(hash common.Hash) func(context.Context, SendBundleArgs) (*SendBundleResponse, error) {
	return func(context.Context, SendBundleArgs) (*SendBundleResponse, error) {
		return &SendBundleResponse{BundleHash: hash}, nil
	}
}

func senderOf(tx *types.Transaction) (common.Address, error) {
	return types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
}
