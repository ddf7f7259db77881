package bundler

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type NonceReader interface {
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
}

// NonceAllocator hands out consecutive nonces per account. The first nonce of a range is the
// larger of the on-chain transaction count and the next nonce this allocator has not yet
// handed out, so a nonce is never returned twice until Reset is called.
type NonceAllocator struct {
	chain NonceReader

	mu   sync.Mutex
	next map[common.Address]uint64
}

func NewNonceAllocator(chain NonceReader) *NonceAllocator {
	return &NonceAllocator{
		chain: chain,
		next:  make(map[common.Address]uint64),
	}
}

// Allocate returns count consecutive nonces for account.
func (a *NonceAllocator) Allocate(ctx context.Context, account common.Address, count int) ([]uint64, error) {
	if count <= 0 {
		return nil, invalidIntent("nonce count %d", count)
	}
	onchain, err := a.chain.NonceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("reading nonce of %s: %w", account.Hex(), err)
	}

	a.mu.Lock()
	start := onchain
	if next, ok := a.next[account]; ok && next > start {
		start = next
	}
	a.next[account] = start + uint64(count)
	a.mu.Unlock()

	nonces := make([]uint64, count)
	for i := range nonces {
		nonces[i] = start + uint64(i)
	}
	return nonces, nil
}

// Reset forgets the session state of account. The next allocation starts at the on-chain count again.
func (a *NonceAllocator) Reset(account common.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.next, account)
}

// Release returns nonces from a failed assembly. It only takes effect when they are the most
// recent allocation of account.
func (a *NonceAllocator) Release(account common.Address, nonces []uint64) {
	if len(nonces) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next[account] == nonces[len(nonces)-1]+1 {
		a.next[account] = nonces[0]
	}
}
