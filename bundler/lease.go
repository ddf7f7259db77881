package bundler

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/patrickmn/go-cache"
)

// AccountLease makes sure only one batch at a time allocates nonces for an account.
type AccountLease interface {
	// Acquire leases all accounts or none, failing with ErrAccountBusy if any is held.
	Acquire(ctx context.Context, accounts []common.Address) error
	Release(ctx context.Context, accounts []common.Address) error
}

type MemoryAccountLease struct {
	mu    sync.Mutex
	cache *cache.Cache
}

// NewMemoryAccountLease creates a lease whose entries expire after ttl.
func NewMemoryAccountLease(ttl time.Duration) *MemoryAccountLease {
	return &MemoryAccountLease{
		cache: cache.New(ttl, ttl),
	}
}

func (l *MemoryAccountLease) Acquire(_ context.Context, accounts []common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acquired := make([]string, 0, len(accounts))
	for _, account := range accounts {
		key := account.Hex()
		if err := l.cache.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
			for _, k := range acquired {
				l.cache.Delete(k)
			}
			return ErrAccountBusy
		}
		acquired = append(acquired, key)
	}
	return nil
}

func (l *MemoryAccountLease) Release(_ context.Context, accounts []common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, account := range accounts {
		l.cache.Delete(account.Hex())
	}
	return nil
}

// senders returns the distinct senders of bundle in first-appearance order.
func senders(bundle *Bundle) []common.Address {
	seen := make(map[common.Address]struct{})
	var out []common.Address
	for _, tx := range bundle.Txs {
		if _, ok := seen[tx.From]; ok {
			continue
		}
		seen[tx.From] = struct{}{}
		out = append(out, tx.From)
	}
	return out
}
