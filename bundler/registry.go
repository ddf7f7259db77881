package bundler

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// SubmittedRegistry records transaction hashes that were already sent to relays so the same
// signed transaction never appears in two submitted bundles.
type SubmittedRegistry interface {
	// Claim records hashes, failing with ErrBundleAlreadySubmitted when any of them is known.
	Claim(ctx context.Context, hashes []common.Hash) error
	// Release forgets hashes of a bundle that no relay accepted.
	Release(ctx context.Context, hashes []common.Hash) error
}

type MemorySubmittedRegistry struct {
	mu    sync.Mutex
	cache *cache.Cache
}

func NewMemorySubmittedRegistry(expiration time.Duration) *MemorySubmittedRegistry {
	return &MemorySubmittedRegistry{
		cache: cache.New(expiration, expiration),
	}
}

func (r *MemorySubmittedRegistry) Claim(_ context.Context, hashes []common.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range hashes {
		if _, found := r.cache.Get(h.Hex()); found {
			return ErrBundleAlreadySubmitted
		}
	}
	for _, h := range hashes {
		r.cache.SetDefault(h.Hex(), struct{}{})
	}
	return nil
}

func (r *MemorySubmittedRegistry) Release(_ context.Context, hashes []common.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range hashes {
		r.cache.Delete(h.Hex())
	}
	return nil
}

// RedisSubmittedRegistry shares submitted hashes between bundler processes.
type RedisSubmittedRegistry struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewRedisSubmittedRegistry(client *redis.Client, expireDuration time.Duration, keyPrefix string) *RedisSubmittedRegistry {
	return &RedisSubmittedRegistry{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

func (r *RedisSubmittedRegistry) Claim(ctx context.Context, hashes []common.Hash) error {
	claimed := make([]string, 0, len(hashes))
	for _, h := range hashes {
		key := r.keyPrefix + h.Hex()
		ok, err := r.client.SetNX(ctx, key, 1, r.expireDuration).Result()
		if err != nil || !ok {
			if len(claimed) > 0 {
				_ = r.client.Del(ctx, claimed...).Err()
			}
			if err != nil {
				return err
			}
			return ErrBundleAlreadySubmitted
		}
		claimed = append(claimed, key)
	}
	return nil
}

func (r *RedisSubmittedRegistry) Release(ctx context.Context, hashes []common.Hash) error {
	if len(hashes) == 0 {
		return nil
	}
	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = r.keyPrefix + h.Hex()
	}
	return r.client.Del(ctx, keys...).Err()
}

// IsSubmitted reports whether any of hashes was claimed.
func (r *RedisSubmittedRegistry) IsSubmitted(ctx context.Context, hashes []common.Hash) (bool, error) {
	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = r.keyPrefix + h.Hex()
	}
	res, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return false, err
	}
	for _, v := range res {
		if v != nil {
			return true, nil
		}
	}
	return false, nil
}

// DeleteAll deletes all the keys of the registry. It can be very slow and should only be used for testing.
func (r *RedisSubmittedRegistry) DeleteAll(ctx context.Context) error {
	keys, err := r.client.Keys(ctx, r.keyPrefix+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}
