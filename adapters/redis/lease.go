// Package redis provides an adapter to redis client
package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/launch-bundler/bundler"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes a lease key only if it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AccountLease is a bundler.AccountLease shared between bundler processes through redis.
type AccountLease struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
	owner          string
}

func NewAccountLease(client *redis.Client, expireDuration time.Duration, keyPrefix string) (*AccountLease, error) {
	var token [16]byte
	if _, err := rand.Read(token[:]); err != nil {
		return nil, err
	}
	return &AccountLease{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
		owner:          hex.EncodeToString(token[:]),
	}, nil
}

func (l *AccountLease) key(account common.Address) string {
	return l.keyPrefix + account.Hex()
}

func (l *AccountLease) Acquire(ctx context.Context, accounts []common.Address) error {
	acquired := make([]common.Address, 0, len(accounts))
	for _, account := range accounts {
		ok, err := l.client.SetNX(ctx, l.key(account), l.owner, l.expireDuration).Result()
		if err != nil || !ok {
			// leases taken so far are given back, the error of the rollback is not interesting
			_ = l.Release(ctx, acquired)
			if err != nil {
				return err
			}
			return bundler.ErrAccountBusy
		}
		acquired = append(acquired, account)
	}
	return nil
}

func (l *AccountLease) Release(ctx context.Context, accounts []common.Address) error {
	for _, account := range accounts {
		if err := releaseScript.Run(ctx, l.client, []string{l.key(account)}, l.owner).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Holder returns the owner token of the lease on account or an empty string if it is free.
func (l *AccountLease) Holder(ctx context.Context, account common.Address) (string, error) {
	owner, err := l.client.Get(ctx, l.key(account)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return owner, err
}

// Owner is the token this process writes into lease keys.
func (l *AccountLease) Owner() string {
	return l.owner
}

var _ bundler.AccountLease = (*AccountLease)(nil)
