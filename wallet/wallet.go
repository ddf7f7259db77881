// Package wallet holds externally owned accounts used by the bundler: key generation,
// parsing and the generated-wallets record file.
package wallet

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrEmptyKey     = errors.New("private key is empty")
	ErrInvalidCount = errors.New("wallet count must be greater than 0")
	ErrKeyMismatch  = errors.New("private key does not match address")
)

// Account is a private key and the address derived from it.
type Account struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewAccount(key *ecdsa.PrivateKey) *Account {
	return &Account{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// FromHex parses a hex private key, with or without 0x prefix.
func FromHex(hexKey string) (*Account, error) {
	h := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if h == "" {
		return nil, ErrEmptyKey
	}
	key, err := crypto.HexToECDSA(h)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return NewAccount(key), nil
}

func (a *Account) Address() common.Address {
	return a.address
}

// SignTx signs tx with the account key.
func (a *Account) SignTx(tx *types.Transaction, signer types.Signer) (*types.Transaction, error) {
	return types.SignTx(tx, signer, a.key)
}

// PrivateKeyHex returns the 0x-prefixed private key.
func (a *Account) PrivateKeyHex() string {
	return hexutil.Encode(crypto.FromECDSA(a.key))
}

// Generate creates n fresh random accounts.
func Generate(n int) ([]*Account, error) {
	if n <= 0 {
		return nil, ErrInvalidCount
	}
	accounts := make([]*Account, 0, n)
	for i := 0; i < n; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, NewAccount(key))
	}
	return accounts, nil
}

// Record is one entry of the generated wallets file.
type Record struct {
	Address    common.Address `json:"address"`
	PrivateKey string         `json:"privateKey"`
}

// Save writes the accounts to path, replacing any previous content.
func Save(path string, accounts []*Account) error {
	records := make([]Record, len(accounts))
	for i, a := range accounts {
		records[i] = Record{Address: a.Address(), PrivateKey: a.PrivateKeyHex()}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Load reads a file written by Save. Every record's key must derive its address.
func Load(path string) ([]*Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	accounts := make([]*Account, 0, len(records))
	for i, r := range records {
		a, err := FromHex(r.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if a.Address() != r.Address {
			return nil, fmt.Errorf("record %d (%s): %w", i, r.Address.Hex(), ErrKeyMismatch)
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}
