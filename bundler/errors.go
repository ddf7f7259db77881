package bundler

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidIntent          = errors.New("invalid transaction intent")
	ErrSigning                = errors.New("signing failed")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrRelayRejected          = errors.New("relay rejected bundle")
	ErrRelayUnavailable       = errors.New("relay unavailable")
	ErrStaleNonce             = errors.New("stale nonce")
	ErrBundleAlreadySubmitted = errors.New("bundle already submitted")
	ErrEmptyBundle            = errors.New("bundle is empty")
	ErrNoRelays               = errors.New("no relays configured")
	ErrAccountBusy            = errors.New("account is used by another batch")
)

func invalidIntent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidIntent, fmt.Sprintf(format, args...))
}

// InsufficientBalanceError reports a failed pre-flight balance check. Asset is "ETH" or the token address.
type InsufficientBalanceError struct {
	Account common.Address
	Asset   string
	Have    *big.Int
	Need    *big.Int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance of %s: have %s, need %s", e.Asset, e.Account.Hex(), e.Have, e.Need)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// RelayRejectedError carries the error payload returned by a relay.
type RelayRejectedError struct {
	Relay   string
	Code    int
	Message string
	Data    any
}

func (e *RelayRejectedError) Error() string {
	return fmt.Sprintf("relay %s rejected bundle: %s (code %d)", e.Relay, e.Message, e.Code)
}

func (e *RelayRejectedError) Unwrap() error {
	return ErrRelayRejected
}

type RelayUnavailableError struct {
	Relay string
	Err   error
}

func (e *RelayUnavailableError) Error() string {
	return fmt.Sprintf("relay %s unavailable: %v", e.Relay, e.Err)
}

func (e *RelayUnavailableError) Unwrap() []error {
	return []error{ErrRelayUnavailable, e.Err}
}

// StaleNonceError means the sender's on-chain nonce moved past a bundle transaction that never landed.
type StaleNonceError struct {
	Account    common.Address
	TxHash     common.Hash
	Nonce      uint64
	ChainNonce uint64
}

func (e *StaleNonceError) Error() string {
	return fmt.Sprintf("nonce %d of %s consumed on chain (account nonce %d) but tx %s has no receipt",
		e.Nonce, e.Account.Hex(), e.ChainNonce, e.TxHash.Hex())
}

func (e *StaleNonceError) Unwrap() error {
	return ErrStaleNonce
}
