// Package auth implements the X-Flashbots-Signature request authentication scheme:
// the signer signs the EIP-191 hash of the hex encoded keccak256 of the request body.
package auth

import (
	"crypto/ecdsa"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const HeaderName = "X-Flashbots-Signature"

var (
	ErrMalformedHeader   = errors.New("malformed signature header")
	ErrSignatureMismatch = errors.New("signature does not match signer")
)

func bodyHash(body []byte) []byte {
	return accounts.TextHash([]byte(crypto.Keccak256Hash(body).Hex()))
}

// Sign returns the header value "<address>:<signature>" for body.
func Sign(key *ecdsa.PrivateKey, body []byte) (string, error) {
	sig, err := crypto.Sign(bodyHash(body), key)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex() + ":" + hexutil.Encode(sig), nil
}

// Verify checks header against body and returns the signing address.
func Verify(header string, body []byte) (common.Address, error) {
	parts := strings.Split(header, ":")
	if len(parts) != 2 || !common.IsHexAddress(parts[0]) {
		return common.Address{}, ErrMalformedHeader
	}
	sig, err := hexutil.Decode(parts[1])
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrMalformedHeader
	}
	pub, err := crypto.SigToPub(bodyHash(body), sig)
	if err != nil {
		return common.Address{}, ErrMalformedHeader
	}
	claimed := common.HexToAddress(parts[0])
	if crypto.PubkeyToAddress(*pub) != claimed {
		return common.Address{}, ErrSignatureMismatch
	}
	return claimed, nil
}
