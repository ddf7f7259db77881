package bundler

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatEther formats wei as ether without rounding.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -18).String()
}

// ParseAmount parses a human readable amount such as "1,000.5" into base units with the given decimals.
// Commas and whitespace are ignored. Amounts with more fractional digits than decimals are rejected.
func ParseAmount(s string, decimals uint8) (*big.Int, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r == ',' || r == ' ' || r == '\t' || r == '\n' {
			return -1
		}
		return r
	}, s)
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q", ErrInvalidIntent, s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount %q", ErrInvalidIntent, s)
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%w: amount %q has more than %d decimals", ErrInvalidIntent, s, decimals)
	}
	return shifted.BigInt(), nil
}

// ParseEther parses an ether amount into wei.
func ParseEther(s string) (*big.Int, error) {
	return ParseAmount(s, 18)
}

// ParseGwei parses a gwei amount into wei.
func ParseGwei(s string) (*big.Int, error) {
	return ParseAmount(s, 9)
}
