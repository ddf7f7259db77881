package bundler

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	testCases := []struct {
		in       string
		decimals uint8
		expected string
		err      bool
	}{
		{in: "1", decimals: 18, expected: "1000000000000000000"},
		{in: "1,000.5", decimals: 6, expected: "1000500000"},
		{in: " 0.15 ", decimals: 18, expected: "150000000000000000"},
		{in: "1 000 000", decimals: 0, expected: "1000000"},
		{in: "0", decimals: 9, expected: "0"},
		{in: "0.0000001", decimals: 6, err: true},
		{in: "-1", decimals: 18, err: true},
		{in: "abc", decimals: 18, err: true},
		{in: "", decimals: 18, err: true},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			out, err := ParseAmount(tc.in, tc.decimals)
			if tc.err {
				require.ErrorIs(t, err, ErrInvalidIntent)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, out.String())
		})
	}
}

func TestParseGwei(t *testing.T) {
	wei, err := ParseGwei("0.3")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(300_000_000), wei)
}

func TestFormatEther(t *testing.T) {
	require.Equal(t, "1.5", FormatEther(big.NewInt(1_500_000_000_000_000_000)))
	require.Equal(t, "0", FormatEther(nil))
	require.Equal(t, "0", FormatEther(big.NewInt(0)))
	require.Equal(t, "1.234567890123456789", FormatEther(big.NewInt(1_234_567_890_123_456_789)))
	require.Equal(t, "0.000000000000000001", FormatEther(big.NewInt(1)))

	huge, ok := new(big.Int).SetString("123456789012345678901234567", 10)
	require.True(t, ok)
	require.Equal(t, "123456789.012345678901234567", FormatEther(huge))
}
