package utils

import (
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUnits(t *testing.T) {
	tests := []struct {
		amount   string
		decimals uint8
		want     string
	}{
		{"1", 18, "1000000000000000000"},
		{"0.01", 18, "10000000000000000"},
		{"0.000000000000000001", 18, "1"},
		{"10", 6, "10000000"},
		{"1.5", 6, "1500000"},
		{"1.500000000", 6, "1500000"},
	}
	for _, tt := range tests {
		got, err := ParseUnits(tt.amount, tt.decimals)
		require.NoError(t, err, tt.amount)
		assert.Equal(t, tt.want, got.String(), tt.amount)
	}
}

func TestParseUnitsRejects(t *testing.T) {
	for _, amount := range []string{"", "abc", "0", "-1", "1.0000001"} {
		_, err := ParseUnits(amount, 6)
		assert.Error(t, err, amount)
	}
}

func TestFormatUnits(t *testing.T) {
	assert.Equal(t, "0", FormatUnits(nil, 18))
	assert.Equal(t, "0", FormatUnits(new(big.Int), 18))
	assert.Equal(t, "0.01", FormatUnits(big.NewInt(1e16), 18))
	assert.Equal(t, "12.5", FormatUnits(big.NewInt(12_500_000), 6))

	wei, err := ParseUnits("3.14159", 18)
	require.NoError(t, err)
	assert.Equal(t, "3.14159", FormatUnits(wei, 18))
}

func TestValidateAddress(t *testing.T) {
	addr, err := ValidateAddress("0x69f6000000000000000000000000000000000B58")
	require.NoError(t, err)
	assert.Equal(t, "0x69f6000000000000000000000000000000000b58", strings.ToLower(addr.Hex()))

	for _, bad := range []string{"", "0x123", "69f6000000000000000000000000000000000b58", "0xZZf6000000000000000000000000000000000b58"} {
		_, err := ValidateAddress(bad)
		assert.Error(t, err, bad)
	}
}

func TestIsTransactionHash(t *testing.T) {
	assert.True(t, IsTransactionHash("0x"+strings.Repeat("ab", 32)))
	assert.False(t, IsTransactionHash("0x"+strings.Repeat("ab", 20)))
	assert.False(t, IsTransactionHash(strings.Repeat("ab", 32)))
}

func TestUnitsRoundTrip(t *testing.T) {
	huge, _ := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457", 10)
	tests := []struct {
		decimals uint8
		wei      *big.Int
	}{
		{18, big.NewInt(1)},
		{18, big.NewInt(1e15)},
		{18, big.NewInt(1e18)},
		{18, big.NewInt(123456789)},
		{18, huge},
		{6, big.NewInt(1)},
		{6, big.NewInt(1e6)},
		{6, big.NewInt(10_500_000)},
		{6, big.NewInt(123456789)},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.wei, tt.decimals), func(t *testing.T) {
			got, err := ParseUnits(FormatUnits(tt.wei, tt.decimals), tt.decimals)
			require.NoError(t, err)
			assert.Zero(t, tt.wei.Cmp(got), "got %s", got)
		})
	}
}

func TestNewPaymentID(t *testing.T) {
	a, err := NewPaymentID()
	require.NoError(t, err)
	b, err := NewPaymentID()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
