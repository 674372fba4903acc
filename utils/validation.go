package utils

import (
	"fmt"
	"math/big"
	"regexp"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	hashPattern    = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// ValidateAmount checks if an amount string is a valid, positive decimal
func ValidateAmount(amount string) (*decimal.Decimal, error) {
	if amount == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}

	if !dec.IsPositive() {
		return nil, fmt.Errorf("amount must be greater than zero")
	}

	return &dec, nil
}

// ValidateAddress checks the 0x + 40 hex form. Checksums are not enforced,
// wallets hand out both cases.
func ValidateAddress(address string) (common.Address, error) {
	if address == "" {
		return common.Address{}, fmt.Errorf("address cannot be empty")
	}
	if !addressPattern.MatchString(address) {
		return common.Address{}, fmt.Errorf("address must be 0x followed by 40 hex characters")
	}
	return common.HexToAddress(address), nil
}

// IsTransactionHash reports whether s is a 0x-prefixed 32-byte hash.
func IsTransactionHash(s string) bool {
	return hashPattern.MatchString(s)
}

// ParseUnits converts a human amount into base units using the token's
// decimals. More fractional digits than decimals is an error rather than a
// silent truncation.
func ParseUnits(amount string, decimals uint8) (*big.Int, error) {
	dec, err := ValidateAmount(amount)
	if err != nil {
		return nil, err
	}

	if -dec.Exponent() > int32(decimals) && !dec.Equal(dec.Truncate(int32(decimals))) {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}

	// Multiply by 10^decimals to get the raw integer amount
	return dec.Mul(decimal.New(1, int32(decimals))).BigInt(), nil
}

// FormatUnits renders base units as a decimal string with the given decimals.
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}
