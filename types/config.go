package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ApprovalResetPolicy decides when a nonzero allowance is reset to zero
// before being raised.
type ApprovalResetPolicy string

const (
	ResetAlways ApprovalResetPolicy = "always"
	ResetNever  ApprovalResetPolicy = "never"
	ResetListed ApprovalResetPolicy = "listed"
)

// Defaults applied by Config.ApplyDefaults.
const (
	DefaultETHGasBufferPercent   = 20
	DefaultTokenGasBufferPercent = 30
	DefaultEstimateTimeout       = 60 * time.Second
	DefaultReceiptTimeout        = 5 * time.Minute
	DefaultRefreshInterval       = 30 * time.Second
	DefaultQRCodeBaseURL         = "https://api.qrserver.com/v1/create-qr-code/"
)

// Config is the global configuration of the payment SDK.
type Config struct {
	Chain                 ChainParams         `json:"chain"`
	GatewayAddress        string              `json:"gatewayAddress" validate:"required,eth_addr"`
	Tokens                map[string]string   `json:"tokens,omitempty" validate:"omitempty,dive,keys,required,endkeys,eth_addr"`
	ETHGasBufferPercent   uint64              `json:"ethGasBufferPercent,omitempty" validate:"omitempty,max=100"`
	TokenGasBufferPercent uint64              `json:"tokenGasBufferPercent,omitempty" validate:"omitempty,max=100"`
	EstimateTimeout       Duration            `json:"estimateTimeout,omitempty"`
	ReceiptTimeout        Duration            `json:"receiptTimeout,omitempty"`
	RefreshInterval       *Duration           `json:"refreshInterval,omitempty"`
	ApprovalReset         ApprovalResetPolicy `json:"approvalReset,omitempty" validate:"omitempty,oneof=always never listed"`
	ResetRequiredTokens   []string            `json:"resetRequiredTokens,omitempty" validate:"omitempty,dive,eth_addr"`
	LogLevel              string              `json:"logLevel,omitempty" validate:"omitempty,oneof=debug info warn error"`
	EnableMetrics         bool                `json:"enableMetrics,omitempty"`
	QRCodeBaseURL         string              `json:"qrCodeBaseUrl,omitempty" validate:"omitempty,url"`
}

// DefaultConfig returns a configuration for Morph Holesky. The gateway
// address must still be set by the caller.
func DefaultConfig() *Config {
	c := &Config{Chain: MorphHolesky()}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Chain.ChainID == 0 {
		c.Chain = MorphHolesky()
	}
	if c.ETHGasBufferPercent == 0 {
		c.ETHGasBufferPercent = DefaultETHGasBufferPercent
	}
	if c.TokenGasBufferPercent == 0 {
		c.TokenGasBufferPercent = DefaultTokenGasBufferPercent
	}
	if c.EstimateTimeout == 0 {
		c.EstimateTimeout = Duration(DefaultEstimateTimeout)
	}
	if c.ReceiptTimeout == 0 {
		c.ReceiptTimeout = Duration(DefaultReceiptTimeout)
	}
	if c.RefreshInterval == nil {
		d := Duration(DefaultRefreshInterval)
		c.RefreshInterval = &d
	}
	if c.ApprovalReset == "" {
		c.ApprovalReset = ResetAlways
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.QRCodeBaseURL == "" {
		c.QRCodeBaseURL = DefaultQRCodeBaseURL
	}
}

// Gateway returns the configured gateway address.
func (c *Config) Gateway() common.Address {
	return common.HexToAddress(c.GatewayAddress)
}

// TokenAddress resolves a configured symbol (case-insensitive) or a raw
// address.
func (c *Config) TokenAddress(symbolOrAddress string) (common.Address, bool) {
	if common.IsHexAddress(symbolOrAddress) {
		return common.HexToAddress(symbolOrAddress), true
	}
	for sym, addr := range c.Tokens {
		if strings.EqualFold(sym, symbolOrAddress) {
			return common.HexToAddress(addr), true
		}
	}
	return common.Address{}, false
}

// ResetRequired lists the tokens for the "listed" reset policy.
func (c *Config) ResetRequired() []common.Address {
	out := make([]common.Address, 0, len(c.ResetRequiredTokens))
	for _, t := range c.ResetRequiredTokens {
		out = append(out, common.HexToAddress(t))
	}
	return out
}

// Duration is a time.Duration that reads "60s" style strings or nanoseconds from JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if v, err := time.ParseDuration(s); err == nil {
		*d = Duration(v)
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(n)
	return nil
}
