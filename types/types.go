package types

import (
	"encoding/hex"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Fee units used by the gateway contract.
const (
	BasisPointsDenominator = 10000
)

// EtherDecimals is the base-unit exponent of the native currency.
const EtherDecimals = 18

// WalletSession is the account and chain last reported by the wallet.
type WalletSession struct {
	Address   common.Address `json:"address"`
	ChainID   uint64         `json:"chainId"`
	Connected bool           `json:"connected"`
}

// ContractPresence records whether code was found at the gateway address.
type ContractPresence int

const (
	PresenceUnknown ContractPresence = iota
	PresenceDeployed
	PresenceMissing
)

func (p ContractPresence) String() string {
	switch p {
	case PresenceDeployed:
		return "deployed"
	case PresenceMissing:
		return "missing"
	default:
		return "unknown"
	}
}

// ContractSnapshot is a read-only projection of gateway state at FetchedAt.
// Snapshots are replaced wholesale, never mutated after publication.
type ContractSnapshot struct {
	Presence       ContractPresence `json:"presence"`
	Paused         bool             `json:"paused"`
	FeeBps         uint64           `json:"feeBps"`
	FeeRecipient   common.Address   `json:"feeRecipient"`
	DailyLimitWei  *big.Int         `json:"dailyLimitWei"`
	TodayVolumeWei *big.Int         `json:"todayVolumeWei"`
	MinPaymentWei  *big.Int         `json:"minPaymentWei"`
	FetchedAt      time.Time        `json:"fetchedAt"`
}

// EmptySnapshot returns the default snapshot used before the first read.
func EmptySnapshot() *ContractSnapshot {
	return &ContractSnapshot{
		Presence:       PresenceUnknown,
		DailyLimitWei:  new(big.Int),
		TodayVolumeWei: new(big.Int),
		MinPaymentWei:  new(big.Int),
	}
}

// Exists reports whether the gateway was confirmed to have code.
func (s *ContractSnapshot) Exists() bool {
	return s != nil && s.Presence == PresenceDeployed
}

// Clone returns a deep copy, so a refresh can start from the previous values.
func (s *ContractSnapshot) Clone() *ContractSnapshot {
	if s == nil {
		return EmptySnapshot()
	}
	c := *s
	c.DailyLimitWei = cloneBig(s.DailyLimitWei)
	c.TodayVolumeWei = cloneBig(s.TodayVolumeWei)
	c.MinPaymentWei = cloneBig(s.MinPaymentWei)
	return &c
}

// RemainingDailyWei is the volume still accepted today, or nil when the
// contract reports no limit.
func (s *ContractSnapshot) RemainingDailyWei() *big.Int {
	if s == nil || s.DailyLimitWei == nil || s.DailyLimitWei.Sign() == 0 {
		return nil
	}
	rem := new(big.Int).Sub(s.DailyLimitWei, s.TodayVolumeWei)
	if rem.Sign() < 0 {
		return new(big.Int)
	}
	return rem
}

// PaymentKind selects between native and ERC-20 payments.
type PaymentKind string

const (
	KindETH   PaymentKind = "ETH"
	KindToken PaymentKind = "TOKEN"
)

// PaymentID is the caller-supplied duplicate-protection id of a payment.
type PaymentID [32]byte

func (p PaymentID) Hex() string {
	return "0x" + hex.EncodeToString(p[:])
}

func (p PaymentID) String() string {
	return p.Hex()
}

// FeeBreakdown splits an amount into the gateway fee and what the vendor
// receives. FeeWei + NetWei always equals the gross amount.
type FeeBreakdown struct {
	AmountWei *big.Int `json:"amountWei"`
	FeeWei    *big.Int `json:"feeWei"`
	NetWei    *big.Int `json:"netWei"`
	FeeBps    uint64   `json:"feeBps"`
	OnChain   bool     `json:"onChain"`
}

// LocalFee computes the fee with integer basis-point math.
func LocalFee(amountWei *big.Int, feeBps uint64) FeeBreakdown {
	fee := new(big.Int).Mul(amountWei, new(big.Int).SetUint64(feeBps))
	fee.Quo(fee, big.NewInt(BasisPointsDenominator))
	return FeeBreakdown{
		AmountWei: cloneBig(amountWei),
		FeeWei:    fee,
		NetWei:    new(big.Int).Sub(amountWei, fee),
		FeeBps:    feeBps,
	}
}

// PaymentResult is the terminal success value of an attempt.
type PaymentResult struct {
	TransactionHash common.Hash     `json:"transactionHash"`
	PaymentID       PaymentID       `json:"paymentId"`
	ExplorerURL     string          `json:"explorerUrl"`
	Kind            PaymentKind     `json:"kind"`
	Token           *common.Address `json:"token,omitempty"`
	Vendor          common.Address  `json:"vendor"`
	AmountWei       *big.Int        `json:"amountWei"`
	BlockNumber     uint64          `json:"blockNumber"`
	GasUsed         uint64          `json:"gasUsed"`
	ApprovalTxs     []common.Hash   `json:"approvalTxs,omitempty"`
}

// AllowanceState is an ERC-20 allowance as read from the token.
type AllowanceState struct {
	Owner     common.Address `json:"owner"`
	Spender   common.Address `json:"spender"`
	Token     common.Address `json:"token"`
	AmountWei *big.Int       `json:"amountWei"`
}

// Covers reports whether the allowance is at least amount.
func (a AllowanceState) Covers(amount *big.Int) bool {
	return a.AmountWei != nil && a.AmountWei.Cmp(amount) >= 0
}

// TokenMetadata is what the token contract reports about itself.
type TokenMetadata struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
}

// PaymentState is the orchestrator state machine.
type PaymentState string

const (
	StateIdle             PaymentState = "IDLE"
	StateValidating       PaymentState = "VALIDATING"
	StateAwaitingApproval PaymentState = "AWAITING_APPROVAL"
	StateEstimating       PaymentState = "ESTIMATING"
	StateSubmitting       PaymentState = "SUBMITTING"
	StateConfirmed        PaymentState = "CONFIRMED"
	StateFailed           PaymentState = "FAILED"
)

// Terminal reports whether the state ends an attempt.
func (s PaymentState) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

// Busy reports whether an attempt is in flight.
func (s PaymentState) Busy() bool {
	switch s {
	case StateValidating, StateAwaitingApproval, StateEstimating, StateSubmitting:
		return true
	}
	return false
}

// ContractInfo is the human-formatted view of a snapshot returned by the SDK.
type ContractInfo struct {
	Address         common.Address `json:"address"`
	Exists          bool           `json:"exists"`
	Paused          bool           `json:"paused"`
	FeeBps          uint64         `json:"feeBps"`
	FeePercent      string         `json:"feePercent"`
	FeeRecipient    common.Address `json:"feeRecipient"`
	DailyLimit      string         `json:"dailyLimit"`
	TodayVolume     string         `json:"todayVolume"`
	RemainingToday  string         `json:"remainingToday,omitempty"`
	MinPayment      string         `json:"minPayment"`
	ExplorerURL     string         `json:"explorerUrl"`
	SnapshotTakenAt time.Time      `json:"snapshotTakenAt"`
}

// QRCode is an EIP-681 payment URI and a rendered image URL.
type QRCode struct {
	URI      string `json:"uri"`
	ImageURL string `json:"imageUrl"`
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
