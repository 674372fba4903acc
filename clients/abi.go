package clients

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Gateway and ERC-20 method names.
const (
	MethodPayWithETH         = "payWithETH"
	MethodPayWithToken       = "payWithToken"
	MethodCalculateFee       = "calculateFee"
	MethodCalculateNetAmount = "calculateNetAmount"
	MethodPaused             = "paused"
	MethodFeeBps             = "feeBps"
	MethodFeeRecipient       = "feeRecipient"
	MethodDailyPaymentLimit  = "dailyPaymentLimit"
	MethodGetTodayVolume     = "getTodayVolume"
	MethodMinPaymentAmount   = "MIN_PAYMENT_AMOUNT"
	MethodSupportedTokens    = "supportedTokens"

	MethodBalanceOf = "balanceOf"
	MethodDecimals  = "decimals"
	MethodSymbol    = "symbol"
	MethodApprove   = "approve"
	MethodAllowance = "allowance"
)

// Custom errors the gateway and OpenZeppelin tokens revert with.
const (
	RevertEnforcedPause              = "EnforcedPause"
	RevertPaymentAlreadyProcessed    = "PaymentAlreadyProcessed"
	RevertDailyLimitExceeded         = "DailyLimitExceeded"
	RevertPaymentTooSmall            = "PaymentTooSmall"
	RevertTokenNotSupported          = "TokenNotSupported"
	RevertERC20InsufficientBalance   = "ERC20InsufficientBalance"
	RevertERC20InsufficientAllowance = "ERC20InsufficientAllowance"
)

const gatewayABIJSON = `[
	{"type":"function","name":"payWithETH","stateMutability":"payable","inputs":[{"name":"vendor","type":"address"},{"name":"paymentId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"payWithToken","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"vendor","type":"address"},{"name":"paymentId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"calculateFee","stateMutability":"view","inputs":[{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"calculateNetAmount","stateMutability":"view","inputs":[{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"paused","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"feeBps","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"feeRecipient","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"dailyPaymentLimit","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getTodayVolume","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"MIN_PAYMENT_AMOUNT","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"supportedTokens","stateMutability":"view","inputs":[{"name":"token","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"error","name":"EnforcedPause","inputs":[]},
	{"type":"error","name":"PaymentAlreadyProcessed","inputs":[{"name":"paymentId","type":"bytes32"}]},
	{"type":"error","name":"DailyLimitExceeded","inputs":[{"name":"requested","type":"uint256"},{"name":"remaining","type":"uint256"}]},
	{"type":"error","name":"PaymentTooSmall","inputs":[{"name":"amount","type":"uint256"},{"name":"minimum","type":"uint256"}]},
	{"type":"error","name":"TokenNotSupported","inputs":[{"name":"token","type":"address"}]}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"error","name":"ERC20InsufficientBalance","inputs":[{"name":"sender","type":"address"},{"name":"balance","type":"uint256"},{"name":"needed","type":"uint256"}]},
	{"type":"error","name":"ERC20InsufficientAllowance","inputs":[{"name":"spender","type":"address"},{"name":"allowance","type":"uint256"},{"name":"needed","type":"uint256"}]}
]`

var (
	// GatewayABI is the PaymentGateway interface.
	GatewayABI = mustParseABI(gatewayABIJSON)
	// ERC20ABI is the subset of ERC-20 the SDK uses.
	ERC20ABI = mustParseABI(erc20ABIJSON)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}
