// Package wallet talks to the user's wallet through an EIP-1193 style
// provider and tracks the connected account and chain.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/vitwit/paygate/types"
)

// Wallet JSON-RPC methods.
const (
	MethodRequestAccounts = "eth_requestAccounts"
	MethodAccounts        = "eth_accounts"
	MethodChainID         = "eth_chainId"
	MethodSwitchChain     = "wallet_switchEthereumChain"
	MethodAddChain        = "wallet_addEthereumChain"
	MethodSendTransaction = "eth_sendTransaction"
)

// Provider events.
const (
	EventAccountsChanged = "accountsChanged"
	EventChainChanged    = "chainChanged"
)

// EIP-1193 and JSON-RPC error codes.
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupportedMethod = 4200
	CodeDisconnected      = 4900
	CodeChainDisconnected = 4901
	CodeUnrecognizedChain = 4902
	CodeInvalidParams     = -32602
	CodeInternal          = -32603
	CodeRequestPending    = -32002
)

// ErrNoProvider is returned when no wallet is injected.
var ErrNoProvider = errors.New("no wallet provider available")

// Provider is the injected wallet capability.
type Provider interface {
	// Request sends a JSON-RPC request to the wallet. Requests that need
	// user approval block until the user answers or ctx is done.
	Request(ctx context.Context, method string, params ...any) (json.RawMessage, error)

	// Subscribe registers handler for a provider event and returns the
	// function that removes it.
	Subscribe(event string, handler func(payload json.RawMessage)) (unsubscribe func())
}

// ProviderError is an error reported by the wallet.
type ProviderError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

// ErrorCode and ErrorData make ProviderError an rpc.DataError, so revert
// data carried by the wallet is decoded like node errors.
func (e *ProviderError) ErrorCode() int { return e.Code }
func (e *ProviderError) ErrorData() any { return e.Data }

// NewProviderError builds a ProviderError.
func NewProviderError(code int, message string) *ProviderError {
	return &ProviderError{Code: code, Message: message}
}

// ErrorCode extracts the provider code from err.
func ErrorCode(err error) (int, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code, true
	}
	return 0, false
}

// IsUserRejection reports whether the user declined a wallet prompt.
func IsUserRejection(err error) bool {
	if code, ok := ErrorCode(err); ok {
		return code == CodeUserRejected
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	// Some wallets drop the code when proxied; the message is all that is left.
	msg := strings.ToLower(errMessage(err))
	return strings.Contains(msg, "user rejected") || strings.Contains(msg, "user denied")
}

// Classify maps a wallet error to a payment error kind. It returns false
// when err is not something the wallet can be blamed for.
func Classify(err error) (types.ErrorKind, bool) {
	if err == nil {
		return "", false
	}
	if pe, ok := types.AsPaymentError(err); ok {
		return pe.Kind, true
	}
	if errors.Is(err, ErrNoProvider) {
		return types.ErrWalletUnavailable, true
	}
	if IsUserRejection(err) {
		return types.ErrUserRejected, true
	}
	if code, ok := ErrorCode(err); ok {
		switch code {
		case CodeUnauthorized:
			return types.ErrWalletNotConnected, true
		case CodeDisconnected, CodeChainDisconnected:
			return types.ErrWalletUnavailable, true
		}
	}
	return "", false
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// TransactionArgs is the eth_sendTransaction parameter object.
type TransactionArgs struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to,omitempty"`
	Gas   *hexutil.Uint64 `json:"gas,omitempty"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Data  hexutil.Bytes   `json:"data,omitempty"`
}

// SwitchChainParameter is the wallet_switchEthereumChain parameter object.
type SwitchChainParameter struct {
	ChainID string `json:"chainId"`
}

// DecodeParam decodes params[i] into out by a JSON round trip, which works
// for both typed Go values and raw JSON.
func DecodeParam(params []any, i int, out any) error {
	if i >= len(params) {
		return NewProviderError(CodeInvalidParams, fmt.Sprintf("missing parameter %d", i))
	}
	raw, err := json.Marshal(params[i])
	if err != nil {
		return NewProviderError(CodeInvalidParams, err.Error())
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return NewProviderError(CodeInvalidParams, err.Error())
	}
	return nil
}

// ParseChainID reads a chain id given as a hex quantity, a decimal string
// or a JSON number.
func ParseChainID(raw json.RawMessage) (uint64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			return hexutil.DecodeUint64(strings.ToLower(s))
		}
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid chain id %q", s)
		}
		return v, nil
	}
	var n uint64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("invalid chain id %s", string(raw))
	}
	return n, nil
}

// ParseAccounts reads an accounts array.
func ParseAccounts(raw json.RawMessage) ([]common.Address, error) {
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("invalid accounts payload: %w", err)
	}
	out := make([]common.Address, 0, len(list))
	for _, a := range list {
		if !common.IsHexAddress(a) {
			return nil, fmt.Errorf("invalid account %q", a)
		}
		out = append(out, common.HexToAddress(a))
	}
	return out, nil
}

// Emitter fans provider events out to subscribers. Handlers run outside
// the lock so they may unsubscribe or call back into the provider.
type Emitter struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[string]map[uint64]func(json.RawMessage)
}

func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[string]map[uint64]func(json.RawMessage))}
}

func (e *Emitter) Subscribe(event string, handler func(json.RawMessage)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	if e.handlers[event] == nil {
		e.handlers[event] = make(map[uint64]func(json.RawMessage))
	}
	e.handlers[event][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.handlers[event], id)
		})
	}
}

// Emit marshals payload and delivers it to every handler of event.
func (e *Emitter) Emit(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}

	e.mu.Lock()
	hs := make([]func(json.RawMessage), 0, len(e.handlers[event]))
	for _, h := range e.handlers[event] {
		hs = append(hs, h)
	}
	e.mu.Unlock()

	for _, h := range hs {
		h(raw)
	}
}

// Count returns the number of handlers registered for event.
func (e *Emitter) Count(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers[event])
}

// AccountsPayload renders addresses the way wallets report them.
func AccountsPayload(addrs ...common.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, strings.ToLower(a.Hex()))
	}
	return out
}
