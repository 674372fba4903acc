package mocks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/wallet"
)

// Methods that open a wallet prompt.
var promptMethods = map[string]bool{
	wallet.MethodRequestAccounts: true,
	wallet.MethodSwitchChain:     true,
	wallet.MethodAddChain:        true,
	wallet.MethodSendTransaction: true,
}

// Wallet is a scripted browser wallet. Transactions go to the Chain
// registered for the current chain id.
type Wallet struct {
	mu         sync.Mutex
	accounts   []common.Address
	authorized bool
	chainID    uint64
	chains     map[uint64]*Chain
	known      map[uint64]bool
	failures   map[string]error
	responses  map[string]json.RawMessage
	delays     map[string]time.Duration
	calls      map[string]int
	events     *wallet.Emitter

	// SwitchOnAdd makes wallet_addEthereumChain also switch to the chain.
	SwitchOnAdd bool
}

var _ wallet.Provider = (*Wallet)(nil)

// NewWallet returns a wallet on chain's network holding account, not yet
// authorized for the page.
func NewWallet(chain *Chain, account common.Address) *Wallet {
	return &Wallet{
		accounts:    []common.Address{account},
		chainID:     chain.ChainID,
		chains:      map[uint64]*Chain{chain.ChainID: chain},
		known:       map[uint64]bool{chain.ChainID: true},
		failures:    make(map[string]error),
		responses:   make(map[string]json.RawMessage),
		delays:      make(map[string]time.Duration),
		calls:       make(map[string]int),
		events:      wallet.NewEmitter(),
		SwitchOnAdd: true,
	}
}

// Authorize marks the page as connected, as after an earlier session.
func (w *Wallet) Authorize() *Wallet {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.authorized = true
	return w
}

// OnChain puts the wallet on chain id, optionally unknown to the wallet.
// No event is emitted.
func (w *Wallet) OnChain(id uint64, known bool) *Wallet {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.chainID = id
	if known {
		w.known[id] = true
	}
	return w
}

// Forget removes a chain from the wallet's list.
func (w *Wallet) Forget(id uint64) *Wallet {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.known, id)
	return w
}

// Fail makes every request for method fail with err until Clear.
func (w *Wallet) Fail(method string, err error) *Wallet {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures[method] = err
	return w
}

func (w *Wallet) Clear(method string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.failures, method)
}

// Respond makes method return raw without side effects, as a buggy wallet
// might.
func (w *Wallet) Respond(method string, raw json.RawMessage) *Wallet {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.responses[method] = raw
	return w
}

// Delay holds requests for method for d, as a user reading a prompt does.
// The wait ends early when the request context is done.
func (w *Wallet) Delay(method string, d time.Duration) *Wallet {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.delays[method] = d
	return w
}

// Reject makes method fail as if the user declined the prompt.
func (w *Wallet) Reject(method string) *Wallet {
	return w.Fail(method, wallet.NewProviderError(wallet.CodeUserRejected, "User rejected the request."))
}

// Calls returns how many requests for method reached the wallet.
func (w *Wallet) Calls(method string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[method]
}

// Prompts returns how many requests would have shown a prompt.
func (w *Wallet) Prompts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for m, c := range w.calls {
		if promptMethods[m] {
			n += c
		}
	}
	return n
}

// ListenerCount returns the active subscriptions for event.
func (w *Wallet) ListenerCount(event string) int {
	return w.events.Count(event)
}

// SwitchAccount emits accountsChanged with addrs, as when the user picks
// another account. No addresses means the user disconnected.
func (w *Wallet) SwitchAccount(addrs ...common.Address) {
	w.mu.Lock()
	w.accounts = addrs
	if len(addrs) == 0 {
		w.authorized = false
	}
	w.mu.Unlock()
	w.events.Emit(wallet.EventAccountsChanged, wallet.AccountsPayload(addrs...))
}

// SwitchChain changes the chain from the wallet UI and emits chainChanged.
func (w *Wallet) SwitchChain(id uint64) {
	w.mu.Lock()
	w.chainID = id
	w.known[id] = true
	w.mu.Unlock()
	w.events.Emit(wallet.EventChainChanged, hexutil.EncodeUint64(id))
}

func (w *Wallet) Subscribe(event string, handler func(json.RawMessage)) func() {
	return w.events.Subscribe(event, handler)
}

func (w *Wallet) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	w.mu.Lock()
	w.calls[method]++
	failure := w.failures[method]
	response, scripted := w.responses[method]
	delay := w.delays[method]
	w.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if failure != nil {
		return nil, failure
	}
	if scripted {
		return response, nil
	}

	switch method {
	case wallet.MethodAccounts:
		w.mu.Lock()
		defer w.mu.Unlock()
		if !w.authorized {
			return json.Marshal([]string{})
		}
		return json.Marshal(wallet.AccountsPayload(w.accounts...))

	case wallet.MethodRequestAccounts:
		w.mu.Lock()
		defer w.mu.Unlock()
		w.authorized = true
		return json.Marshal(wallet.AccountsPayload(w.accounts...))

	case wallet.MethodChainID:
		w.mu.Lock()
		defer w.mu.Unlock()
		return json.Marshal(hexutil.EncodeUint64(w.chainID))

	case wallet.MethodSwitchChain:
		var p wallet.SwitchChainParameter
		if err := wallet.DecodeParam(params, 0, &p); err != nil {
			return nil, err
		}
		id, err := hexutil.DecodeUint64(p.ChainID)
		if err != nil {
			return nil, wallet.NewProviderError(wallet.CodeInvalidParams, err.Error())
		}
		w.mu.Lock()
		known := w.known[id]
		w.mu.Unlock()
		if !known {
			return nil, wallet.NewProviderError(wallet.CodeUnrecognizedChain, fmt.Sprintf("Unrecognized chain ID %q.", p.ChainID))
		}
		w.SwitchChain(id)
		return json.RawMessage("null"), nil

	case wallet.MethodAddChain:
		var p types.AddChainParameter
		if err := wallet.DecodeParam(params, 0, &p); err != nil {
			return nil, err
		}
		chain, err := p.ChainParams()
		if err != nil {
			return nil, wallet.NewProviderError(wallet.CodeInvalidParams, err.Error())
		}
		w.mu.Lock()
		w.known[chain.ChainID] = true
		switchToo := w.SwitchOnAdd
		w.mu.Unlock()
		if switchToo {
			w.SwitchChain(chain.ChainID)
		}
		return json.RawMessage("null"), nil

	case wallet.MethodSendTransaction:
		var args wallet.TransactionArgs
		if err := wallet.DecodeParam(params, 0, &args); err != nil {
			return nil, err
		}
		w.mu.Lock()
		authorized := w.authorized && containsAddress(w.accounts, args.From)
		chain := w.chains[w.chainID]
		w.mu.Unlock()
		if !authorized {
			return nil, wallet.NewProviderError(wallet.CodeUnauthorized, "The requested account has not been authorized by the user.")
		}
		if chain == nil {
			return nil, wallet.NewProviderError(wallet.CodeChainDisconnected, "The provider is not connected to the requested chain.")
		}
		hash, err := chain.Send(args)
		if err != nil {
			return nil, wallet.NewProviderError(wallet.CodeInternal, err.Error())
		}
		return json.Marshal(hash)
	}

	return nil, wallet.NewProviderError(wallet.CodeUnsupportedMethod, fmt.Sprintf("method %s is not supported", method))
}

func containsAddress(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}
