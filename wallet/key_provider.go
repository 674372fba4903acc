package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/vitwit/paygate/types"
)

// TxBackend is the node access a KeyProvider needs to sign and broadcast.
type TxBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
}

// DialFunc connects to the RPC endpoint of a chain added at runtime.
type DialFunc func(ctx context.Context, rpcURL string) (TxBackend, error)

// ConsentFunc stands in for the wallet's approval prompt. Returning false
// rejects the request with code 4001.
type ConsentFunc func(ctx context.Context, method string, params []any) bool

// DialTxBackend dials an ethclient.
func DialTxBackend(ctx context.Context, rpcURL string) (TxBackend, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", rpcURL, err)
	}
	return client, nil
}

type keyChain struct {
	params  types.ChainParams
	backend TxBackend
}

// KeyProvider is a headless wallet holding one private key. It answers the
// same requests as a browser wallet and signs EIP-1559 transactions
// locally before broadcasting them.
type KeyProvider struct {
	key     *ecdsa.PrivateKey
	address common.Address
	dial    DialFunc
	consent ConsentFunc
	events  *Emitter

	mu         sync.RWMutex
	chains     map[uint64]*keyChain
	current    uint64
	authorized bool
}

var _ Provider = (*KeyProvider)(nil)

type KeyProviderOption func(*KeyProvider)

// WithDialer sets how backends for added chains are created.
func WithDialer(d DialFunc) KeyProviderOption {
	return func(p *KeyProvider) { p.dial = d }
}

// WithConsent installs an approval hook for prompting requests.
func WithConsent(fn ConsentFunc) KeyProviderOption {
	return func(p *KeyProvider) { p.consent = fn }
}

// WithAuthorized makes eth_accounts return the key's address before any
// eth_requestAccounts, as for a site the user connected earlier.
func WithAuthorized() KeyProviderOption {
	return func(p *KeyProvider) { p.authorized = true }
}

// NewKeyProvider creates a provider on chain, broadcasting through backend.
func NewKeyProvider(key *ecdsa.PrivateKey, chain types.ChainParams, backend TxBackend, opts ...KeyProviderOption) *KeyProvider {
	p := &KeyProvider{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		dial:    DialTxBackend,
		events:  NewEmitter(),
		chains:  map[uint64]*keyChain{chain.ChainID: {params: chain, backend: backend}},
		current: chain.ChainID,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Address returns the account controlled by the key.
func (p *KeyProvider) Address() common.Address {
	return p.address
}

// AddKnownChain registers a chain the wallet can switch to without adding it.
func (p *KeyProvider) AddKnownChain(chain types.ChainParams, backend TxBackend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chains[chain.ChainID] = &keyChain{params: chain, backend: backend}
}

// Revoke drops the site authorization, as when the user disconnects the
// account in the wallet UI.
func (p *KeyProvider) Revoke() {
	p.mu.Lock()
	p.authorized = false
	p.mu.Unlock()
	p.events.Emit(EventAccountsChanged, []string{})
}

func (p *KeyProvider) Subscribe(event string, handler func(json.RawMessage)) func() {
	return p.events.Subscribe(event, handler)
}

func (p *KeyProvider) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	switch method {
	case MethodAccounts:
		p.mu.RLock()
		authorized := p.authorized
		p.mu.RUnlock()
		if !authorized {
			return json.Marshal([]string{})
		}
		return json.Marshal(AccountsPayload(p.address))

	case MethodRequestAccounts:
		if err := p.ask(ctx, method, params); err != nil {
			return nil, err
		}
		p.mu.Lock()
		wasAuthorized := p.authorized
		p.authorized = true
		p.mu.Unlock()
		if !wasAuthorized {
			p.events.Emit(EventAccountsChanged, AccountsPayload(p.address))
		}
		return json.Marshal(AccountsPayload(p.address))

	case MethodChainID:
		p.mu.RLock()
		id := p.current
		p.mu.RUnlock()
		return json.Marshal(hexutil.EncodeUint64(id))

	case MethodSwitchChain:
		return p.switchChain(ctx, params)

	case MethodAddChain:
		return p.addChain(ctx, params)

	case MethodSendTransaction:
		return p.sendTransaction(ctx, params)

	default:
		return nil, NewProviderError(CodeUnsupportedMethod, fmt.Sprintf("method %s is not supported", method))
	}
}

func (p *KeyProvider) ask(ctx context.Context, method string, params []any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.consent != nil && !p.consent(ctx, method, params) {
		return NewProviderError(CodeUserRejected, "User rejected the request.")
	}
	return nil
}

func (p *KeyProvider) switchChain(ctx context.Context, params []any) (json.RawMessage, error) {
	var arg SwitchChainParameter
	if err := DecodeParam(params, 0, &arg); err != nil {
		return nil, err
	}
	id, err := hexutil.DecodeUint64(arg.ChainID)
	if err != nil {
		return nil, NewProviderError(CodeInvalidParams, fmt.Sprintf("invalid chainId %q", arg.ChainID))
	}

	p.mu.RLock()
	_, known := p.chains[id]
	current := p.current
	p.mu.RUnlock()

	if !known {
		return nil, NewProviderError(CodeUnrecognizedChain,
			fmt.Sprintf("Unrecognized chain ID %q. Try adding the chain using wallet_addEthereumChain first.", arg.ChainID))
	}
	if current == id {
		return json.RawMessage("null"), nil
	}
	if err := p.ask(ctx, MethodSwitchChain, params); err != nil {
		return nil, err
	}

	p.setCurrent(id)
	return json.RawMessage("null"), nil
}

func (p *KeyProvider) addChain(ctx context.Context, params []any) (json.RawMessage, error) {
	var arg types.AddChainParameter
	if err := DecodeParam(params, 0, &arg); err != nil {
		return nil, err
	}
	chain, err := arg.ChainParams()
	if err != nil {
		return nil, NewProviderError(CodeInvalidParams, err.Error())
	}
	if err := p.ask(ctx, MethodAddChain, params); err != nil {
		return nil, err
	}

	backend, err := p.dial(ctx, chain.RPCURL)
	if err != nil {
		return nil, NewProviderError(CodeInternal, err.Error())
	}
	p.AddKnownChain(chain, backend)

	// Wallets switch to a freshly added chain once the user accepts it.
	p.setCurrent(chain.ChainID)
	return json.RawMessage("null"), nil
}

func (p *KeyProvider) setCurrent(id uint64) {
	p.mu.Lock()
	changed := p.current != id
	p.current = id
	p.mu.Unlock()
	if changed {
		p.events.Emit(EventChainChanged, hexutil.EncodeUint64(id))
	}
}

func (p *KeyProvider) sendTransaction(ctx context.Context, params []any) (json.RawMessage, error) {
	var args TransactionArgs
	if err := DecodeParam(params, 0, &args); err != nil {
		return nil, err
	}

	p.mu.RLock()
	authorized := p.authorized
	chain := p.chains[p.current]
	p.mu.RUnlock()

	if !authorized || args.From != p.address {
		return nil, NewProviderError(CodeUnauthorized, "The requested account has not been authorized by the user.")
	}
	if args.Gas == nil {
		return nil, NewProviderError(CodeInvalidParams, "gas is required")
	}
	if err := p.ask(ctx, MethodSendTransaction, params); err != nil {
		return nil, err
	}

	tx, err := p.buildTx(ctx, chain, args)
	if err != nil {
		return nil, err
	}

	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chain.params.ChainIDBig()), p.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := chain.backend.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}
	return json.Marshal(signed.Hash())
}

func (p *KeyProvider) buildTx(ctx context.Context, chain *keyChain, args TransactionArgs) (*ethtypes.Transaction, error) {
	nonce, err := chain.backend.PendingNonceAt(ctx, p.address)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending nonce: %w", err)
	}

	gasTipCap, err := chain.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas tip cap: %w", err)
	}

	head, err := chain.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}

	// Fee cap of 2x base fee plus tip survives several full blocks.
	gasFeeCap := new(big.Int).Set(gasTipCap)
	if head.BaseFee != nil {
		gasFeeCap.Add(gasFeeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	value := new(big.Int)
	if args.Value != nil {
		value = args.Value.ToInt()
	}

	return ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   chain.params.ChainIDBig(),
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       uint64(*args.Gas),
		To:        args.To,
		Value:     value,
		Data:      args.Data,
	}), nil
}
