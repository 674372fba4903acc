package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/vitwit/paygate/logger"
)

// DefaultPollInterval is how often an RPCProvider checks for account and
// chain changes while it has subscribers.
const DefaultPollInterval = 4 * time.Second

// RPCProvider is a wallet reached over JSON-RPC, such as a remote signer or
// a node with unlocked accounts. JSON-RPC has no push channel for wallet
// events, so changes are detected by polling eth_accounts and eth_chainId.
type RPCProvider struct {
	client   *rpc.Client
	interval time.Duration
	log      logger.Logger
	events   *Emitter

	mu       sync.Mutex
	polling  bool
	stop     chan struct{}
	done     chan struct{}
	accounts []string
	chainID  uint64
}

var _ Provider = (*RPCProvider)(nil)

type RPCProviderOption func(*RPCProvider)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) RPCProviderOption {
	return func(p *RPCProvider) { p.interval = d }
}

// WithProviderLogger sets the logger used for polling failures.
func WithProviderLogger(l logger.Logger) RPCProviderOption {
	return func(p *RPCProvider) { p.log = logger.OrNoop(l) }
}

// DialRPCProvider connects to a wallet endpoint.
func DialRPCProvider(ctx context.Context, url string, opts ...RPCProviderOption) (*RPCProvider, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to wallet %s: %w", url, err)
	}
	return NewRPCProvider(client, opts...), nil
}

// NewRPCProvider wraps an existing client.
func NewRPCProvider(client *rpc.Client, opts ...RPCProviderOption) *RPCProvider {
	p := &RPCProvider{
		client:   client,
		interval: DefaultPollInterval,
		log:      logger.NoopLogger{},
		events:   NewEmitter(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *RPCProvider) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	var result json.RawMessage
	if err := p.client.CallContext(ctx, &result, method, params...); err != nil {
		return nil, toProviderError(err)
	}
	return result, nil
}

// Subscribe starts polling on first use.
func (p *RPCProvider) Subscribe(event string, handler func(json.RawMessage)) func() {
	unsub := p.events.Subscribe(event, handler)
	p.startPolling()
	return unsub
}

// Close stops polling and closes the connection.
func (p *RPCProvider) Close() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.polling = false
	p.stop, p.done = nil, nil
	p.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	p.client.Close()
}

func (p *RPCProvider) startPolling() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.polling {
		return
	}
	p.polling = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	// Baseline so the first tick does not report the initial state as a change.
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	p.accounts, _ = p.readAccounts(ctx)
	p.chainID, _ = p.readChainID(ctx)
	cancel()

	go p.poll(p.stop, p.done)
}

func (p *RPCProvider) poll(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.check()
		}
	}
}

func (p *RPCProvider) check() {
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()

	accounts, err := p.readAccounts(ctx)
	if err != nil {
		p.log.Debug("wallet poll: eth_accounts failed", map[string]any{"error": err.Error()})
		return
	}
	chainID, err := p.readChainID(ctx)
	if err != nil {
		p.log.Debug("wallet poll: eth_chainId failed", map[string]any{"error": err.Error()})
		return
	}

	p.mu.Lock()
	accountsChanged := !slices.Equal(accounts, p.accounts)
	chainChanged := chainID != p.chainID
	p.accounts = accounts
	p.chainID = chainID
	p.mu.Unlock()

	if chainChanged {
		p.events.Emit(EventChainChanged, hexutil.EncodeUint64(chainID))
	}
	if accountsChanged {
		p.events.Emit(EventAccountsChanged, accounts)
	}
}

func (p *RPCProvider) readAccounts(ctx context.Context) ([]string, error) {
	raw, err := p.Request(ctx, MethodAccounts)
	if err != nil {
		return nil, err
	}
	addrs, err := ParseAccounts(raw)
	if err != nil {
		return nil, err
	}
	return AccountsPayload(addrs...), nil
}

func (p *RPCProvider) readChainID(ctx context.Context) (uint64, error) {
	raw, err := p.Request(ctx, MethodChainID)
	if err != nil {
		return 0, err
	}
	return ParseChainID(raw)
}

// toProviderError keeps the JSON-RPC error code so callers can classify it.
func toProviderError(err error) error {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return err
	}
	pe := &ProviderError{Code: rpcErr.ErrorCode(), Message: rpcErr.Error()}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		pe.Data = dataErr.ErrorData()
	}
	return pe
}
