package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vitwit/paygate/logger"
	"github.com/vitwit/paygate/types"
)

// Connector obtains and tracks the wallet session. The session pointer is
// replaced wholesale on every change; readers never see a partial update.
type Connector struct {
	provider Provider
	log      logger.Logger

	session atomic.Pointer[types.WalletSession]

	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]func(*types.WalletSession)
	unsubs    []func()
}

// NewConnector creates a connector. A nil provider means no wallet is
// installed; every prompting call then fails with WalletUnavailable.
func NewConnector(provider Provider, log logger.Logger) *Connector {
	return &Connector{
		provider:  provider,
		log:       logger.OrNoop(log),
		listeners: make(map[uint64]func(*types.WalletSession)),
	}
}

// Provider returns the underlying wallet provider.
func (c *Connector) Provider() Provider {
	return c.provider
}

// CheckExistingSession restores a session from accounts the wallet already
// authorized, without prompting. Any failure yields nil.
func (c *Connector) CheckExistingSession(ctx context.Context) *types.WalletSession {
	if c.provider == nil {
		return nil
	}

	raw, err := c.provider.Request(ctx, MethodAccounts)
	if err != nil {
		c.log.Debug("eth_accounts failed", map[string]any{"error": err.Error()})
		return nil
	}
	accounts, err := ParseAccounts(raw)
	if err != nil || len(accounts) == 0 {
		return nil
	}

	chainID, err := c.chainID(ctx)
	if err != nil {
		c.log.Debug("eth_chainId failed", map[string]any{"error": err.Error()})
		return nil
	}

	s := &types.WalletSession{Address: accounts[0], ChainID: chainID, Connected: true}
	c.publish(s)
	c.watch()
	return s
}

// RequestConnection prompts the user to connect.
func (c *Connector) RequestConnection(ctx context.Context) (*types.WalletSession, error) {
	if c.provider == nil {
		return nil, types.NewPaymentError(types.ErrWalletUnavailable, types.PhaseConnect, ErrNoProvider)
	}

	raw, err := c.provider.Request(ctx, MethodRequestAccounts)
	if err != nil {
		return nil, c.connectError(err)
	}
	accounts, err := ParseAccounts(raw)
	if err != nil {
		return nil, types.NewPaymentError(types.ErrWalletUnavailable, types.PhaseConnect, err)
	}
	if len(accounts) == 0 {
		return nil, types.NewPaymentError(types.ErrWalletNotConnected, types.PhaseConnect,
			fmt.Errorf("wallet returned no accounts"))
	}

	chainID, err := c.chainID(ctx)
	if err != nil {
		return nil, c.connectError(err)
	}

	s := &types.WalletSession{Address: accounts[0], ChainID: chainID, Connected: true}
	c.publish(s)
	c.watch()

	c.log.Info("wallet connected", map[string]any{"address": s.Address.Hex(), "chainId": s.ChainID})
	return s, nil
}

// Session returns the current session, or nil when disconnected. The
// returned value must be treated as read-only.
func (c *Connector) Session() *types.WalletSession {
	return c.session.Load()
}

// RefreshChain re-reads the chain id without prompting and publishes it.
func (c *Connector) RefreshChain(ctx context.Context) (uint64, error) {
	if c.provider == nil {
		return 0, ErrNoProvider
	}
	id, err := c.chainID(ctx)
	if err != nil {
		return 0, err
	}
	c.setChain(id)
	return id, nil
}

// OnChange registers fn to run after every session change, including the
// transition to nil on disconnect.
func (c *Connector) OnChange(fn func(*types.WalletSession)) (dispose func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.listeners, id)
		})
	}
}

// Disconnect clears the session and drops the provider subscriptions.
// Wallets have no way to revoke access from the page, so this is local.
func (c *Connector) Disconnect() {
	c.publish(nil)
	c.unwatch()
}

// Close is Disconnect for use in defer.
func (c *Connector) Close() {
	c.Disconnect()
}

func (c *Connector) chainID(ctx context.Context) (uint64, error) {
	raw, err := c.provider.Request(ctx, MethodChainID)
	if err != nil {
		return 0, err
	}
	return ParseChainID(raw)
}

func (c *Connector) connectError(err error) *types.PaymentError {
	if kind, ok := Classify(err); ok {
		return types.NewPaymentError(kind, types.PhaseConnect, err)
	}
	return types.NewPaymentError(types.ErrWalletUnavailable, types.PhaseConnect, err)
}

// watch subscribes to wallet events once per session.
func (c *Connector) watch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.unsubs) > 0 {
		return
	}
	c.unsubs = append(c.unsubs,
		c.provider.Subscribe(EventAccountsChanged, c.handleAccountsChanged),
		c.provider.Subscribe(EventChainChanged, c.handleChainChanged),
	)
}

func (c *Connector) unwatch() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

func (c *Connector) handleAccountsChanged(payload json.RawMessage) {
	accounts, err := ParseAccounts(payload)
	if err != nil {
		c.log.Warn("ignoring malformed accountsChanged", map[string]any{"error": err.Error()})
		return
	}

	if len(accounts) == 0 {
		c.log.Info("wallet disconnected", nil)
		c.Disconnect()
		return
	}

	prev := c.session.Load()
	if prev == nil {
		return
	}
	next := *prev
	next.Address = accounts[0]
	c.publish(&next)
}

func (c *Connector) handleChainChanged(payload json.RawMessage) {
	id, err := ParseChainID(payload)
	if err != nil {
		c.log.Warn("ignoring malformed chainChanged", map[string]any{"error": err.Error()})
		return
	}
	c.setChain(id)
}

func (c *Connector) setChain(id uint64) {
	prev := c.session.Load()
	if prev == nil || prev.ChainID == id {
		return
	}
	next := *prev
	next.ChainID = id
	c.publish(&next)
}

func (c *Connector) publish(s *types.WalletSession) {
	prev := c.session.Swap(s)
	if prev == nil && s == nil {
		return
	}

	c.mu.Lock()
	fns := make([]func(*types.WalletSession), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}
