// Package paygate is a client SDK for the PaymentGateway contract. It
// connects a wallet, keeps it on the gateway's chain and runs ETH and
// ERC-20 payments through pre-flight gates, approval and submission.
package paygate

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/vitwit/paygate/allowance"
	"github.com/vitwit/paygate/clients"
	"github.com/vitwit/paygate/logger"
	"github.com/vitwit/paygate/metrics"
	"github.com/vitwit/paygate/network"
	"github.com/vitwit/paygate/orchestrator"
	"github.com/vitwit/paygate/settlement"
	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/utils"
	"github.com/vitwit/paygate/verification"
	"github.com/vitwit/paygate/wallet"
)

// Client is the main entry point of the SDK.
type Client struct {
	config  *types.Config
	backend clients.Backend
	dialed  bool

	gateway *clients.GatewayClient
	orch    *orchestrator.Orchestrator

	logger  logger.Logger
	metrics metrics.Recorder
	timeout time.Duration
	now     func() time.Time
}

// New wires a Client for config around the given wallet provider. The
// config is defaulted and validated. Without WithBackend the chain's RPC
// URL is dialed.
func New(ctx context.Context, config *types.Config, provider wallet.Provider, opts ...Option) (*Client, error) {
	if config == nil {
		config = types.DefaultConfig()
	}
	if provider == nil {
		return nil, types.NewPaymentError(types.ErrWalletUnavailable, types.PhaseConnect, nil)
	}
	config.ApplyDefaults()
	if err := utils.ValidateConfig(config); err != nil {
		return nil, err
	}

	c := &Client{config: config, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		log, err := logger.NewZapLogger(config.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
		c.logger = log
	}
	if c.metrics == nil {
		if config.EnableMetrics {
			rec, err := metrics.NewPrometheusRecorder(nil)
			if err != nil {
				return nil, fmt.Errorf("failed to register metrics: %w", err)
			}
			c.metrics = rec
		} else {
			c.metrics = metrics.NoopRecorder{}
		}
	}

	if c.backend == nil {
		backend, err := clients.Dial(ctx, config.Chain.RPCURL)
		if err != nil {
			return nil, err
		}
		c.backend = backend
		c.dialed = true
	}

	c.wire(provider)
	return c, nil
}

func (c *Client) wire(provider wallet.Provider) {
	cfg := c.config
	chain := cfg.Chain
	log := c.logger.With(map[string]any{"chain": chain.Name, "gateway": cfg.Gateway().Hex()})

	tx := clients.NewTransactor(c.backend, provider, chain, log, c.metrics)
	tx.EstimateTimeout = cfg.EstimateTimeout.Std()
	if cfg.ReceiptTimeout > 0 {
		tx.ReceiptTimeout = cfg.ReceiptTimeout.Std()
	}
	if c.timeout > 0 {
		// The wallet prompt waits on the user and is never cut short.
		tx.EstimateTimeout = c.timeout
		tx.ReceiptTimeout = c.timeout
	}

	tokens := clients.NewTokens(c.backend)
	c.gateway = clients.NewGatewayClient(c.backend, cfg.Gateway(), chain, tx, tokens,
		clients.WithGasBuffers(cfg.ETHGasBufferPercent, cfg.TokenGasBufferPercent),
		clients.WithGatewayLogger(log),
		clients.WithGatewayClock(c.now),
	)

	connector := wallet.NewConnector(provider, log)
	allowances := allowance.NewManager(tokens, tx,
		allowance.WithResetPolicy(cfg.ApprovalReset, cfg.ResetRequired()...),
		allowance.WithGasBuffer(cfg.TokenGasBufferPercent),
		allowance.WithLogger(log),
		allowance.WithMetrics(c.metrics, chain.Name),
	)

	c.orch = orchestrator.New(orchestrator.Deps{
		Connector:  connector,
		Guarantor:  network.NewGuarantor(connector, chain, log, c.metrics),
		Gateway:    c.gateway,
		Verifier:   verification.NewVerifier(c.gateway, allowances, log),
		Allowances: allowances,
		Settler: settlement.NewSettler(c.gateway,
			settlement.WithLogger(log),
			settlement.WithMetrics(c.metrics),
		),
	},
		orchestrator.WithLogger(log),
		orchestrator.WithMetrics(c.metrics),
		orchestrator.WithRefreshInterval(cfg.RefreshInterval.Std()),
	)
}

// Config returns the defaulted configuration in use.
func (c *Client) Config() types.Config {
	return *c.config
}

// ConnectWallet restores or requests a wallet session and switches the
// wallet to the configured chain.
func (c *Client) ConnectWallet(ctx context.Context) (*types.WalletSession, error) {
	return c.orch.ConnectWallet(ctx)
}

// Session returns the connected wallet session, or nil.
func (c *Client) Session() *types.WalletSession {
	return c.orch.Session()
}

// Balance returns the last native balance read for the session, or nil.
func (c *Client) Balance() *big.Int {
	return c.orch.Balance()
}

// PayWithETH pays amount ETH (a decimal string such as "0.01") to vendor.
func (c *Client) PayWithETH(ctx context.Context, vendor, amount string) (*types.PaymentResult, error) {
	return c.orch.PayWithETH(ctx, vendor, amount)
}

// PayWithToken pays amount whole tokens to vendor. token is a configured
// symbol such as "USDC" or a token address.
func (c *Client) PayWithToken(ctx context.Context, token, amount, vendor string) (*types.PaymentResult, error) {
	addr, ok := c.config.TokenAddress(token)
	if !ok {
		return nil, types.Errorf(types.ErrTokenNotSupported, types.PhaseGate, "Token %s is not configured", token)
	}
	return c.orch.PayWithToken(ctx, addr, amount, vendor)
}

// GetContractInfo refreshes the gateway snapshot and formats it. When the
// refresh fails the last known snapshot is used.
func (c *Client) GetContractInfo(ctx context.Context) *types.ContractInfo {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	snap := c.orch.RefreshSnapshot(ctx)
	info := &types.ContractInfo{
		Address:         c.gateway.Address(),
		Exists:          snap.Exists(),
		Paused:          snap.Paused,
		FeeBps:          snap.FeeBps,
		FeePercent:      decimal.New(int64(snap.FeeBps), -2).String(),
		FeeRecipient:    snap.FeeRecipient,
		DailyLimit:      utils.FormatUnits(snap.DailyLimitWei, 18),
		TodayVolume:     utils.FormatUnits(snap.TodayVolumeWei, 18),
		MinPayment:      utils.FormatUnits(snap.MinPaymentWei, 18),
		ExplorerURL:     c.config.Chain.AddressURL(c.gateway.Address().Hex()),
		SnapshotTakenAt: snap.FetchedAt,
	}
	if remaining := snap.RemainingDailyWei(); remaining != nil {
		info.RemainingToday = utils.FormatUnits(remaining, 18)
	}
	return info
}

// CalculateFee splits an ETH amount into fee and net. The contract is
// asked first; local basis-point math with the cached fee rate is used
// when it cannot answer.
func (c *Client) CalculateFee(ctx context.Context, amount string) (types.FeeBreakdown, error) {
	wei, err := utils.ParseUnits(amount, 18)
	if err != nil {
		return types.FeeBreakdown{}, types.Errorf(types.ErrInvalidAmount, types.PhaseGate, "Invalid amount: %v", err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	snap := c.orch.Snapshot()
	if !snap.Exists() {
		snap = c.orch.RefreshSnapshot(ctx)
	}
	return c.gateway.CalculateFee(ctx, wei, snap.FeeBps), nil
}

// State returns the state of the current or last payment attempt.
func (c *Client) State() types.PaymentState {
	return c.orch.State()
}

// Subscribe registers fn for payment state transitions. fn runs on the
// paying goroutine and must not block.
func (c *Client) Subscribe(fn func(types.PaymentState)) (dispose func()) {
	return c.orch.Subscribe(fn)
}

// Snapshot returns the last gateway snapshot without refreshing it.
func (c *Client) Snapshot() *types.ContractSnapshot {
	return c.orch.Snapshot()
}

// Start begins refreshing the snapshot and balance on the configured
// interval until ctx ends or Close is called.
func (c *Client) Start(ctx context.Context) {
	c.orch.Start(ctx)
}

// Close stops background work, drops wallet subscriptions and closes a
// backend dialed by New.
func (c *Client) Close() {
	c.orch.Close()
	if closer, ok := c.backend.(interface{ Close() }); ok && c.dialed {
		closer.Close()
	}
	if z, ok := c.logger.(*logger.ZapLogger); ok {
		_ = z.Sync()
	}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return ctx, func() {}
}

func (c *Client) vendorAddress(vendor string) (common.Address, error) {
	addr, err := utils.ValidateAddress(vendor)
	if err != nil {
		return common.Address{}, types.Errorf(types.ErrInvalidAddress, types.PhaseGate, "Invalid vendor address: %v", err)
	}
	return addr, nil
}
