package paygate_test

import (
	"context"
	"errors"
	"math/big"
	"net/url"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vitwit/paygate"
	"github.com/vitwit/paygate/clients"
	"github.com/vitwit/paygate/logger"
	"github.com/vitwit/paygate/mocks"
	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/wallet"
)

var (
	gatewayAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	payer       = common.HexToAddress("0x4444444444444444444444444444444444444444")
	usdc        = common.HexToAddress("0x5555555555555555555555555555555555555555")
	vendor      = "0x69f6000000000000000000000000000000000b58"
)

func testConfig() *types.Config {
	cfg := types.DefaultConfig()
	cfg.GatewayAddress = gatewayAddr.Hex()
	cfg.Tokens = map[string]string{"USDC": usdc.Hex()}
	return cfg
}

func newClient(t *testing.T, opts ...paygate.Option) (*paygate.Client, *mocks.Chain, *mocks.Wallet) {
	t.Helper()
	chain := mocks.NewChain(gatewayAddr)
	chain.Fund(payer, big.NewInt(1e18))
	token := mocks.NewToken("USDC", 6)
	token.Balances[payer] = big.NewInt(100_000_000)
	chain.AddToken(usdc, token, true)

	w := mocks.NewWallet(chain, payer)
	opts = append([]paygate.Option{paygate.WithBackend(chain), paygate.WithLogger(logger.NoopLogger{})}, opts...)
	c, err := paygate.New(context.Background(), testConfig(), w, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, chain, w
}

func TestNewValidatesInput(t *testing.T) {
	chain := mocks.NewChain(gatewayAddr)
	w := mocks.NewWallet(chain, payer)

	_, err := paygate.New(context.Background(), types.DefaultConfig(), w, paygate.WithBackend(chain))
	assert.ErrorContains(t, err, "config validation failed")

	_, err = paygate.New(context.Background(), testConfig(), nil, paygate.WithBackend(chain))
	assert.Equal(t, types.ErrWalletUnavailable, types.KindOf(err))
}

func TestNewDialsConfiguredRPC(t *testing.T) {
	chain := mocks.NewChain(gatewayAddr)
	var dialed string
	orig := clients.Dial
	clients.Dial = func(_ context.Context, rpcURL string) (clients.Backend, error) {
		dialed = rpcURL
		return chain, nil
	}
	t.Cleanup(func() { clients.Dial = orig })

	c, err := paygate.New(context.Background(), testConfig(), mocks.NewWallet(chain, payer), paygate.WithLogger(logger.NoopLogger{}))
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, types.MorphHoleskyRPCURL, dialed)

	clients.Dial = func(context.Context, string) (clients.Backend, error) {
		return nil, errors.New("connection refused")
	}
	_, err = paygate.New(context.Background(), testConfig(), mocks.NewWallet(chain, payer), paygate.WithLogger(logger.NoopLogger{}))
	assert.ErrorContains(t, err, "connection refused")
}

func TestPayWithETH(t *testing.T) {
	c, chain, _ := newClient(t)
	ctx := context.Background()

	session, err := c.ConnectWallet(ctx)
	require.NoError(t, err)
	assert.Equal(t, payer, session.Address)
	assert.Equal(t, types.MorphHoleskyChainID, session.ChainID)

	res, err := c.PayWithETH(ctx, vendor, "0.01")
	require.NoError(t, err)
	assert.Equal(t, types.KindETH, res.Kind)
	assert.Contains(t, res.ExplorerURL, res.TransactionHash.Hex())
	assert.Equal(t, types.StateConfirmed, c.State())
	require.Len(t, chain.Transactions(), 1)
}

func TestWithZapLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	c, _, _ := newClient(t, paygate.WithZapLogger(zap.New(core)))
	ctx := context.Background()
	_, err := c.ConnectWallet(ctx)
	require.NoError(t, err)

	res, err := c.PayWithETH(ctx, vendor, "0.01")
	require.NoError(t, err)

	confirmed := logs.FilterMessage("payment confirmed").All()
	require.Len(t, confirmed, 1)
	fields := confirmed[0].ContextMap()
	assert.Equal(t, types.MorphHolesky().Name, fields["chain"])
	assert.Equal(t, res.TransactionHash.Hex(), fields["txHash"])
}

func TestWithTimeoutLeavesPromptUnbounded(t *testing.T) {
	c, chain, w := newClient(t, paygate.WithTimeout(50*time.Millisecond))
	ctx := context.Background()
	_, err := c.ConnectWallet(ctx)
	require.NoError(t, err)

	w.Delay(wallet.MethodSendTransaction, 150*time.Millisecond)
	res, err := c.PayWithETH(ctx, vendor, "0.01")
	require.NoError(t, err)
	assert.Equal(t, types.StateConfirmed, c.State())
	assert.Equal(t, res.TransactionHash, chain.Transactions()[0].Hash)
}

func TestPayWithToken(t *testing.T) {
	t.Run("by symbol", func(t *testing.T) {
		c, chain, _ := newClient(t)
		_, err := c.ConnectWallet(context.Background())
		require.NoError(t, err)

		res, err := c.PayWithToken(context.Background(), "usdc", "10", vendor)
		require.NoError(t, err)
		assert.Len(t, res.ApprovalTxs, 1)
		assert.Len(t, chain.Transactions(), 2)
		assert.Zero(t, chain.TokenBalance(usdc, payer).Cmp(big.NewInt(90_000_000)))
	})

	t.Run("unknown symbol", func(t *testing.T) {
		c, chain, w := newClient(t)
		_, err := c.ConnectWallet(context.Background())
		require.NoError(t, err)
		prompts := w.Prompts()

		_, err = c.PayWithToken(context.Background(), "XYZ", "10", vendor)
		assert.Equal(t, types.ErrTokenNotSupported, types.KindOf(err))
		assert.Equal(t, prompts, w.Prompts())
		assert.Empty(t, chain.Transactions())
	})
}

func TestGetContractInfo(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c, chain, _ := newClient(t, paygate.WithClock(func() time.Time { return fixed }))
	chain.Update(func(c *mocks.Chain) {
		c.Gateway.FeeBps = 250
		c.Gateway.DailyLimit = big.NewInt(1e18)
		c.Gateway.TodayVolume = big.NewInt(25e16)
	})

	info := c.GetContractInfo(context.Background())
	assert.True(t, info.Exists)
	assert.False(t, info.Paused)
	assert.Equal(t, "2.5", info.FeePercent)
	assert.Equal(t, "1", info.DailyLimit)
	assert.Equal(t, "0.25", info.TodayVolume)
	assert.Equal(t, "0.75", info.RemainingToday)
	assert.Equal(t, "0.001", info.MinPayment)
	assert.Equal(t, fixed, info.SnapshotTakenAt)
	assert.Contains(t, info.ExplorerURL, "/address/"+gatewayAddr.Hex())

	t.Run("no limit", func(t *testing.T) {
		chain.Update(func(c *mocks.Chain) { c.Gateway.DailyLimit = new(big.Int) })
		info := c.GetContractInfo(context.Background())
		assert.Equal(t, "0", info.DailyLimit)
		assert.Empty(t, info.RemainingToday)
	})

	t.Run("missing contract", func(t *testing.T) {
		chain.Update(func(c *mocks.Chain) { c.Gateway.Deployed = false })
		info := c.GetContractInfo(context.Background())
		assert.False(t, info.Exists)
	})
}

func TestCalculateFee(t *testing.T) {
	c, chain, _ := newClient(t)

	fee, err := c.CalculateFee(context.Background(), "1")
	require.NoError(t, err)
	assert.True(t, fee.OnChain)
	assert.Zero(t, fee.FeeWei.Cmp(big.NewInt(5e15)))
	assert.Zero(t, fee.NetWei.Cmp(big.NewInt(995e15)))

	chain.Update(func(c *mocks.Chain) { c.Gateway.FailViews[clients.MethodCalculateFee] = errors.New("timeout") })
	fee, err = c.CalculateFee(context.Background(), "1")
	require.NoError(t, err)
	assert.False(t, fee.OnChain)
	assert.Zero(t, fee.FeeWei.Cmp(big.NewInt(5e15)))
	assert.Zero(t, new(big.Int).Add(fee.FeeWei, fee.NetWei).Cmp(big.NewInt(1e18)))

	_, err = c.CalculateFee(context.Background(), "one")
	assert.Equal(t, types.ErrInvalidAmount, types.KindOf(err))
}

func TestCalculateFeeFallbackOnFreshClient(t *testing.T) {
	c, chain, _ := newClient(t)
	chain.Update(func(c *mocks.Chain) {
		c.Gateway.FeeBps = 250
		c.Gateway.FailViews[clients.MethodCalculateFee] = errors.New("execution reverted")
	})
	require.False(t, c.Snapshot().Exists())

	fee, err := c.CalculateFee(context.Background(), "1")
	require.NoError(t, err)
	assert.False(t, fee.OnChain)
	assert.Equal(t, uint64(250), fee.FeeBps)
	assert.Zero(t, fee.FeeWei.Cmp(big.NewInt(25e15)), "fee read from the contract, not the empty snapshot")
	assert.Zero(t, fee.NetWei.Cmp(big.NewInt(975e15)))
	assert.True(t, c.Snapshot().Exists())
}

func TestGenerateQRCode(t *testing.T) {
	c, _, _ := newClient(t)

	qr, err := c.GenerateQRCode(vendor, "0.01")
	require.NoError(t, err)
	uri := "ethereum:" + common.HexToAddress(vendor).Hex() + "@2810?value=10000000000000000"
	assert.Equal(t, uri, qr.URI)
	assert.Equal(t, types.DefaultQRCodeBaseURL+"?size=300x300&data="+url.QueryEscape(uri), qr.ImageURL)

	_, err = c.GenerateQRCode("0x123", "0.01")
	assert.Equal(t, types.ErrInvalidAddress, types.KindOf(err))

	_, err = c.GenerateQRCode(vendor, "0")
	assert.Equal(t, types.ErrInvalidAmount, types.KindOf(err))
}
