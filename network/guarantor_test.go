package network_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/paygate/metrics"
	"github.com/vitwit/paygate/mocks"
	"github.com/vitwit/paygate/network"
	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/wallet"
)

var payer = common.HexToAddress("0x4444444444444444444444444444444444444444")

type counter struct {
	metrics.NoopRecorder
	events map[string]int
}

func (c *counter) IncCounter(name string, _ map[string]string) { c.events[name]++ }

func setup(t *testing.T, chainID uint64, known bool) (*mocks.Wallet, *wallet.Connector, *network.Guarantor, *counter) {
	t.Helper()
	chain := mocks.NewChain(common.HexToAddress("0x1111111111111111111111111111111111111111"))
	w := mocks.NewWallet(chain, payer).OnChain(chainID, true)
	if !known {
		w.Forget(types.MorphHoleskyChainID)
	}

	c := wallet.NewConnector(w, nil)
	t.Cleanup(c.Close)
	_, err := c.RequestConnection(context.Background())
	require.NoError(t, err)

	rec := &counter{events: map[string]int{}}
	return w, c, network.NewGuarantor(c, types.MorphHolesky(), nil, rec), rec
}

func TestEnsureNetworkIsIdempotent(t *testing.T) {
	w, c, g, rec := setup(t, 1, true)
	ctx := context.Background()

	require.NoError(t, g.EnsureNetwork(ctx))
	assert.Equal(t, types.MorphHoleskyChainID, c.Session().ChainID)
	assert.True(t, g.OnExpectedChain())
	assert.Equal(t, 1, w.Calls(wallet.MethodSwitchChain))
	assert.Equal(t, 1, rec.events[metrics.EventNetworkSwitch])

	prompts := w.Prompts()
	require.NoError(t, g.EnsureNetwork(ctx))
	assert.Equal(t, prompts, w.Prompts(), "second call prompts nothing")
	assert.Equal(t, 1, rec.events[metrics.EventNetworkSwitch])
}

func TestEnsureNetworkOnExpectedChain(t *testing.T) {
	w, _, g, _ := setup(t, types.MorphHoleskyChainID, true)
	prompts := w.Prompts()

	require.NoError(t, g.EnsureNetwork(context.Background()))
	assert.Equal(t, prompts, w.Prompts())
	assert.Zero(t, w.Calls(wallet.MethodSwitchChain))
}

func TestEnsureNetworkAddsUnknownChain(t *testing.T) {
	t.Run("wallet switches on add", func(t *testing.T) {
		w, c, g, _ := setup(t, 1, false)

		require.NoError(t, g.EnsureNetwork(context.Background()))
		assert.Equal(t, 1, w.Calls(wallet.MethodSwitchChain))
		assert.Equal(t, 1, w.Calls(wallet.MethodAddChain))
		assert.Equal(t, types.MorphHoleskyChainID, c.Session().ChainID)
	})

	t.Run("wallet only adds", func(t *testing.T) {
		w, c, g, _ := setup(t, 1, false)
		w.SwitchOnAdd = false

		require.NoError(t, g.EnsureNetwork(context.Background()))
		assert.Equal(t, 2, w.Calls(wallet.MethodSwitchChain))
		assert.Equal(t, 1, w.Calls(wallet.MethodAddChain))
		assert.Equal(t, types.MorphHoleskyChainID, c.Session().ChainID)
	})
}

func TestEnsureNetworkFailures(t *testing.T) {
	t.Run("switch rejected", func(t *testing.T) {
		w, c, g, rec := setup(t, 1, true)
		w.Reject(wallet.MethodSwitchChain)

		err := g.EnsureNetwork(context.Background())
		pe, ok := types.AsPaymentError(err)
		require.True(t, ok)
		assert.Equal(t, types.ErrNetworkSwitchRejected, pe.Kind)
		assert.Equal(t, types.PhaseGate, pe.Phase)
		assert.Zero(t, w.Calls(wallet.MethodAddChain))
		assert.Equal(t, uint64(1), c.Session().ChainID)
		assert.Zero(t, rec.events[metrics.EventNetworkSwitch])
	})

	t.Run("add failed", func(t *testing.T) {
		w, _, g, _ := setup(t, 1, false)
		w.Fail(wallet.MethodAddChain, wallet.NewProviderError(wallet.CodeInternal, "rpc url unreachable"))

		err := g.EnsureNetwork(context.Background())
		assert.Equal(t, types.ErrNetworkAddFailed, types.KindOf(err))
	})

	t.Run("wallet stays on another chain", func(t *testing.T) {
		w, _, g, _ := setup(t, 1, true)
		w.Fail(wallet.MethodChainID, errors.New("chain id unavailable"))
		w.Forget(types.MorphHoleskyChainID)
		w.SwitchOnAdd = false

		err := g.EnsureNetwork(context.Background())
		assert.Equal(t, types.ErrWrongNetwork, types.KindOf(err))
	})

	t.Run("not connected", func(t *testing.T) {
		chain := mocks.NewChain(common.Address{})
		w := mocks.NewWallet(chain, payer)
		c := wallet.NewConnector(w, nil)
		g := network.NewGuarantor(c, types.MorphHolesky(), nil, nil)

		err := g.EnsureNetwork(context.Background())
		assert.Equal(t, types.ErrWalletNotConnected, types.KindOf(err))
		assert.Zero(t, w.Prompts())
	})
}
