package allowance_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/paygate/allowance"
	"github.com/vitwit/paygate/clients"
	"github.com/vitwit/paygate/mocks"
	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/wallet"
)

var (
	gatewayAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	payer       = common.HexToAddress("0x4444444444444444444444444444444444444444")
	usdt        = common.HexToAddress("0x5555555555555555555555555555555555555555")
)

func setup(t *testing.T, opts ...allowance.Option) (*mocks.Chain, *mocks.Wallet, *mocks.Token, *allowance.Manager) {
	t.Helper()
	chain := mocks.NewChain(gatewayAddr)
	chain.Fund(payer, big.NewInt(1e18))
	token := mocks.NewToken("USDT", 6)
	token.Balances[payer] = big.NewInt(100_000_000)
	chain.AddToken(usdt, token, true)

	w := mocks.NewWallet(chain, payer).Authorize()
	tx := clients.NewTransactor(chain, w, types.MorphHolesky(), nil, nil)
	tx.PollInterval = time.Millisecond

	return chain, w, token, allowance.NewManager(clients.NewTokens(chain), tx, opts...)
}

func setAllowance(chain *mocks.Chain, token *mocks.Token, v int64) {
	chain.Update(func(*mocks.Chain) {
		token.Allowances[payer] = map[common.Address]*big.Int{gatewayAddr: big.NewInt(v)}
	})
}

func TestEnsureAllowanceSufficient(t *testing.T) {
	chain, w, token, m := setup(t)
	setAllowance(chain, token, 10_000_000)

	res, err := m.EnsureAllowance(context.Background(), usdt, payer, gatewayAddr, big.NewInt(5_000_000))
	require.NoError(t, err)
	assert.Empty(t, res.Transactions)
	assert.Empty(t, chain.Transactions())
	assert.Zero(t, w.Prompts())
}

func TestEnsureAllowanceFromZero(t *testing.T) {
	chain, _, _, m := setup(t)
	amount := big.NewInt(5_000_000)

	res, err := m.EnsureAllowance(context.Background(), usdt, payer, gatewayAddr, amount)
	require.NoError(t, err)
	require.Len(t, res.Transactions, 1)
	assert.Equal(t, amount, res.After.AmountWei)
	assert.Zero(t, chain.Allowance(usdt, payer, gatewayAddr).Cmp(amount))

	txs := chain.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, clients.MethodApprove, txs[0].Method)
	assert.Equal(t, usdt, txs[0].To)
	assert.Equal(t, uint64(mocks.GasApprove*130/100), txs[0].Gas)
}

func TestEnsureAllowanceResetPolicy(t *testing.T) {
	amount := big.NewInt(5_000_000)

	t.Run("always resets a nonzero allowance", func(t *testing.T) {
		chain, _, token, m := setup(t)
		token.RequiresReset = true
		setAllowance(chain, token, 1_000_000)

		res, err := m.EnsureAllowance(context.Background(), usdt, payer, gatewayAddr, amount)
		require.NoError(t, err)
		require.Len(t, res.Transactions, 2)
		assert.Equal(t, big.NewInt(1_000_000), res.Before.AmountWei)
		assert.Zero(t, chain.Allowance(usdt, payer, gatewayAddr).Cmp(amount))
	})

	t.Run("listed only resets listed tokens", func(t *testing.T) {
		chain, _, token, m := setup(t, allowance.WithResetPolicy(types.ResetListed))
		setAllowance(chain, token, 1_000_000)

		res, err := m.EnsureAllowance(context.Background(), usdt, payer, gatewayAddr, amount)
		require.NoError(t, err)
		assert.Len(t, res.Transactions, 1)
		assert.False(t, m.NeedsReset(usdt))
	})

	t.Run("listed token", func(t *testing.T) {
		m := allowance.NewManager(nil, nil, allowance.WithResetPolicy(types.ResetListed, usdt))
		assert.True(t, m.NeedsReset(usdt))
		assert.False(t, m.NeedsReset(gatewayAddr))
	})

	t.Run("never on a token that needs it", func(t *testing.T) {
		chain, _, token, m := setup(t, allowance.WithResetPolicy(types.ResetNever))
		token.RequiresReset = true
		setAllowance(chain, token, 1_000_000)

		_, err := m.EnsureAllowance(context.Background(), usdt, payer, gatewayAddr, amount)
		pe, ok := types.AsPaymentError(err)
		require.True(t, ok)
		assert.Equal(t, types.ErrGasEstimationFailed, pe.Kind)
		assert.Equal(t, types.PhaseApproval, pe.Phase)
		assert.Empty(t, chain.Transactions())
	})
}

func TestEnsureAllowanceNotEffective(t *testing.T) {
	chain, _, token, m := setup(t)
	token.IgnoreApprove = true

	res, err := m.EnsureAllowance(context.Background(), usdt, payer, gatewayAddr, big.NewInt(5_000_000))
	pe, ok := types.AsPaymentError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrApprovalNotEffective, pe.Kind)
	assert.Equal(t, types.PhaseApproval, pe.Phase)
	assert.Len(t, res.Transactions, 1)
	assert.Len(t, chain.Transactions(), 1)
}

func TestEnsureAllowanceUserRejects(t *testing.T) {
	chain, w, _, m := setup(t)
	w.Reject(wallet.MethodSendTransaction)

	_, err := m.EnsureAllowance(context.Background(), usdt, payer, gatewayAddr, big.NewInt(5_000_000))
	pe, ok := types.AsPaymentError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrUserRejected, pe.Kind)
	assert.Equal(t, types.PhaseApproval, pe.Phase)
	assert.True(t, pe.Retryable())
	assert.Empty(t, chain.Transactions())
}

func TestMetadata(t *testing.T) {
	chain, _, _, m := setup(t)

	meta, err := m.Metadata(context.Background(), usdt)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), meta.Decimals)
	assert.Equal(t, "USDT", meta.Symbol)

	_, err = m.Metadata(context.Background(), usdt)
	require.NoError(t, err)
	assert.Equal(t, 1, chain.CallCount(clients.MethodDecimals), "decimals are cached per token")
}
