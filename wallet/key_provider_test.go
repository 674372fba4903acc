package wallet_test

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/paygate/mocks"
	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/wallet"
)

func newKeyProvider(t *testing.T, opts ...wallet.KeyProviderOption) (*wallet.KeyProvider, *mocks.Chain) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	chain := mocks.NewChain(gatewayAddr)
	p := wallet.NewKeyProvider(key, types.MorphHolesky(), chain, opts...)
	chain.Fund(p.Address(), big.NewInt(1e18))
	return p, chain
}

func TestKeyProviderAccounts(t *testing.T) {
	p, _ := newKeyProvider(t)
	ctx := context.Background()

	raw, err := p.Request(ctx, wallet.MethodAccounts)
	require.NoError(t, err)
	accounts, err := wallet.ParseAccounts(raw)
	require.NoError(t, err)
	assert.Empty(t, accounts)

	raw, err = p.Request(ctx, wallet.MethodRequestAccounts)
	require.NoError(t, err)
	accounts, err = wallet.ParseAccounts(raw)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{p.Address()}, accounts)

	raw, err = p.Request(ctx, wallet.MethodChainID)
	require.NoError(t, err)
	id, err := wallet.ParseChainID(raw)
	require.NoError(t, err)
	assert.Equal(t, types.MorphHoleskyChainID, id)
}

func TestKeyProviderConsent(t *testing.T) {
	p, _ := newKeyProvider(t, wallet.WithConsent(func(context.Context, string, []any) bool { return false }))

	_, err := p.Request(context.Background(), wallet.MethodRequestAccounts)
	code, ok := wallet.ErrorCode(err)
	require.True(t, ok)
	assert.Equal(t, wallet.CodeUserRejected, code)
	assert.True(t, wallet.IsUserRejection(err))
}

func TestKeyProviderSendTransaction(t *testing.T) {
	p, chain := newKeyProvider(t, wallet.WithAuthorized())
	to := common.HexToAddress("0x3333333333333333333333333333333333333333")
	gas := hexutil.Uint64(21000)

	raw, err := p.Request(context.Background(), wallet.MethodSendTransaction, wallet.TransactionArgs{
		From:  p.Address(),
		To:    &to,
		Gas:   &gas,
		Value: (*hexutil.Big)(big.NewInt(1000)),
	})
	require.NoError(t, err)

	var hash common.Hash
	require.NoError(t, json.Unmarshal(raw, &hash))

	txs := chain.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, hash, txs[0].Hash)
	assert.Equal(t, p.Address(), txs[0].From)
	assert.Equal(t, big.NewInt(1000), chain.Balance(to))
}

func TestKeyProviderRejectsUnauthorizedSend(t *testing.T) {
	p, chain := newKeyProvider(t)
	gas := hexutil.Uint64(21000)

	_, err := p.Request(context.Background(), wallet.MethodSendTransaction, wallet.TransactionArgs{
		From: p.Address(), To: &gatewayAddr, Gas: &gas,
	})
	code, _ := wallet.ErrorCode(err)
	assert.Equal(t, wallet.CodeUnauthorized, code)
	assert.Empty(t, chain.Transactions())
}

func TestKeyProviderSwitchAndAddChain(t *testing.T) {
	other := types.ChainParams{
		ChainID:        17000,
		Name:           "Holesky",
		RPCURL:         "https://holesky.example",
		ExplorerURL:    "https://holesky.example/explorer",
		NativeCurrency: types.NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18},
	}

	var dialed string
	p, chain := newKeyProvider(t, wallet.WithDialer(func(_ context.Context, url string) (wallet.TxBackend, error) {
		dialed = url
		return mocks.NewChain(gatewayAddr), nil
	}))
	ctx := context.Background()

	var changes []uint64
	unsub := p.Subscribe(wallet.EventChainChanged, func(raw json.RawMessage) {
		id, err := wallet.ParseChainID(raw)
		require.NoError(t, err)
		changes = append(changes, id)
	})
	defer unsub()

	_, err := p.Request(ctx, wallet.MethodSwitchChain, wallet.SwitchChainParameter{ChainID: other.ChainIDHex()})
	code, _ := wallet.ErrorCode(err)
	assert.Equal(t, wallet.CodeUnrecognizedChain, code)

	_, err = p.Request(ctx, wallet.MethodAddChain, other.AddChainParameter())
	require.NoError(t, err)
	assert.Equal(t, other.RPCURL, dialed)
	assert.Equal(t, []uint64{other.ChainID}, changes)

	_, err = p.Request(ctx, wallet.MethodSwitchChain, wallet.SwitchChainParameter{ChainID: hexutil.EncodeUint64(chain.ChainID)})
	require.NoError(t, err)
	assert.Equal(t, []uint64{other.ChainID, chain.ChainID}, changes)

	// Already there: no event.
	_, err = p.Request(ctx, wallet.MethodSwitchChain, wallet.SwitchChainParameter{ChainID: hexutil.EncodeUint64(chain.ChainID)})
	require.NoError(t, err)
	assert.Len(t, changes, 2)
}

func TestKeyProviderRevoke(t *testing.T) {
	p, _ := newKeyProvider(t, wallet.WithAuthorized())
	c := wallet.NewConnector(p, nil)

	require.NotNil(t, c.CheckExistingSession(context.Background()))
	p.Revoke()
	assert.Nil(t, c.Session())
}
