package wallet_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/wallet"
)

// ethService answers the eth_ namespace of a remote wallet.
type ethService struct {
	mu       sync.Mutex
	chainID  uint64
	accounts []string
	reject   bool
}

func (s *ethService) Accounts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.accounts...)
}

func (s *ethService) RequestAccounts() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return nil, wallet.NewProviderError(wallet.CodeUserRejected, "User rejected the request.")
	}
	return append([]string{}, s.accounts...), nil
}

func (s *ethService) ChainId() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return hexutil.EncodeUint64(s.chainID)
}

func (s *ethService) set(fn func(s *ethService)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func newRPCProvider(t *testing.T, svc *ethService) *wallet.RPCProvider {
	t.Helper()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", svc))
	t.Cleanup(server.Stop)

	p := wallet.NewRPCProvider(rpc.DialInProc(server), wallet.WithPollInterval(10*time.Millisecond))
	t.Cleanup(p.Close)
	return p
}

func TestRPCProviderRequest(t *testing.T) {
	svc := &ethService{chainID: types.MorphHoleskyChainID, accounts: wallet.AccountsPayload(payer)}
	p := newRPCProvider(t, svc)

	c := wallet.NewConnector(p, nil)
	s, err := c.RequestConnection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, payer, s.Address)
	assert.Equal(t, types.MorphHoleskyChainID, s.ChainID)
}

func TestRPCProviderKeepsErrorCode(t *testing.T) {
	svc := &ethService{chainID: types.MorphHoleskyChainID, reject: true}
	p := newRPCProvider(t, svc)

	_, err := p.Request(context.Background(), wallet.MethodRequestAccounts)
	code, ok := wallet.ErrorCode(err)
	require.True(t, ok)
	assert.Equal(t, wallet.CodeUserRejected, code)

	c := wallet.NewConnector(p, nil)
	_, err = c.RequestConnection(context.Background())
	assert.Equal(t, types.ErrUserRejected, types.KindOf(err))
}

func TestRPCProviderPollsForChanges(t *testing.T) {
	svc := &ethService{chainID: types.MorphHoleskyChainID, accounts: wallet.AccountsPayload(payer)}
	p := newRPCProvider(t, svc)

	chains := make(chan uint64, 4)
	accounts := make(chan int, 4)
	defer p.Subscribe(wallet.EventChainChanged, func(raw json.RawMessage) {
		id, err := wallet.ParseChainID(raw)
		if err == nil {
			chains <- id
		}
	})()
	defer p.Subscribe(wallet.EventAccountsChanged, func(raw json.RawMessage) {
		list, err := wallet.ParseAccounts(raw)
		if err == nil {
			accounts <- len(list)
		}
	})()

	svc.set(func(s *ethService) { s.chainID = 1 })
	select {
	case id := <-chains:
		assert.Equal(t, uint64(1), id)
	case <-time.After(2 * time.Second):
		t.Fatal("no chainChanged event")
	}

	svc.set(func(s *ethService) { s.accounts = nil })
	select {
	case n := <-accounts:
		assert.Equal(t, 0, n)
	case <-time.After(2 * time.Second):
		t.Fatal("no accountsChanged event")
	}
}
