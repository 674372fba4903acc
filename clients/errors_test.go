package clients_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/paygate/clients"
	"github.com/vitwit/paygate/mocks"
	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/wallet"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.ErrorKind
	}{
		{"wallet rejection code", wallet.NewProviderError(wallet.CodeUserRejected, "nope"), types.ErrUserRejected},
		{"wallet rejection text", errors.New("MetaMask Tx Signature: User denied transaction signature."), types.ErrUserRejected},
		{"paused custom error", mocks.RevertWithError(clients.RevertEnforcedPause), types.ErrContractPaused},
		{"daily limit custom error", mocks.RevertWithError(clients.RevertDailyLimitExceeded, big.NewInt(2), big.NewInt(1)), types.ErrDailyLimitExceeded},
		{"too small custom error", mocks.RevertWithError(clients.RevertPaymentTooSmall, big.NewInt(1), big.NewInt(2)), types.ErrBelowMinimumPayment},
		{"duplicate custom error", mocks.RevertWithError(clients.RevertPaymentAlreadyProcessed, [32]byte{1}), types.ErrPaymentAlreadyProcessed},
		{"token custom error", mocks.RevertWithError(clients.RevertTokenNotSupported, common.Address{}), types.ErrTokenNotSupported},
		{"pausable reason", mocks.RevertWithReason("Pausable: paused"), types.ErrContractPaused},
		{"daily limit reason", mocks.RevertWithReason("Daily limit exceeded"), types.ErrDailyLimitExceeded},
		{"insufficient funds", fmt.Errorf("send: %w", mocks.ErrInsufficientFunds), types.ErrInsufficientFunds},
		{"already processed text", errors.New("execution reverted: Payment already processed"), types.ErrPaymentAlreadyProcessed},
		{"unknown", errors.New("nonce too low"), types.ErrTransactionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := clients.ClassifyError(tt.err, types.PhaseSubmission)
			require.NotNil(t, pe)
			assert.Equal(t, tt.want, pe.Kind)
			assert.Equal(t, types.PhaseSubmission, pe.Phase)
			assert.Equal(t, tt.err.Error(), pe.Raw, "raw message is kept")
			assert.Equal(t, types.UserMessage(tt.want), pe.Message)
		})
	}
}

func TestClassifyErrorKeepsPaymentErrors(t *testing.T) {
	orig := types.NewPaymentError(types.ErrContractPaused, types.PhaseGate, nil)
	assert.Same(t, orig, clients.ClassifyError(orig, types.PhaseSubmission))
	assert.Nil(t, clients.ClassifyError(nil, types.PhaseSubmission))
}

func TestEstimateFailures(t *testing.T) {
	e := newEnv(t)
	req := clients.TxRequest{From: payer, To: gatewayAddr, BufferPercent: 20}

	t.Run("revert decodes", func(t *testing.T) {
		e.chain.Update(func(c *mocks.Chain) { c.Gateway.Paused = true })
		defer e.chain.Update(func(c *mocks.Chain) { c.Gateway.Paused = false })

		call, err := e.gateway.ETHPayment(payer, vendor, big.NewInt(1e16))
		require.NoError(t, err)
		_, err = e.tx.Estimate(context.Background(), call.Tx)
		assert.Equal(t, types.ErrContractPaused, types.KindOf(err))
	})

	t.Run("unexplained", func(t *testing.T) {
		e.chain.Update(func(c *mocks.Chain) { c.EstimateErr = errors.New("out of gas") })
		defer e.chain.Update(func(c *mocks.Chain) { c.EstimateErr = nil })

		_, err := e.tx.Estimate(context.Background(), req)
		pe, ok := types.AsPaymentError(err)
		require.True(t, ok)
		assert.Equal(t, types.ErrGasEstimationFailed, pe.Kind)
		assert.True(t, pe.Retryable())
	})
}

func TestApplyBuffer(t *testing.T) {
	assert.Equal(t, uint64(120000), clients.ApplyBuffer(100000, 20))
	assert.Equal(t, uint64(130000), clients.ApplyBuffer(100000, 30))
	assert.Equal(t, uint64(21000), clients.ApplyBuffer(21000, 0))
}

func TestWaitReportsRevert(t *testing.T) {
	e := newEnv(t)
	call, err := e.gateway.ETHPayment(payer, vendor, big.NewInt(1e16))
	require.NoError(t, err)

	gas, err := e.tx.Estimate(context.Background(), call.Tx)
	require.NoError(t, err)

	// Paused between estimate and mining: mined with status 0.
	e.chain.Update(func(c *mocks.Chain) { c.Gateway.Paused = true })
	hash, err := e.tx.Submit(context.Background(), call.Tx, gas)
	require.NoError(t, err)

	_, err = e.tx.Wait(context.Background(), hash)
	assert.Equal(t, types.ErrTransactionFailed, types.KindOf(err))
	assert.ErrorIs(t, err, clients.ErrTransactionReverted)
	pe, ok := types.AsPaymentError(err)
	require.True(t, ok)
	require.NotNil(t, pe.TxHash)
	assert.Equal(t, hash, *pe.TxHash)
	assert.False(t, pe.Retryable())
}

func TestWaitTimeoutKeepsHash(t *testing.T) {
	e := newEnv(t)
	e.tx.ReceiptTimeout = 5 * time.Millisecond
	hash := common.HexToHash("0xabcdef")

	_, err := e.tx.Wait(context.Background(), hash)
	pe, ok := types.AsPaymentError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrTransactionFailed, pe.Kind)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, pe.Sent())
	assert.Equal(t, hash, *pe.TxHash)
	assert.False(t, pe.Retryable(), "an unconfirmed payment may still be mined")
}

func TestSubmitRejectsMalformedHash(t *testing.T) {
	for _, raw := range []string{`"0x1234"`, `"not a hash"`, `null`, `42`} {
		t.Run(raw, func(t *testing.T) {
			e := newEnv(t)
			e.wallet.Respond(wallet.MethodSendTransaction, json.RawMessage(raw))

			_, err := e.tx.Submit(context.Background(), clients.TxRequest{From: payer, To: gatewayAddr}, 21000)
			assert.Equal(t, types.ErrTransactionFailed, types.KindOf(err))
			assert.ErrorIs(t, err, clients.ErrInvalidTxHash)
		})
	}
}

func TestSubmitUserRejects(t *testing.T) {
	e := newEnv(t)
	e.wallet.Reject(wallet.MethodSendTransaction)

	_, err := e.tx.Submit(context.Background(), clients.TxRequest{From: payer, To: gatewayAddr}, 21000)
	pe, ok := types.AsPaymentError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrUserRejected, pe.Kind)
	assert.True(t, pe.Retryable())
	assert.Empty(t, e.chain.Transactions())
}
