package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/vitwit/paygate/logger"
	"github.com/vitwit/paygate/metrics"
	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/utils"
	"github.com/vitwit/paygate/wallet"
)

// DefaultReceiptPollInterval is how often Wait asks for a receipt.
const DefaultReceiptPollInterval = 2 * time.Second

// TxRequest is a state-changing call to be signed by the wallet.
type TxRequest struct {
	From          common.Address
	To            common.Address
	Value         *big.Int
	Data          []byte
	BufferPercent uint64
}

func (r TxRequest) callMsg() ethereum.CallMsg {
	return ethereum.CallMsg{From: r.From, To: &r.To, Value: r.Value, Data: r.Data}
}

// Transactor estimates gas on the node, asks the wallet to sign and send,
// and waits for the receipt.
type Transactor struct {
	backend  Backend
	provider wallet.Provider
	log      logger.Logger
	metrics  metrics.Recorder
	labels   map[string]string

	EstimateTimeout time.Duration
	ReceiptTimeout  time.Duration
	PollInterval    time.Duration
}

func NewTransactor(backend Backend, provider wallet.Provider, chain types.ChainParams, log logger.Logger, rec metrics.Recorder) *Transactor {
	return &Transactor{
		backend:         backend,
		provider:        provider,
		log:             logger.OrNoop(log),
		metrics:         metrics.OrNoop(rec),
		labels:          map[string]string{"chain": chain.Name},
		EstimateTimeout: types.DefaultEstimateTimeout,
		ReceiptTimeout:  types.DefaultReceiptTimeout,
		PollInterval:    DefaultReceiptPollInterval,
	}
}

// ApplyBuffer adds percent to an estimate.
func ApplyBuffer(gas, percent uint64) uint64 {
	return gas + gas*percent/100
}

// Estimate returns the buffered gas limit for req. Failures are classified;
// an unexplained failure is GasEstimationFailed.
func (t *Transactor) Estimate(ctx context.Context, req TxRequest) (uint64, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, t.EstimateTimeout)
	defer cancel()

	gas, err := t.backend.EstimateGas(ctx, req.callMsg())
	t.metrics.ObserveLatency(metrics.OpEstimateGas, time.Since(start), t.labels)
	if err != nil {
		return 0, classifyEstimate(err)
	}
	return ApplyBuffer(gas, req.BufferPercent), nil
}

// Submit asks the wallet to sign and broadcast req with the given gas limit.
func (t *Transactor) Submit(ctx context.Context, req TxRequest, gas uint64) (common.Hash, error) {
	g := hexutil.Uint64(gas)
	args := wallet.TransactionArgs{
		From: req.From,
		To:   &req.To,
		Gas:  &g,
		Data: req.Data,
	}
	if req.Value != nil && req.Value.Sign() > 0 {
		args.Value = (*hexutil.Big)(req.Value)
	}

	raw, err := t.provider.Request(ctx, wallet.MethodSendTransaction, args)
	if err != nil {
		return common.Hash{}, ClassifyError(err, types.PhaseSubmission)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil || !utils.IsTransactionHash(s) {
		return common.Hash{}, types.NewPaymentError(types.ErrTransactionFailed, types.PhaseSubmission,
			fmt.Errorf("%w: %s", ErrInvalidTxHash, string(raw)))
	}
	return common.HexToHash(s), nil
}

// Wait polls for the receipt of hash until it is mined or ReceiptTimeout
// passes. A reverted or unconfirmed transaction is TransactionFailed with
// TxHash set.
func (t *Transactor) Wait(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, t.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(t.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := t.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != ethtypes.ReceiptStatusSuccessful {
				return receipt, types.NewPaymentError(types.ErrTransactionFailed, types.PhaseSubmission,
					fmt.Errorf("%w: %s", ErrTransactionReverted, hash.Hex())).WithTxHash(hash)
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			t.log.Debug("receipt lookup failed", map[string]any{"tx": hash.Hex(), "error": err.Error()})
		}

		select {
		case <-ctx.Done():
			return nil, types.NewPaymentError(types.ErrTransactionFailed, types.PhaseSubmission,
				fmt.Errorf("waiting for %s: %w", hash.Hex(), ctx.Err())).WithTxHash(hash)
		case <-ticker.C:
		}
	}
}

// Send runs Estimate, Submit and Wait.
func (t *Transactor) Send(ctx context.Context, req TxRequest) (*ethtypes.Receipt, error) {
	gas, err := t.Estimate(ctx, req)
	if err != nil {
		return nil, err
	}
	hash, err := t.Submit(ctx, req, gas)
	if err != nil {
		return nil, err
	}
	return t.Wait(ctx, hash)
}
