// Package allowance guarantees the gateway may move enough of a token on
// the payer's behalf before a token payment is submitted.
package allowance

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vitwit/paygate/clients"
	"github.com/vitwit/paygate/logger"
	"github.com/vitwit/paygate/metrics"
	"github.com/vitwit/paygate/types"
)

// Manager reads allowances and sends approve transactions.
type Manager struct {
	tokens  *clients.Tokens
	tx      *clients.Transactor
	log     logger.Logger
	metrics metrics.Recorder
	labels  map[string]string

	policy        types.ApprovalResetPolicy
	resetTokens   map[common.Address]bool
	bufferPercent uint64
}

type Option func(*Manager)

// WithResetPolicy decides when a nonzero allowance is first set to zero.
// listed names the tokens that need it under ResetListed.
func WithResetPolicy(policy types.ApprovalResetPolicy, listed ...common.Address) Option {
	return func(m *Manager) {
		m.policy = policy
		for _, t := range listed {
			m.resetTokens[t] = true
		}
	}
}

func WithGasBuffer(percent uint64) Option {
	return func(m *Manager) { m.bufferPercent = percent }
}

func WithLogger(l logger.Logger) Option {
	return func(m *Manager) { m.log = logger.OrNoop(l) }
}

func WithMetrics(r metrics.Recorder, chain string) Option {
	return func(m *Manager) {
		m.metrics = metrics.OrNoop(r)
		m.labels = map[string]string{"chain": chain}
	}
}

func NewManager(tokens *clients.Tokens, tx *clients.Transactor, opts ...Option) *Manager {
	m := &Manager{
		tokens:        tokens,
		tx:            tx,
		log:           logger.NoopLogger{},
		metrics:       metrics.NoopRecorder{},
		labels:        map[string]string{},
		policy:        types.ResetAlways,
		resetTokens:   make(map[common.Address]bool),
		bufferPercent: types.DefaultTokenGasBufferPercent,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Result describes what EnsureAllowance did.
type Result struct {
	Before       types.AllowanceState
	After        types.AllowanceState
	Transactions []common.Hash
}

// Metadata returns the token's decimals and symbol as reported on chain.
func (m *Manager) Metadata(ctx context.Context, token common.Address) (types.TokenMetadata, error) {
	return m.tokens.Get(token).Metadata(ctx)
}

// Read returns the current allowance.
func (m *Manager) Read(ctx context.Context, token, owner, spender common.Address) (types.AllowanceState, error) {
	return m.tokens.Get(token).Allowance(ctx, owner, spender)
}

// NeedsReset reports whether token must be approved to zero before a
// nonzero allowance can be raised.
func (m *Manager) NeedsReset(token common.Address) bool {
	switch m.policy {
	case types.ResetNever:
		return false
	case types.ResetListed:
		return m.resetTokens[token]
	default:
		return true
	}
}

// EnsureAllowance makes sure spender may move at least amountWei of token
// from owner. It sends nothing when the allowance already covers the
// amount, otherwise one approve (two with a reset) and reads the
// allowance again afterwards.
func (m *Manager) EnsureAllowance(ctx context.Context, token, owner, spender common.Address, amountWei *big.Int) (*Result, error) {
	erc20 := m.tokens.Get(token)

	before, err := erc20.Allowance(ctx, owner, spender)
	if err != nil {
		return nil, clients.ClassifyError(err, types.PhaseApproval)
	}
	res := &Result{Before: before, After: before}
	if before.Covers(amountWei) {
		return res, nil
	}

	fields := map[string]any{
		"token":     token.Hex(),
		"spender":   spender.Hex(),
		"current":   before.AmountWei.String(),
		"requested": amountWei.String(),
	}

	if before.AmountWei.Sign() > 0 && m.NeedsReset(token) {
		m.log.Info("resetting allowance to zero", fields)
		hash, err := m.approve(ctx, erc20, owner, spender, new(big.Int))
		if err != nil {
			return res, err
		}
		res.Transactions = append(res.Transactions, hash)
	}

	m.log.Info("approving allowance", fields)
	hash, err := m.approve(ctx, erc20, owner, spender, amountWei)
	if err != nil {
		return res, err
	}
	res.Transactions = append(res.Transactions, hash)

	after, err := erc20.Allowance(ctx, owner, spender)
	if err != nil {
		return res, clients.ClassifyError(err, types.PhaseApproval)
	}
	res.After = after
	if !after.Covers(amountWei) {
		return res, types.NewPaymentError(types.ErrApprovalNotEffective, types.PhaseApproval,
			fmt.Errorf("allowance is %s after approving %s", after.AmountWei, amountWei))
	}
	return res, nil
}

func (m *Manager) approve(ctx context.Context, erc20 *clients.ERC20, owner, spender common.Address, amount *big.Int) (common.Hash, error) {
	data, err := erc20.ApproveData(spender, amount)
	if err != nil {
		return common.Hash{}, types.NewPaymentError(types.ErrTransactionFailed, types.PhaseApproval, err)
	}

	receipt, err := m.tx.Send(ctx, clients.TxRequest{
		From:          owner,
		To:            erc20.Address(),
		Data:          data,
		BufferPercent: m.bufferPercent,
	})
	if err != nil {
		return common.Hash{}, approvalError(err)
	}

	m.metrics.IncCounter(metrics.EventApprovalSent, m.labels)
	return receipt.TxHash, nil
}

func approvalError(err error) error {
	pe := clients.ClassifyError(err, types.PhaseApproval)
	return pe.WithPhase(types.PhaseApproval)
}
