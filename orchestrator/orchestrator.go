// Package orchestrator sequences wallet, network, gates, allowance and
// submission into single payment attempts and exposes their state.
package orchestrator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/vitwit/paygate/allowance"
	"github.com/vitwit/paygate/clients"
	"github.com/vitwit/paygate/logger"
	"github.com/vitwit/paygate/metrics"
	"github.com/vitwit/paygate/network"
	"github.com/vitwit/paygate/settlement"
	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/verification"
	"github.com/vitwit/paygate/wallet"
)

// backgroundTimeout bounds refreshes that run outside a caller's context.
const backgroundTimeout = 30 * time.Second

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Connector  *wallet.Connector
	Guarantor  *network.Guarantor
	Gateway    *clients.GatewayClient
	Verifier   *verification.Verifier
	Allowances *allowance.Manager
	Settler    *settlement.Settler
}

// Orchestrator runs one payment attempt at a time. The cached snapshot and
// balance are replaced wholesale and never modified after publication.
type Orchestrator struct {
	Deps

	log             logger.Logger
	metrics         metrics.Recorder
	labels          map[string]string
	refreshInterval time.Duration
	newAttemptID    func() string

	snapshot atomic.Pointer[types.ContractSnapshot]
	balance  atomic.Pointer[big.Int]

	mu        sync.Mutex
	state     types.PaymentState
	nextID    uint64
	listeners map[uint64]func(types.PaymentState)

	bg     sync.WaitGroup
	stop   chan struct{}
	closed bool
}

type Option func(*Orchestrator)

func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) { o.log = logger.OrNoop(l) }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = metrics.OrNoop(r) }
}

// WithRefreshInterval sets the period of the scheduled refresh started by
// Start. Zero disables it.
func WithRefreshInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.refreshInterval = d }
}

// WithAttemptIDs replaces the uuid source of attempt ids.
func WithAttemptIDs(fn func() string) Option {
	return func(o *Orchestrator) { o.newAttemptID = fn }
}

func New(deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		Deps:            deps,
		log:             logger.NoopLogger{},
		metrics:         metrics.NoopRecorder{},
		labels:          map[string]string{"chain": deps.Gateway.Chain().Name},
		refreshInterval: types.DefaultRefreshInterval,
		newAttemptID:    uuid.NewString,
		state:           types.StateIdle,
		listeners:       make(map[uint64]func(types.PaymentState)),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.snapshot.Store(types.EmptySnapshot())
	return o
}

// State returns the state of the current or last attempt.
func (o *Orchestrator) State() types.PaymentState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Subscribe registers fn for every state transition.
func (o *Orchestrator) Subscribe(fn func(types.PaymentState)) (dispose func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.nextID++
	id := o.nextID
	o.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			delete(o.listeners, id)
		})
	}
}

// Snapshot returns the last contract snapshot. It is never nil and must
// not be modified.
func (o *Orchestrator) Snapshot() *types.ContractSnapshot {
	return o.snapshot.Load()
}

// Balance returns the last native balance read for the session, or nil.
func (o *Orchestrator) Balance() *big.Int {
	if b := o.balance.Load(); b != nil {
		return new(big.Int).Set(b)
	}
	return nil
}

// Session returns the current wallet session, or nil.
func (o *Orchestrator) Session() *types.WalletSession {
	return o.Connector.Session()
}

// ConnectWallet restores an authorized session or prompts for one, then
// makes sure the wallet is on the expected chain. A failed connection
// leaves the payment state untouched.
func (o *Orchestrator) ConnectWallet(ctx context.Context) (*types.WalletSession, error) {
	session := o.Connector.CheckExistingSession(ctx)
	if session == nil {
		var err error
		if session, err = o.Connector.RequestConnection(ctx); err != nil {
			o.log.Info("wallet connection failed", map[string]any{"errorKind": string(types.KindOf(err))})
			return nil, err
		}
	}

	if err := o.Guarantor.EnsureNetwork(ctx); err != nil {
		return o.Connector.Session(), err
	}

	o.refresh(ctx)
	return o.Connector.Session(), nil
}

// PayWithETH runs one native payment attempt.
func (o *Orchestrator) PayWithETH(ctx context.Context, vendor, amount string) (*types.PaymentResult, error) {
	return o.pay(ctx, verification.Request{Kind: types.KindETH, Vendor: vendor, Amount: amount})
}

// PayWithToken runs one ERC-20 payment attempt. amount is in whole tokens
// and is converted with the token's own decimals.
func (o *Orchestrator) PayWithToken(ctx context.Context, token common.Address, amount, vendor string) (*types.PaymentResult, error) {
	return o.pay(ctx, verification.Request{Kind: types.KindToken, Token: token, Vendor: vendor, Amount: amount})
}

func (o *Orchestrator) pay(ctx context.Context, req verification.Request) (*types.PaymentResult, error) {
	if err := o.begin(); err != nil {
		return nil, err
	}

	log := o.log.With(map[string]any{"attempt": o.newAttemptID(), "kind": string(req.Kind)})
	start := time.Now()

	res, err := o.attempt(ctx, log, req)
	if err != nil {
		o.fail(log, err)
		return nil, err
	}

	o.setState(types.StateConfirmed)
	o.metrics.IncCounter(metrics.EventPaymentConfirmed, o.labels)
	log.Info("payment complete", map[string]any{
		"txHash":   res.TransactionHash.Hex(),
		"explorer": res.ExplorerURL,
		"elapsed":  time.Since(start).String(),
	})

	o.refreshAsync()
	return res, nil
}

func (o *Orchestrator) attempt(ctx context.Context, log logger.Logger, req verification.Request) (*types.PaymentResult, error) {
	session := o.Connector.Session()
	if _, err := o.Verifier.Preflight(session, req); err != nil {
		return nil, err
	}
	if session.ChainID != o.Guarantor.Chain().ChainID {
		if err := o.Guarantor.EnsureNetwork(ctx); err != nil {
			return nil, err
		}
		session = o.Connector.Session()
	}

	snap := o.RefreshSnapshot(ctx)
	v, err := o.Verifier.Verify(ctx, session, snap, req)
	if err != nil {
		return nil, err
	}
	from := v.Session.Address

	var approvals []common.Hash
	if req.Kind == types.KindToken {
		o.setState(types.StateAwaitingApproval)
		res, err := o.Allowances.EnsureAllowance(ctx, req.Token, from, o.Gateway.Address(), v.AmountWei)
		if res != nil {
			approvals = res.Transactions
		}
		if err != nil {
			return nil, err
		}
		if len(approvals) > 0 {
			log.Info("allowance raised", map[string]any{"approvals": len(approvals)})
		}
	}

	var res *types.PaymentResult
	if req.Kind == types.KindToken {
		res, err = o.Settler.SettleToken(ctx, from, req.Token, v.Vendor, v.AmountWei, o.setState)
	} else {
		res, err = o.Settler.SettleETH(ctx, from, v.Vendor, v.AmountWei, o.setState)
	}
	if err != nil {
		return nil, err
	}
	res.ApprovalTxs = approvals
	return res, nil
}

// begin moves to VALIDATING unless an attempt is already running.
func (o *Orchestrator) begin() error {
	o.mu.Lock()
	if o.state.Busy() {
		o.mu.Unlock()
		return types.NewPaymentError(types.ErrPaymentInProgress, types.PhaseGate, nil)
	}
	fns := o.swapLocked(types.StateValidating)
	o.mu.Unlock()

	notify(fns, types.StateValidating)
	return nil
}

func (o *Orchestrator) fail(log logger.Logger, err error) {
	o.setState(types.StateFailed)
	o.metrics.IncCounter(metrics.EventPaymentFailed, o.labels)

	pe, ok := types.AsPaymentError(err)
	if !ok {
		log.Error("payment failed", map[string]any{"error": err.Error()})
		return
	}
	fields := map[string]any{"errorKind": string(pe.Kind), "phase": string(pe.Phase)}
	var gateErr *verification.GateError
	if errors.As(err, &gateErr) {
		fields["gate"] = gateErr.Gate
	}
	if pe.Phase == types.PhaseGate || pe.Phase == types.PhaseConnect {
		log.Info("payment stopped at gate", fields)
		return
	}
	fields["raw"] = pe.Raw
	fields["retryable"] = pe.Retryable()
	if pe.Sent() {
		fields["txHash"] = pe.TxHash.Hex()
	}
	log.Warn("payment failed", fields)
}

func (o *Orchestrator) setState(s types.PaymentState) {
	o.mu.Lock()
	fns := o.swapLocked(s)
	o.mu.Unlock()
	notify(fns, s)
}

// swapLocked sets the state and returns the listeners to notify, none when
// the state did not change.
func (o *Orchestrator) swapLocked(s types.PaymentState) []func(types.PaymentState) {
	if o.state == s {
		return nil
	}
	o.state = s
	fns := make([]func(types.PaymentState), 0, len(o.listeners))
	for _, fn := range o.listeners {
		fns = append(fns, fn)
	}
	return fns
}

func notify(fns []func(types.PaymentState), s types.PaymentState) {
	for _, fn := range fns {
		fn(s)
	}
}
