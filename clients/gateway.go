package clients

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/vitwit/paygate/logger"
	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/utils"
)

// GatewayClient is a typed binding to the PaymentGateway contract.
type GatewayClient struct {
	contract

	chain  types.ChainParams
	tx     *Transactor
	tokens *Tokens
	log    logger.Logger
	now    func() time.Time
	newID  func() (types.PaymentID, error)

	ethBuffer   uint64
	tokenBuffer uint64
}

type GatewayOption func(*GatewayClient)

// WithGasBuffers sets the percentage added to gas estimates.
func WithGasBuffers(ethPercent, tokenPercent uint64) GatewayOption {
	return func(g *GatewayClient) {
		g.ethBuffer = ethPercent
		g.tokenBuffer = tokenPercent
	}
}

func WithGatewayLogger(l logger.Logger) GatewayOption {
	return func(g *GatewayClient) { g.log = logger.OrNoop(l) }
}

func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *GatewayClient) { g.now = now }
}

// WithPaymentIDSource replaces the random payment id generator.
func WithPaymentIDSource(fn func() (types.PaymentID, error)) GatewayOption {
	return func(g *GatewayClient) { g.newID = fn }
}

// NewGatewayClient binds the gateway at address. tx may be nil for a
// read-only client.
func NewGatewayClient(backend Backend, address common.Address, chain types.ChainParams, tx *Transactor, tokens *Tokens, opts ...GatewayOption) *GatewayClient {
	if tokens == nil {
		tokens = NewTokens(backend)
	}
	g := &GatewayClient{
		contract:    contract{backend: backend, address: address, abi: GatewayABI},
		chain:       chain,
		tx:          tx,
		tokens:      tokens,
		log:         logger.NoopLogger{},
		now:         time.Now,
		newID:       utils.NewPaymentID,
		ethBuffer:   types.DefaultETHGasBufferPercent,
		tokenBuffer: types.DefaultTokenGasBufferPercent,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *GatewayClient) Address() common.Address {
	return g.address
}

func (g *GatewayClient) Chain() types.ChainParams {
	return g.chain
}

func (g *GatewayClient) Token(address common.Address) *ERC20 {
	return g.tokens.Get(address)
}

// BalanceAt returns the native balance of account.
func (g *GatewayClient) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return g.backend.BalanceAt(ctx, account, nil)
}

// PartialSnapshotError lists the view calls that failed while building a
// snapshot. The snapshot returned with it is still usable.
type PartialSnapshotError struct {
	Failed map[string]error
}

func (e *PartialSnapshotError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for name, err := range e.Failed {
		names = append(names, fmt.Sprintf("%s: %v", name, err))
	}
	return "snapshot reads failed: " + strings.Join(names, "; ")
}

// GetSnapshot reads the gateway state. Without code at the address it
// returns a snapshot marked missing and makes no further calls. Once the
// code is confirmed, each view call that fails keeps the value from prev
// (or the default) and is reported in a *PartialSnapshotError returned
// alongside the snapshot. Only a failed code lookup yields a nil snapshot.
func (g *GatewayClient) GetSnapshot(ctx context.Context, prev *types.ContractSnapshot) (*types.ContractSnapshot, error) {
	code, err := g.backend.CodeAt(ctx, g.address, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read code at %s: %w", g.address.Hex(), err)
	}

	if len(code) == 0 {
		snap := types.EmptySnapshot()
		snap.Presence = types.PresenceMissing
		snap.FetchedAt = g.now()
		return snap, nil
	}

	snap := prev.Clone()
	snap.Presence = types.PresenceDeployed

	var (
		mu     sync.Mutex
		failed = make(map[string]error)
		eg     errgroup.Group
	)
	read := func(name string, fn func() error) {
		eg.Go(func() error {
			if err := fn(); err != nil {
				mu.Lock()
				failed[name] = err
				mu.Unlock()
			}
			// Collected, not returned, so the other reads keep going.
			return nil
		})
	}

	read(MethodPaused, func() error {
		v, err := g.callBool(ctx, MethodPaused)
		if err == nil {
			snap.Paused = v
		}
		return err
	})
	read(MethodFeeBps, func() error {
		v, err := g.callBig(ctx, MethodFeeBps)
		if err == nil {
			snap.FeeBps = v.Uint64()
		}
		return err
	})
	read(MethodFeeRecipient, func() error {
		v, err := g.callAddress(ctx, MethodFeeRecipient)
		if err == nil {
			snap.FeeRecipient = v
		}
		return err
	})
	read(MethodDailyPaymentLimit, func() error {
		v, err := g.callBig(ctx, MethodDailyPaymentLimit)
		if err == nil {
			snap.DailyLimitWei = v
		}
		return err
	})
	read(MethodGetTodayVolume, func() error {
		v, err := g.callBig(ctx, MethodGetTodayVolume)
		if err == nil {
			snap.TodayVolumeWei = v
		}
		return err
	})
	read(MethodMinPaymentAmount, func() error {
		v, err := g.callBig(ctx, MethodMinPaymentAmount)
		if err == nil {
			snap.MinPaymentWei = v
		}
		return err
	})

	_ = eg.Wait()
	snap.FetchedAt = g.now()

	if len(failed) > 0 {
		for name, err := range failed {
			g.log.Warn("gateway view call failed", map[string]any{"method": name, "error": err.Error()})
		}
		return snap, &PartialSnapshotError{Failed: failed}
	}
	return snap, nil
}

// CalculateFee asks the contract for fee and net amount and falls back to
// local basis-point math with fallbackBps when either call fails or the
// two do not add up to amountWei.
func (g *GatewayClient) CalculateFee(ctx context.Context, amountWei *big.Int, fallbackBps uint64) types.FeeBreakdown {
	var fee, net *big.Int
	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		v, err := g.callBig(ectx, MethodCalculateFee, amountWei)
		fee = v
		return err
	})
	eg.Go(func() error {
		v, err := g.callBig(ectx, MethodCalculateNetAmount, amountWei)
		net = v
		return err
	})

	if err := eg.Wait(); err != nil {
		g.log.Debug("on-chain fee calculation failed, computing locally", map[string]any{"error": err.Error()})
		return types.LocalFee(amountWei, fallbackBps)
	}
	if new(big.Int).Add(fee, net).Cmp(amountWei) != 0 || fee.Sign() < 0 || net.Sign() < 0 {
		g.log.Warn("on-chain fee and net do not add up, computing locally", map[string]any{
			"amount": amountWei.String(), "fee": fee.String(), "net": net.String(),
		})
		return types.LocalFee(amountWei, fallbackBps)
	}

	return types.FeeBreakdown{
		AmountWei: new(big.Int).Set(amountWei),
		FeeWei:    fee,
		NetWei:    net,
		FeeBps:    fallbackBps,
		OnChain:   true,
	}
}

// IsTokenSupported reads supportedTokens(token). A revert reads as false;
// only transport failures are returned as errors.
func (g *GatewayClient) IsTokenSupported(ctx context.Context, token common.Address) (bool, error) {
	ok, err := g.callBool(ctx, MethodSupportedTokens, token)
	if err != nil {
		if isRevert(err) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

// PaymentCall is a prepared payWithETH or payWithToken transaction.
type PaymentCall struct {
	Kind      types.PaymentKind
	Token     *common.Address
	Vendor    common.Address
	AmountWei *big.Int
	PaymentID types.PaymentID
	Tx        TxRequest
}

// ETHPayment prepares payWithETH with a fresh payment id. The amount
// travels only as the transaction value.
func (g *GatewayClient) ETHPayment(from, vendor common.Address, amountWei *big.Int) (*PaymentCall, error) {
	id, err := g.newID()
	if err != nil {
		return nil, err
	}
	data, err := g.abi.Pack(MethodPayWithETH, vendor, [32]byte(id))
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", MethodPayWithETH, err)
	}
	return &PaymentCall{
		Kind:      types.KindETH,
		Vendor:    vendor,
		AmountWei: new(big.Int).Set(amountWei),
		PaymentID: id,
		Tx: TxRequest{
			From:          from,
			To:            g.address,
			Value:         new(big.Int).Set(amountWei),
			Data:          data,
			BufferPercent: g.ethBuffer,
		},
	}, nil
}

// TokenPayment prepares payWithToken with a fresh payment id.
func (g *GatewayClient) TokenPayment(from, token, vendor common.Address, amountWei *big.Int) (*PaymentCall, error) {
	id, err := g.newID()
	if err != nil {
		return nil, err
	}
	data, err := g.abi.Pack(MethodPayWithToken, token, amountWei, vendor, [32]byte(id))
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", MethodPayWithToken, err)
	}
	return &PaymentCall{
		Kind:      types.KindToken,
		Token:     &token,
		Vendor:    vendor,
		AmountWei: new(big.Int).Set(amountWei),
		PaymentID: id,
		Tx: TxRequest{
			From:          from,
			To:            g.address,
			Data:          data,
			BufferPercent: g.tokenBuffer,
		},
	}, nil
}

// StateFunc is told when a payment moves to estimating and submitting.
type StateFunc func(types.PaymentState)

// PayWithETH pays amountWei to vendor.
func (g *GatewayClient) PayWithETH(ctx context.Context, from, vendor common.Address, amountWei *big.Int, onState StateFunc) (*types.PaymentResult, error) {
	call, err := g.ETHPayment(from, vendor, amountWei)
	if err != nil {
		return nil, types.NewPaymentError(types.ErrTransactionFailed, types.PhaseSubmission, err)
	}
	return g.Execute(ctx, call, onState)
}

// PayWithToken pays amountWei of token to vendor. The allowance must
// already be in place; it and the balance are read again right before
// submitting.
func (g *GatewayClient) PayWithToken(ctx context.Context, from, token, vendor common.Address, amountWei *big.Int, onState StateFunc) (*types.PaymentResult, error) {
	call, err := g.TokenPayment(from, token, vendor, amountWei)
	if err != nil {
		return nil, types.NewPaymentError(types.ErrTransactionFailed, types.PhaseSubmission, err)
	}
	if err := g.Revalidate(ctx, call); err != nil {
		return nil, err
	}
	return g.Execute(ctx, call, onState)
}

// Revalidate re-reads allowance and token balance for a token call.
func (g *GatewayClient) Revalidate(ctx context.Context, call *PaymentCall) error {
	if call.Kind != types.KindToken || call.Token == nil {
		return nil
	}
	token := g.tokens.Get(*call.Token)

	allowance, err := token.Allowance(ctx, call.Tx.From, g.address)
	if err != nil {
		return ClassifyError(err, types.PhaseSubmission)
	}
	if !allowance.Covers(call.AmountWei) {
		return types.NewPaymentError(types.ErrApprovalNotEffective, types.PhaseSubmission,
			fmt.Errorf("allowance %s is below %s", allowance.AmountWei, call.AmountWei))
	}

	balance, err := token.BalanceOf(ctx, call.Tx.From)
	if err != nil {
		return ClassifyError(err, types.PhaseSubmission)
	}
	if balance.Cmp(call.AmountWei) < 0 {
		return types.NewPaymentError(types.ErrInsufficientBalance, types.PhaseSubmission,
			fmt.Errorf("token balance %s is below %s", balance, call.AmountWei))
	}
	return nil
}

// Execute estimates, submits and waits for call.
func (g *GatewayClient) Execute(ctx context.Context, call *PaymentCall, onState StateFunc) (*types.PaymentResult, error) {
	if g.tx == nil {
		return nil, types.NewPaymentError(types.ErrWalletNotConnected, types.PhaseSubmission,
			errors.New("gateway client has no transactor"))
	}
	if onState == nil {
		onState = func(types.PaymentState) {}
	}

	onState(types.StateEstimating)
	gas, err := g.tx.Estimate(ctx, call.Tx)
	if err != nil {
		return nil, err
	}

	onState(types.StateSubmitting)
	hash, err := g.tx.Submit(ctx, call.Tx, gas)
	if err != nil {
		return nil, err
	}
	g.log.Info("payment submitted", map[string]any{
		"tx": hash.Hex(), "paymentId": call.PaymentID.Hex(), "gas": gas,
	})

	receipt, err := g.tx.Wait(ctx, hash)
	if err != nil {
		return nil, err
	}

	result := &types.PaymentResult{
		TransactionHash: hash,
		PaymentID:       call.PaymentID,
		ExplorerURL:     g.chain.TxURL(hash.Hex()),
		Kind:            call.Kind,
		Token:           call.Token,
		Vendor:          call.Vendor,
		AmountWei:       new(big.Int).Set(call.AmountWei),
		GasUsed:         receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return result, nil
}

func isRevert(err error) bool {
	if errors.Is(err, ErrNoCode) || len(RevertData(err)) > 0 {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}
