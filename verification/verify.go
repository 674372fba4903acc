// Package verification runs the pre-submission gates of a payment attempt.
// Gates are evaluated in a fixed order and the first failure wins, so the
// most actionable problem is reported to the user.
package verification

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vitwit/paygate/clients"
	"github.com/vitwit/paygate/logger"
	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/utils"
)

// Gate names, in evaluation order.
const (
	GateConnected  = "connected"
	GateAddress    = "address"
	GateChain      = "chain"
	GateExists     = "exists"
	GatePaused     = "paused"
	GateAmount     = "amount"
	GateMinimum    = "minimum"
	GateDailyLimit = "daily_limit"
	GateBalance    = "balance"
	GateSupported  = "token_supported"
)

// TokenInfo reads a token's decimals and symbol from the token contract.
type TokenInfo interface {
	Metadata(ctx context.Context, token common.Address) (types.TokenMetadata, error)
}

// Request is what the caller asked for, before any parsing.
type Request struct {
	Kind   types.PaymentKind
	Token  common.Address
	Amount string
	Vendor string
}

// Verified is a request that passed every gate.
type Verified struct {
	Session    types.WalletSession
	Kind       types.PaymentKind
	Vendor     common.Address
	Token      *types.TokenMetadata
	AmountWei  *big.Int
	BalanceWei *big.Int
}

// GateError is a gate failure. It unwraps to the classified PaymentError.
type GateError struct {
	Gate string
	Err  *types.PaymentError
}

func (e *GateError) Error() string {
	return fmt.Sprintf("gate %s: %v", e.Gate, e.Err)
}

func (e *GateError) Unwrap() error {
	return e.Err
}

// Verifier checks requests against the wallet session and a contract
// snapshot.
type Verifier struct {
	gateway *clients.GatewayClient
	tokens  TokenInfo
	chain   types.ChainParams
	log     logger.Logger
}

func NewVerifier(gateway *clients.GatewayClient, tokens TokenInfo, log logger.Logger) *Verifier {
	return &Verifier{
		gateway: gateway,
		tokens:  tokens,
		chain:   gateway.Chain(),
		log:     logger.OrNoop(log),
	}
}

// Verify runs the gates. The snapshot must have been fetched for this
// attempt; it is only read.
func (v *Verifier) Verify(ctx context.Context, session *types.WalletSession, snap *types.ContractSnapshot, req Request) (*Verified, error) {
	vendor, err := v.Preflight(session, req)
	if err != nil {
		return nil, err
	}

	if session.ChainID != v.chain.ChainID {
		return nil, fail(GateChain, types.ErrWrongNetwork,
			fmt.Errorf("wallet is on chain %d, want %d", session.ChainID, v.chain.ChainID))
	}

	if snap == nil || !snap.Exists() {
		return nil, fail(GateExists, types.ErrContractNotFound,
			fmt.Errorf("no contract code at %s", v.gateway.Address().Hex()))
	}
	if snap.Paused {
		return nil, fail(GatePaused, types.ErrContractPaused, nil)
	}

	out := &Verified{Session: *session, Kind: req.Kind, Vendor: vendor}

	if _, err := utils.ValidateAmount(req.Amount); err != nil {
		return nil, fail(GateAmount, types.ErrInvalidAmount, err)
	}
	switch req.Kind {
	case types.KindETH:
		out.AmountWei, err = utils.ParseUnits(req.Amount, types.EtherDecimals)
		if err != nil {
			return nil, fail(GateAmount, types.ErrInvalidAmount, err)
		}
	case types.KindToken:
		meta, err := v.tokens.Metadata(ctx, req.Token)
		if err != nil {
			// Addresses without a token contract are not on the allow list
			// either; report that rather than the failed read.
			if ok, serr := v.gateway.IsTokenSupported(ctx, req.Token); serr == nil && !ok {
				return nil, fail(GateSupported, types.ErrTokenNotSupported, err)
			}
			return nil, failRead(GateAmount, err)
		}
		out.Token = &meta
		out.AmountWei, err = utils.ParseUnits(req.Amount, meta.Decimals)
		if err != nil {
			return nil, fail(GateAmount, types.ErrInvalidAmount, err)
		}
	default:
		return nil, fail(GateAmount, types.ErrInvalidAmount, fmt.Errorf("unknown payment kind %q", req.Kind))
	}
	if out.AmountWei.Sign() <= 0 {
		return nil, fail(GateAmount, types.ErrInvalidAmount, fmt.Errorf("amount %s is zero in base units", req.Amount))
	}

	// The contract minimum and daily limit are denominated in wei and only
	// bind native payments.
	if req.Kind == types.KindETH {
		if snap.MinPaymentWei != nil && out.AmountWei.Cmp(snap.MinPaymentWei) < 0 {
			return nil, fail(GateMinimum, types.ErrBelowMinimumPayment,
				fmt.Errorf("amount %s wei is below minimum %s wei", out.AmountWei, snap.MinPaymentWei))
		}
		if snap.DailyLimitWei != nil && snap.DailyLimitWei.Sign() > 0 {
			if remaining := snap.RemainingDailyWei(); out.AmountWei.Cmp(remaining) > 0 {
				return nil, fail(GateDailyLimit, types.ErrDailyLimitExceeded,
					fmt.Errorf("amount %s wei exceeds remaining daily capacity %s wei", out.AmountWei, remaining))
			}
		}
	}

	if out.BalanceWei, err = v.balance(ctx, session.Address, req); err != nil {
		return nil, failRead(GateBalance, err)
	}
	if out.BalanceWei.Cmp(out.AmountWei) < 0 {
		return nil, fail(GateBalance, types.ErrInsufficientBalance,
			fmt.Errorf("balance %s is below amount %s", out.BalanceWei, out.AmountWei))
	}

	if req.Kind == types.KindToken {
		ok, err := v.gateway.IsTokenSupported(ctx, req.Token)
		if err != nil {
			return nil, failRead(GateSupported, err)
		}
		if !ok {
			return nil, fail(GateSupported, types.ErrTokenNotSupported,
				fmt.Errorf("token %s is not supported", req.Token.Hex()))
		}
	}

	v.log.Debug("payment gates passed", map[string]any{
		"kind":   string(req.Kind),
		"vendor": vendor.Hex(),
		"amount": out.AmountWei.String(),
	})
	return out, nil
}

// Preflight runs the gates that need neither the chain nor the wallet's
// current network: a connected session and a well-formed vendor address.
func (v *Verifier) Preflight(session *types.WalletSession, req Request) (common.Address, error) {
	if session == nil {
		return common.Address{}, fail(GateConnected, types.ErrWalletNotConnected, nil)
	}
	vendor, err := utils.ValidateAddress(req.Vendor)
	if err != nil {
		return common.Address{}, fail(GateAddress, types.ErrInvalidAddress, err)
	}
	return vendor, nil
}

func (v *Verifier) balance(ctx context.Context, owner common.Address, req Request) (*big.Int, error) {
	if req.Kind == types.KindToken {
		return v.gateway.Token(req.Token).BalanceOf(ctx, owner)
	}
	return v.gateway.BalanceAt(ctx, owner)
}

func fail(gate string, kind types.ErrorKind, cause error) *GateError {
	return &GateError{Gate: gate, Err: types.NewPaymentError(kind, types.PhaseGate, cause)}
}

// failRead classifies a failed view call made by a gate. Nothing was sent,
// so an unexplained failure is a read failure, not a failed transaction.
func failRead(gate string, err error) *GateError {
	pe := clients.ClassifyError(err, types.PhaseGate)
	if pe.Kind == types.ErrTransactionFailed {
		pe = types.NewPaymentError(types.ErrReadFailed, types.PhaseGate, err)
	}
	return &GateError{Gate: gate, Err: pe}
}
