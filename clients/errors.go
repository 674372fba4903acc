package clients

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/wallet"
)

// ErrTransactionReverted is the cause of a mined transaction with status 0.
var ErrTransactionReverted = errors.New("transaction reverted")

// ErrInvalidTxHash is the cause when the wallet answers eth_sendTransaction
// with something other than a transaction hash.
var ErrInvalidTxHash = errors.New("wallet returned invalid transaction hash")

var revertKinds = map[string]types.ErrorKind{
	RevertEnforcedPause:              types.ErrContractPaused,
	RevertPaymentAlreadyProcessed:    types.ErrPaymentAlreadyProcessed,
	RevertDailyLimitExceeded:         types.ErrDailyLimitExceeded,
	RevertPaymentTooSmall:            types.ErrBelowMinimumPayment,
	RevertTokenNotSupported:          types.ErrTokenNotSupported,
	RevertERC20InsufficientBalance:   types.ErrInsufficientBalance,
	RevertERC20InsufficientAllowance: types.ErrApprovalNotEffective,
}

// Checked in order; the first match wins.
var messagePatterns = []struct {
	substr string
	kind   types.ErrorKind
}{
	{"insufficient funds", types.ErrInsufficientFunds},
	{"daily limit", types.ErrDailyLimitExceeded},
	{"payment too small", types.ErrBelowMinimumPayment},
	{"below minimum", types.ErrBelowMinimumPayment},
	{"already processed", types.ErrPaymentAlreadyProcessed},
	{"duplicate payment", types.ErrPaymentAlreadyProcessed},
	{"token not supported", types.ErrTokenNotSupported},
	{"unsupported token", types.ErrTokenNotSupported},
	{"paused", types.ErrContractPaused},
	{"transfer amount exceeds balance", types.ErrInsufficientBalance},
	{"insufficient balance", types.ErrInsufficientBalance},
	{"insufficient allowance", types.ErrApprovalNotEffective},
}

// ClassifyError maps a failed wallet or node call to a PaymentError.
// Wallet codes are checked first, then revert data decoded against the
// gateway and ERC-20 ABIs, and only then the error text.
func ClassifyError(err error, phase types.Phase) *types.PaymentError {
	if err == nil {
		return nil
	}
	if pe, ok := types.AsPaymentError(err); ok {
		if pe.Phase == "" {
			return pe.WithPhase(phase)
		}
		return pe
	}

	if kind, ok := wallet.Classify(err); ok {
		return types.NewPaymentError(kind, phase, err)
	}

	if data := RevertData(err); len(data) > 0 {
		if name, ok := customErrorName(data); ok {
			if kind, ok := revertKinds[name]; ok {
				return types.NewPaymentError(kind, phase, err)
			}
		}
		if reason, uerr := abi.UnpackRevert(data); uerr == nil {
			if kind, ok := matchMessage(reason); ok {
				return types.NewPaymentError(kind, phase, err)
			}
		}
	}

	if kind, ok := matchMessage(err.Error()); ok {
		return types.NewPaymentError(kind, phase, err)
	}

	return types.NewPaymentError(types.ErrTransactionFailed, phase, err)
}

// classifyEstimate is ClassifyError for gas estimation, where an
// unexplained failure means the call would revert.
func classifyEstimate(err error) *types.PaymentError {
	pe := ClassifyError(err, types.PhaseSubmission)
	if pe.Kind == types.ErrTransactionFailed || errors.Is(err, context.DeadlineExceeded) {
		return types.NewPaymentError(types.ErrGasEstimationFailed, types.PhaseSubmission, err)
	}
	return pe
}

// RevertData extracts the revert payload a node or wallet attached to err.
func RevertData(err error) []byte {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return nil
	}
	switch d := de.ErrorData().(type) {
	case string:
		b, err := hexutil.Decode(d)
		if err != nil {
			return nil
		}
		return b
	case hexutil.Bytes:
		return d
	case []byte:
		return d
	}
	return nil
}

func customErrorName(data []byte) (string, bool) {
	if len(data) < 4 {
		return "", false
	}
	var id [4]byte
	copy(id[:], data[:4])
	for _, a := range []*abi.ABI{&GatewayABI, &ERC20ABI} {
		if e, err := a.ErrorByID(id); err == nil {
			return e.Name, true
		}
	}
	return "", false
}

func matchMessage(msg string) (types.ErrorKind, bool) {
	msg = strings.ToLower(msg)
	for _, p := range messagePatterns {
		if strings.Contains(msg, p.substr) {
			return p.kind, true
		}
	}
	return "", false
}
