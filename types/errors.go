package types

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrorKind classifies a failed payment attempt.
type ErrorKind string

const (
	ErrWalletUnavailable       ErrorKind = "WalletUnavailable"
	ErrUserRejected            ErrorKind = "UserRejected"
	ErrWalletNotConnected      ErrorKind = "WalletNotConnected"
	ErrNetworkSwitchRejected   ErrorKind = "NetworkSwitchRejected"
	ErrNetworkAddFailed        ErrorKind = "NetworkAddFailed"
	ErrWrongNetwork            ErrorKind = "WrongNetwork"
	ErrInvalidAddress          ErrorKind = "InvalidAddress"
	ErrInvalidAmount           ErrorKind = "InvalidAmount"
	ErrInsufficientBalance     ErrorKind = "InsufficientBalance"
	ErrInsufficientFunds       ErrorKind = "InsufficientFunds"
	ErrContractNotFound        ErrorKind = "ContractNotFound"
	ErrContractPaused          ErrorKind = "ContractPaused"
	ErrBelowMinimumPayment     ErrorKind = "BelowMinimumPayment"
	ErrTokenNotSupported       ErrorKind = "TokenNotSupported"
	ErrApprovalNotEffective    ErrorKind = "ApprovalNotEffective"
	ErrDailyLimitExceeded      ErrorKind = "DailyLimitExceeded"
	ErrPaymentAlreadyProcessed ErrorKind = "PaymentAlreadyProcessed"
	ErrGasEstimationFailed     ErrorKind = "GasEstimationFailed"
	ErrPaymentInProgress       ErrorKind = "PaymentInProgress"
	ErrTransactionFailed       ErrorKind = "TransactionFailed"
	ErrReadFailed              ErrorKind = "ReadFailed"
)

var userMessages = map[ErrorKind]string{
	ErrWalletUnavailable:       "No wallet found. Please install a wallet extension.",
	ErrUserRejected:            "The request was rejected in your wallet.",
	ErrWalletNotConnected:      "Please connect your wallet first.",
	ErrNetworkSwitchRejected:   "Please switch to the correct network.",
	ErrNetworkAddFailed:        "Could not add the network to your wallet.",
	ErrWrongNetwork:            "Please switch to the correct network.",
	ErrInvalidAddress:          "Please enter a valid recipient address.",
	ErrInvalidAmount:           "Please enter a valid amount.",
	ErrInsufficientBalance:     "Insufficient balance for this payment.",
	ErrInsufficientFunds:       "Insufficient funds to cover the payment and gas.",
	ErrContractNotFound:        "The payment contract was not found on this network.",
	ErrContractPaused:          "Payments are currently paused.",
	ErrBelowMinimumPayment:     "The amount is below the minimum payment.",
	ErrTokenNotSupported:       "This token is not supported by the payment gateway.",
	ErrApprovalNotEffective:    "The token approval did not take effect. Please try again.",
	ErrDailyLimitExceeded:      "The daily payment limit has been reached. Try a smaller amount or try again tomorrow.",
	ErrPaymentAlreadyProcessed: "This payment was already processed.",
	ErrGasEstimationFailed:     "The transaction would fail. Please check the payment details.",
	ErrPaymentInProgress:       "A payment is already being processed.",
	ErrTransactionFailed:       "The transaction failed.",
	ErrReadFailed:              "Could not read from the network. Please try again.",
}

// Phase says where an attempt failed: before anything was sent to the
// wallet for signing, or while submitting.
type Phase string

const (
	PhaseConnect    Phase = "connect"
	PhaseGate       Phase = "gate"
	PhaseApproval   Phase = "approval"
	PhaseSubmission Phase = "submission"
)

// PaymentError is a classified failure. Message is the short sentence shown
// to users; Raw keeps the provider or node error for diagnosis.
type PaymentError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Phase   Phase     `json:"phase,omitempty"`
	Raw     string    `json:"raw,omitempty"`
	// TxHash is set once the wallet broadcast a transaction, even when its
	// outcome is unknown.
	TxHash *common.Hash `json:"txHash,omitempty"`
	cause  error
}

// NewPaymentError builds an error with the default user message for kind.
func NewPaymentError(kind ErrorKind, phase Phase, cause error) *PaymentError {
	e := &PaymentError{
		Kind:    kind,
		Message: UserMessage(kind),
		Phase:   phase,
		cause:   cause,
	}
	if cause != nil {
		e.Raw = cause.Error()
	}
	return e
}

// Errorf builds an error whose user message carries request-specific detail.
func Errorf(kind ErrorKind, phase Phase, format string, args ...any) *PaymentError {
	return &PaymentError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Phase:   phase,
	}
}

func (e *PaymentError) Error() string {
	if e.Raw != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Raw)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.cause
}

// Is matches another PaymentError by kind, so errors.Is(err, &PaymentError{Kind: k}) works.
func (e *PaymentError) Is(target error) bool {
	var t *PaymentError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// WithPhase returns a copy of e attributed to phase.
func (e *PaymentError) WithPhase(phase Phase) *PaymentError {
	c := *e
	c.Phase = phase
	return &c
}

// Retryable reports whether the same request may be tried again without
// risking a second on-chain payment.
func (e *PaymentError) Retryable() bool {
	if e.Sent() {
		return false
	}
	if e.Kind == ErrReadFailed {
		return true
	}
	if e.Phase != PhaseSubmission && e.Phase != PhaseApproval {
		return false
	}
	switch e.Kind {
	case ErrUserRejected, ErrGasEstimationFailed, ErrInsufficientFunds:
		return true
	}
	return false
}

// Sent reports whether a transaction reached the network before the
// failure. Its outcome must be checked by TxHash before paying again.
func (e *PaymentError) Sent() bool {
	return e.TxHash != nil
}

// WithTxHash returns a copy of e carrying the broadcast transaction hash.
func (e *PaymentError) WithTxHash(hash common.Hash) *PaymentError {
	c := *e
	c.TxHash = &hash
	return &c
}

// UserMessage returns the actionable sentence for kind.
func UserMessage(kind ErrorKind) string {
	if m, ok := userMessages[kind]; ok {
		return m
	}
	return userMessages[ErrTransactionFailed]
}

// AsPaymentError extracts a PaymentError from err.
func AsPaymentError(err error) (*PaymentError, bool) {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindOf returns the kind of a classified error, or TransactionFailed.
func KindOf(err error) ErrorKind {
	if pe, ok := AsPaymentError(err); ok {
		return pe.Kind
	}
	return ErrTransactionFailed
}
