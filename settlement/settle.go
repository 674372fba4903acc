// Package settlement submits verified payments to the gateway and reports
// classified outcomes. Nothing here retries: a second submission of the
// same logical payment could pay twice.
package settlement

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vitwit/paygate/clients"
	"github.com/vitwit/paygate/logger"
	"github.com/vitwit/paygate/metrics"
	"github.com/vitwit/paygate/types"
)

// Settler submits payWithETH and payWithToken through a GatewayClient.
type Settler struct {
	gateway *clients.GatewayClient
	log     logger.Logger
	metrics metrics.Recorder
	labels  map[string]string
}

type Option func(*Settler)

func WithLogger(l logger.Logger) Option {
	return func(s *Settler) { s.log = logger.OrNoop(l) }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *Settler) { s.metrics = metrics.OrNoop(r) }
}

func NewSettler(gateway *clients.GatewayClient, opts ...Option) *Settler {
	s := &Settler{
		gateway: gateway,
		log:     logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		labels:  map[string]string{"chain": gateway.Chain().Name},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SettleETH pays amountWei of native currency to vendor.
func (s *Settler) SettleETH(ctx context.Context, from, vendor common.Address, amountWei *big.Int, onState clients.StateFunc) (*types.PaymentResult, error) {
	return s.settle(ctx, types.KindETH, func(ctx context.Context) (*types.PaymentResult, error) {
		return s.gateway.PayWithETH(ctx, from, vendor, amountWei, onState)
	})
}

// SettleToken pays amountWei of token to vendor. The allowance must already
// cover the amount; it is checked again right before submission.
func (s *Settler) SettleToken(ctx context.Context, from, token, vendor common.Address, amountWei *big.Int, onState clients.StateFunc) (*types.PaymentResult, error) {
	return s.settle(ctx, types.KindToken, func(ctx context.Context) (*types.PaymentResult, error) {
		return s.gateway.PayWithToken(ctx, from, token, vendor, amountWei, onState)
	})
}

func (s *Settler) settle(ctx context.Context, kind types.PaymentKind, pay func(context.Context) (*types.PaymentResult, error)) (*types.PaymentResult, error) {
	start := time.Now()
	res, err := pay(ctx)
	s.metrics.ObserveLatency(metrics.OpPayment, time.Since(start), s.labels)

	if err != nil {
		pe := clients.ClassifyError(err, types.PhaseSubmission)
		if pe.Phase != types.PhaseSubmission {
			pe = pe.WithPhase(types.PhaseSubmission)
		}
		s.log.Warn("payment submission failed", map[string]any{
			"kind":      string(kind),
			"errorKind": string(pe.Kind),
			"raw":       pe.Raw,
		})
		return nil, pe
	}

	s.log.Info("payment confirmed", map[string]any{
		"kind":      string(kind),
		"txHash":    res.TransactionHash.Hex(),
		"paymentId": res.PaymentID.Hex(),
		"block":     res.BlockNumber,
	})
	return res, nil
}
