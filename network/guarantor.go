// Package network makes sure the connected wallet is on the expected chain
// before any contract call is made.
package network

import (
	"context"
	"fmt"

	"github.com/vitwit/paygate/logger"
	"github.com/vitwit/paygate/metrics"
	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/wallet"
)

// Guarantor switches or adds the target chain in the wallet.
type Guarantor struct {
	connector *wallet.Connector
	chain     types.ChainParams
	log       logger.Logger
	metrics   metrics.Recorder
}

func NewGuarantor(connector *wallet.Connector, chain types.ChainParams, log logger.Logger, rec metrics.Recorder) *Guarantor {
	return &Guarantor{
		connector: connector,
		chain:     chain,
		log:       logger.OrNoop(log),
		metrics:   metrics.OrNoop(rec),
	}
}

// Chain returns the expected chain.
func (g *Guarantor) Chain() types.ChainParams {
	return g.chain
}

// OnExpectedChain reports whether the session is already on the expected
// chain, without talking to the wallet.
func (g *Guarantor) OnExpectedChain() bool {
	s := g.connector.Session()
	return s != nil && s.ChainID == g.chain.ChainID
}

// EnsureNetwork is a no-op when the session is on the expected chain.
// Otherwise it asks the wallet to switch, and to add the chain first when
// the wallet reports it as unknown.
func (g *Guarantor) EnsureNetwork(ctx context.Context) error {
	session := g.connector.Session()
	if session == nil {
		return types.NewPaymentError(types.ErrWalletNotConnected, types.PhaseGate, nil)
	}
	if session.ChainID == g.chain.ChainID {
		return nil
	}

	provider := g.connector.Provider()
	fields := map[string]any{"from": session.ChainID, "to": g.chain.ChainID}
	g.log.Info("switching network", fields)

	_, err := provider.Request(ctx, wallet.MethodSwitchChain, wallet.SwitchChainParameter{ChainID: g.chain.ChainIDHex()})
	if err != nil {
		if code, ok := wallet.ErrorCode(err); !ok || code != wallet.CodeUnrecognizedChain {
			g.log.Info("network switch rejected", withErr(fields, err))
			return switchError(types.ErrNetworkSwitchRejected, err)
		}

		g.log.Info("wallet does not know chain, adding it", fields)
		if _, err := provider.Request(ctx, wallet.MethodAddChain, g.chain.AddChainParameter()); err != nil {
			g.log.Info("add network failed", withErr(fields, err))
			return switchError(types.ErrNetworkAddFailed, err)
		}

		// Most wallets switch as part of adding; some only add.
		if id, err := g.connector.RefreshChain(ctx); err == nil && id != g.chain.ChainID {
			if _, err := provider.Request(ctx, wallet.MethodSwitchChain, wallet.SwitchChainParameter{ChainID: g.chain.ChainIDHex()}); err != nil {
				return switchError(types.ErrNetworkSwitchRejected, err)
			}
		}
	}

	id, err := g.connector.RefreshChain(ctx)
	if err != nil {
		return types.NewPaymentError(types.ErrWrongNetwork, types.PhaseGate, err)
	}
	if id != g.chain.ChainID {
		return types.NewPaymentError(types.ErrWrongNetwork, types.PhaseGate,
			fmt.Errorf("wallet reports chain %d after switch, want %d", id, g.chain.ChainID))
	}

	g.metrics.IncCounter(metrics.EventNetworkSwitch, map[string]string{"chain": g.chain.Name})
	return nil
}

func switchError(kind types.ErrorKind, err error) *types.PaymentError {
	return types.NewPaymentError(kind, types.PhaseGate, err)
}

func withErr(fields map[string]any, err error) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["error"] = err.Error()
	return out
}
