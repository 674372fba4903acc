package orchestrator

import (
	"context"
	"time"

	"github.com/vitwit/paygate/metrics"
	"github.com/vitwit/paygate/types"
)

// RefreshSnapshot reads the gateway state and publishes it. When the read
// fails entirely the previous snapshot is kept and returned. Failures are
// logged and counted, never returned.
func (o *Orchestrator) RefreshSnapshot(ctx context.Context) *types.ContractSnapshot {
	prev := o.snapshot.Load()

	start := time.Now()
	snap, err := o.Gateway.GetSnapshot(ctx, prev)
	o.metrics.ObserveLatency(metrics.OpSnapshot, time.Since(start), o.labels)

	if err != nil {
		o.metrics.IncCounter(metrics.EventSnapshotRefreshFailed, o.labels)
		o.log.Debug("snapshot refresh failed", map[string]any{"error": err.Error(), "partial": snap != nil})
	}
	if snap == nil {
		return prev
	}
	o.snapshot.Store(snap)
	return snap
}

// RefreshBalance reads the native balance of the connected account.
func (o *Orchestrator) RefreshBalance(ctx context.Context) {
	session := o.Connector.Session()
	if session == nil {
		o.balance.Store(nil)
		return
	}
	bal, err := o.Gateway.BalanceAt(ctx, session.Address)
	if err != nil {
		o.log.Debug("balance refresh failed", map[string]any{"error": err.Error()})
		return
	}
	o.balance.Store(bal)
}

func (o *Orchestrator) refresh(ctx context.Context) {
	o.RefreshSnapshot(ctx)
	o.RefreshBalance(ctx)
}

// refreshAsync refreshes after a confirmed payment without holding up the
// result.
func (o *Orchestrator) refreshAsync() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.bg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		o.refresh(ctx)
	}()
}

// Start refreshes the snapshot and balance every refresh interval until ctx
// ends or Close is called. It returns immediately.
func (o *Orchestrator) Start(ctx context.Context) {
	if o.refreshInterval <= 0 {
		return
	}

	o.mu.Lock()
	if o.closed || o.stop != nil {
		o.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	o.stop = stop
	o.bg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.bg.Done()
		ticker := time.NewTicker(o.refreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				tctx, cancel := context.WithTimeout(ctx, min(o.refreshInterval, backgroundTimeout))
				o.refresh(tctx)
				cancel()
			}
		}
	}()
}

// Close stops the scheduled refresh, waits for background work and drops
// the wallet subscriptions.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	if o.stop != nil {
		close(o.stop)
	}
	o.mu.Unlock()

	o.bg.Wait()
	o.Connector.Close()
}
