// Package metrics records payment events and latencies.
package metrics

import "time"

// Event and operation names.
const (
	EventPaymentConfirmed      = "payment_confirmed"
	EventPaymentFailed         = "payment_failed"
	EventApprovalSent          = "approval_sent"
	EventNetworkSwitch         = "network_switch"
	EventSnapshotRefreshFailed = "snapshot_refresh_failed"

	OpPayment     = "payment"
	OpSnapshot    = "snapshot"
	OpEstimateGas = "estimate_gas"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
