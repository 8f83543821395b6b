package metrics

import "time"

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Event names shared by the facilitator, gate and vault.
const (
	EventVerify          = "verify"
	EventSettle          = "settle"
	EventSettleFailed    = "settle_failed"
	EventBroadcastRetry  = "broadcast_retry"
	EventChallenge       = "challenge"
	EventExecuted        = "executed"
	EventExecutionFailed = "execution_failed"
	EventSplitSent       = "split_sent"
	EventSplitFailed     = "split_failed"
	EventNegotiation     = "negotiation"
)

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
