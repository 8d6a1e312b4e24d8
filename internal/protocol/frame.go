package protocol

// Frame type tags on the server→client wire. Acks are direct replies to
// one envelope; events are room fan-out; recovery is the pushed catch-up
// snapshot for a resuming client.
const (
	FrameAck      = "ack"
	FrameEvent    = "event"
	FrameRecovery = "recovery"
)

// Frame is the single server→client wrapper.
type Frame struct {
	Type     string            `json:"type"`
	Ack      *Ack              `json:"ack,omitempty"`
	Event    *BroadcastEvent   `json:"event,omitempty"`
	Recovery *RecoverySnapshot `json:"recovery,omitempty"`
}
