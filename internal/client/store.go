// Package client implements the battle client half of the wire: the
// collaboration state store, the ack-with-retry emitter, the connection
// lifecycle monitor, canvas sync, and the battle controller.
package client

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ConnectionStatus is the client connection state machine.
//
//	connecting → connected → {reconnecting → recovering → connected}
//	                       | degraded | disconnected
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusRecovering   ConnectionStatus = "recovering"
	StatusDegraded     ConnectionStatus = "degraded"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// PendingOp is a client-issued operation awaiting its server ack. Replays
// resend it verbatim, never re-sequenced.
type PendingOp struct {
	BattleID   string
	OpID       string
	AckID      string
	Seq        uint64
	Event      string
	Payload    []byte
	CreatedAt  time.Time
	RetryCount int
}

// Store holds all client-side collaboration state. All methods are safe
// for concurrent use; mutation happens under one mutex so readers always
// observe a consistent view.
type Store struct {
	mu    sync.Mutex
	clock clockwork.Clock

	status            ConnectionStatus
	sessionID         string
	reconnectAttempts int
	recoveryRequired  bool
	lastDisconnectAt  time.Time
	lastError         string

	nextSeq          uint64
	lastServerSeq    uint64
	lastServerAckSeq uint64

	pending    []PendingOp
	appliedSeq map[string]uint64 // participant id → highest applied seq
}

// NewStore creates a store in the connecting state.
func NewStore(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		clock:      clock,
		status:     StatusConnecting,
		appliedSeq: make(map[string]uint64),
	}
}

// Status returns the current connection status.
func (s *Store) Status() ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetConnected records a live session and clears reconnect bookkeeping.
func (s *Store) SetConnected(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusConnected
	s.sessionID = sessionID
	s.reconnectAttempts = 0
	s.lastError = ""
}

// SetDisconnected flags that a resume will be required before state can be
// trusted again.
func (s *Store) SetDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusDisconnected
	s.recoveryRequired = true
	s.lastDisconnectAt = s.clock.Now()
}

// SetReconnecting bumps the attempt counter.
func (s *Store) SetReconnecting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusReconnecting
	s.reconnectAttempts++
}

// SetRecovering marks the resume in progress.
func (s *Store) SetRecovering() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusRecovering
}

// SetDegraded stores the failure and signals manual-retry UX.
func (s *Store) SetDegraded(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusDegraded
	s.lastError = reason
}

// RecoveryDone flips recovering back to connected.
func (s *Store) RecoveryDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusConnected
	s.recoveryRequired = false
}

// SetError records an operation failure for the UI without touching the
// connection status.
func (s *Store) SetError(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = reason
}

// LastError returns the stored failure message, if any.
func (s *Store) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// RecoveryRequired reports whether a resume is pending.
func (s *Store) RecoveryRequired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoveryRequired
}

// ReconnectAttempts returns the current attempt counter.
func (s *Store) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectAttempts
}

// SessionID returns the current transport session id.
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// AllocateSeq returns the next client sequence: strictly increasing from
// 1, and never behind the server's sequence, so a fresh op after applied
// broadcasts is stamped past them.
func (s *Store) AllocateSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocateSeqLocked()
}

func (s *Store) allocateSeqLocked() uint64 {
	next := s.nextSeq + 1
	if s.lastServerSeq+1 > next {
		next = s.lastServerSeq + 1
	}
	s.nextSeq = next
	return next
}

// LastServerSeq returns the highest server sequence seen.
func (s *Store) LastServerSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServerSeq
}

// MergeServerSeq advances lastServerSeq, never rewinding it.
func (s *Store) MergeServerSeq(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.lastServerSeq {
		s.lastServerSeq = seq
	}
}

// MergeServerAckSeq advances lastServerAckSeq, never rewinding it.
func (s *Store) MergeServerAckSeq(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.lastServerAckSeq {
		s.lastServerAckSeq = seq
	}
}

// LastServerAckSeq returns the highest acked server sequence.
func (s *Store) LastServerAckSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServerAckSeq
}

// MarkAppliedSeq records seq for the participant and returns true only if
// it strictly exceeds the prior value. This is the sole de-duplication
// gate for remote events: duplicated or reordered deliveries return false
// and must not be applied.
func (s *Store) MarkAppliedSeq(participantID string, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.appliedSeq[participantID] {
		return false
	}
	s.appliedSeq[participantID] = seq
	return true
}

// AppliedSeq returns the highest applied sequence for a participant.
func (s *Store) AppliedSeq(participantID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appliedSeq[participantID]
}

// EnqueuePendingOp allocates the op's client sequence, stamps it, and
// appends it FIFO. Returns the op with its sequence filled in.
func (s *Store) EnqueuePendingOp(op PendingOp) PendingOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	op.Seq = s.allocateSeqLocked()
	op.CreatedAt = s.clock.Now()
	s.pending = append(s.pending, op)
	return op
}

// MarkOpAcked removes the pending op and advances the server sequence
// bookkeeping. Returns false when the op id is unknown (already acked).
func (s *Store) MarkOpAcked(opID string, serverSeq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, op := range s.pending {
		if op.OpID == opID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			if serverSeq > s.lastServerSeq {
				s.lastServerSeq = serverSeq
			}
			if serverSeq > s.lastServerAckSeq {
				s.lastServerAckSeq = serverSeq
			}
			return true
		}
	}
	return false
}

// MarkOpRetry increments the retry counter of the pending op in place.
func (s *Store) MarkOpRetry(opID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pending {
		if s.pending[i].OpID == opID {
			s.pending[i].RetryCount++
			return
		}
	}
}

// PendingOps returns a snapshot of the queue in FIFO order.
func (s *Store) PendingOps() []PendingOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingOp, len(s.pending))
	copy(out, s.pending)
	return out
}
