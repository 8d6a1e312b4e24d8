package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/J511Y/share-paint-sub000/internal/battle"
	"github.com/J511Y/share-paint-sub000/internal/idempotency"
	"github.com/J511Y/share-paint-sub000/internal/protocol"
)

// ChatMessage is one applied chat line.
type ChatMessage struct {
	UserID  string
	Name    string
	Message string
	Seq     uint64
}

// View is the client's applied picture of the room, reconciled against
// server broadcasts. Safe to copy.
type View struct {
	Status       battle.RoomStatus
	Topic        string
	TimeLeft     int
	Participants map[string]battle.Participant
	Chat         []ChatMessage
	Paintings    []battle.Painting
	Winner       string
}

// BattleOptions tunes the controller's ack handling.
type BattleOptions struct {
	AckTimeout   time.Duration
	Retry        int
	Backoff      time.Duration
	LeaveTimeout time.Duration
}

// DefaultBattleOptions returns the default ack tuning.
func DefaultBattleOptions() BattleOptions {
	return BattleOptions{
		AckTimeout:   5 * time.Second,
		Retry:        2,
		Backoff:      250 * time.Millisecond,
		LeaveTimeout: time.Second,
	}
}

// Battle is the per-room client controller: it loads initial state,
// applies broadcasts through the store's sequence gate, exposes
// ack-confirmed user actions, and drives the resume protocol on
// (re)connect.
type Battle struct {
	battleID string
	userID   string
	name     string

	store   *Store
	emitter *Emitter
	conn    *WSConn
	monitor *Monitor
	echoes  *idempotency.Tracker
	clock   clockwork.Clock
	opts    BattleOptions

	mu            sync.Mutex
	view          View
	ballots       map[string]string // voterID -> paintingUserID, mirrors the server's ballot moves
	countdownStop chan struct{}

	// OnChange, when set, fires after every applied state change.
	OnChange func()
}

// NewBattle wires a controller over its transport. Call Connect to dial.
func NewBattle(battleID, userID, name string, conn *WSConn, clock clockwork.Clock, opts BattleOptions) *Battle {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	store := NewStore(clock)
	b := &Battle{
		battleID: battleID,
		userID:   userID,
		name:     name,
		store:    store,
		emitter:  NewEmitter(conn, clock),
		conn:     conn,
		monitor:  NewMonitor(store),
		echoes:   idempotency.NewTracker(2*time.Minute, 1024, clock),
		clock:    clock,
		opts:     opts,
	}
	b.view.Participants = make(map[string]battle.Participant)
	b.view.Status = battle.RoomStatusWaiting
	b.ballots = make(map[string]string)

	conn.OnConnect = b.handleConnect
	conn.OnDisconnect = b.monitor.OnDisconnect
	conn.OnReconnectAttempt = b.monitor.OnReconnectAttempt
	conn.OnGiveUp = b.monitor.OnReconnectGiveUp
	conn.OnEvent = b.ApplyBroadcast
	conn.OnRecovery = func(snap protocol.RecoverySnapshot) { go b.applyRecovery(context.Background(), snap) }
	return b
}

// Store exposes the collaboration state store (status, errors, seqs).
func (b *Battle) Store() *Store { return b.store }

// Connect dials the transport; the connect handler then runs the join and
// resume sequence.
func (b *Battle) Connect(ctx context.Context) error {
	return b.conn.Dial(ctx)
}

// Snapshot returns a copy of the applied view.
func (b *Battle) Snapshot() View {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.view
	v.Participants = make(map[string]battle.Participant, len(b.view.Participants))
	for id, p := range b.view.Participants {
		v.Participants[id] = p
	}
	v.Chat = append([]ChatMessage(nil), b.view.Chat...)
	v.Paintings = append([]battle.Painting(nil), b.view.Paintings...)
	return v
}

// handleConnect runs on every (re)connect: mark connected, then join and,
// when there is history to catch up on, request a recovery snapshot.
func (b *Battle) handleConnect(sessionID string) {
	b.monitor.OnConnect(sessionID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := b.joinAndResume(ctx); err != nil {
			b.store.SetDegraded(err.Error())
			log.Error().Err(err).Str("battle_id", b.battleID).Msg("join/resume failed")
		}
	}()
}

func (b *Battle) joinAndResume(ctx context.Context) error {
	lastSeq := b.store.LastServerSeq()

	if _, err := b.do(ctx, protocol.EventJoin, protocol.JoinPayload{
		UserID: b.userID,
		Name:   b.name,
	}); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	if lastSeq > 0 {
		b.store.SetRecovering()
		payload, _ := json.Marshal(protocol.ResumePayload{
			BattleID:   b.battleID,
			LastSeq:    lastSeq,
			LastAckSeq: b.store.LastServerAckSeq(),
		})
		env := b.envelope(protocol.EventResume, payload, uuid.New().String(), b.nextEnvelopeSeq())
		if _, err := b.emitter.EmitWithAck(ctx, env, Options{
			Timeout: b.opts.AckTimeout,
			Retry:   b.opts.Retry,
			Backoff: b.opts.Backoff,
		}); err != nil {
			return fmt.Errorf("resume request: %w", err)
		}
		// The snapshot arrives as a pushed recovery frame; applyRecovery
		// finishes the transition to connected.
	}
	return nil
}

// applyRecovery applies a pushed recovery snapshot: participant canvases
// directly (a snapshot supersedes history), missed events through the
// normal gated path, then the countdown and the pending-op flush. Any
// failure degrades the store instead of resuming into an inconsistent
// state.
func (b *Battle) applyRecovery(ctx context.Context, snap protocol.RecoverySnapshot) {
	b.store.SetRecovering()

	if err := b.recover(ctx, snap); err != nil {
		b.store.SetDegraded(err.Error())
		log.Error().Err(err).Str("battle_id", b.battleID).Msg("recovery failed")
		return
	}

	b.store.RecoveryDone()
	b.changed()
	log.Info().
		Str("battle_id", b.battleID).
		Uint64("server_seq", snap.ServerSeq).
		Int("missed_events", len(snap.MissedEvents)).
		Msg("recovery complete")
}

func (b *Battle) recover(ctx context.Context, snap protocol.RecoverySnapshot) error {
	if snap.BattleID != b.battleID {
		return fmt.Errorf("recovery snapshot for wrong battle %s", snap.BattleID)
	}

	b.mu.Lock()
	for userID, canvas := range snap.SnapshotByUser {
		p := b.view.Participants[userID]
		p.UserID = userID
		p.CanvasData = canvas
		b.view.Participants[userID] = p
	}
	b.mu.Unlock()

	for _, ev := range snap.MissedEvents {
		b.ApplyBroadcast(ev)
	}

	b.store.MergeServerSeq(snap.ServerSeq)

	b.mu.Lock()
	b.view.TimeLeft = snap.TimeLeft
	running := b.view.Status == battle.RoomStatusInProgress && snap.TimeLeft > 0
	b.mu.Unlock()
	if running {
		go b.startCountdown()
	}

	for _, op := range b.store.PendingOps() {
		env := protocol.Envelope{
			V:        protocol.ProtocolVersion,
			Event:    protocol.EventType(op.Event),
			BattleID: op.BattleID,
			OpID:     op.OpID,
			AckID:    op.AckID,
			Seq:      op.Seq,
			ClientTs: b.clock.Now().UnixMilli(),
			Payload:  op.Payload,
		}
		ack, err := b.emitter.EmitWithAck(ctx, env, Options{
			Timeout: b.opts.AckTimeout,
			Retry:   b.opts.Retry,
			Backoff: b.opts.Backoff,
			OnRetry: b.store.MarkOpRetry,
		})
		if err != nil {
			return fmt.Errorf("replay pending op %s: %w", op.OpID, err)
		}
		b.store.MarkOpAcked(op.OpID, ack.Seq)
	}
	return nil
}

// Ready toggles this client's ready flag, ack-confirmed.
func (b *Battle) Ready(ctx context.Context, isReady bool) error {
	_, err := b.do(ctx, protocol.EventReady, protocol.ReadyPayload{UserID: b.userID, IsReady: isReady})
	return err
}

// Chat sends a chat line, ack-confirmed.
func (b *Battle) Chat(ctx context.Context, message string) error {
	_, err := b.do(ctx, protocol.EventChat, protocol.ChatPayload{UserID: b.userID, Message: message})
	return err
}

// Vote casts (or moves) this client's ballot, ack-confirmed.
func (b *Battle) Vote(ctx context.Context, paintingUserID string) error {
	_, err := b.do(ctx, protocol.EventVote, protocol.VotePayload{VoterID: b.userID, PaintingUserID: paintingUserID})
	return err
}

// Start asks the server to start the battle; only the host succeeds.
func (b *Battle) Start(ctx context.Context) error {
	_, err := b.do(ctx, protocol.EventStart, struct{}{})
	return err
}

// Leave is best-effort: short timeout, no retry, failure swallowed. Used
// on unmount.
func (b *Battle) Leave(ctx context.Context) {
	payload, _ := json.Marshal(protocol.LeavePayload{UserID: b.userID})
	env := b.envelope(protocol.EventLeave, payload, uuid.New().String(), b.nextEnvelopeSeq())
	if _, err := b.emitter.EmitWithAck(ctx, env, Options{Timeout: b.opts.LeaveTimeout}); err != nil {
		log.Debug().Err(err).Msg("best-effort leave failed")
	}
	b.stopCountdown()
}

// do enqueues a pending op, sends it with ack-and-retry, and clears it on
// success. Failures land in the store's error state as well as the return
// so render paths never need to catch.
func (b *Battle) do(ctx context.Context, event protocol.EventType, payload any) (*protocol.Ack, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}

	op := b.store.EnqueuePendingOp(PendingOp{
		BattleID: b.battleID,
		OpID:     uuid.New().String(),
		AckID:    uuid.New().String(),
		Event:    string(event),
		Payload:  data,
	})

	env := b.envelope(event, data, op.OpID, op.Seq)
	env.AckID = op.AckID

	ack, err := b.emitter.EmitWithAck(ctx, env, Options{
		Timeout: b.opts.AckTimeout,
		Retry:   b.opts.Retry,
		Backoff: b.opts.Backoff,
		OnRetry: b.store.MarkOpRetry,
	})
	if err != nil {
		b.store.SetError(err.Error())
		return nil, err
	}
	b.store.MarkOpAcked(op.OpID, ack.Seq)
	return ack, nil
}

func (b *Battle) envelope(event protocol.EventType, payload []byte, opID string, seq uint64) protocol.Envelope {
	return protocol.Envelope{
		V:        protocol.ProtocolVersion,
		Event:    event,
		BattleID: b.battleID,
		OpID:     opID,
		Seq:      seq,
		ClientTs: b.clock.Now().UnixMilli(),
		Payload:  payload,
	}
}

func (b *Battle) nextEnvelopeSeq() uint64 {
	return b.store.AllocateSeq()
}

// ApplyBroadcast feeds one server event through the de-duplication gates
// and into the view. Order is resolved by sequence comparison, never by
// arrival order.
func (b *Battle) ApplyBroadcast(ev protocol.BroadcastEvent) {
	// Duplicate-delivery window: a replayed event that already arrived
	// live (resume overlap) is collapsed here before the seq gate.
	echoKey := fmt.Sprintf("%s:%d", ev.Event, ev.Seq)
	if res := b.echoes.CheckAndMark(echoKey); res.Duplicate {
		return
	}

	gateID, apply, err := b.decode(ev)
	if err != nil {
		log.Warn().Err(err).Str("event", string(ev.Event)).Msg("dropping undecodable broadcast")
		return
	}

	if ev.Seq > 0 && !b.store.MarkAppliedSeq(gateID, ev.Seq) {
		return // stale or repeated
	}
	b.store.MergeServerSeq(ev.Seq)

	b.mu.Lock()
	apply()
	b.mu.Unlock()
	b.changed()
}

// decode resolves the gate key (the participant the event belongs to, or
// the room scope for lifecycle events) and the apply closure for one
// broadcast.
func (b *Battle) decode(ev protocol.BroadcastEvent) (string, func(), error) {
	switch ev.Event {
	case protocol.EventJoin:
		var p protocol.JoinBroadcast
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return "", nil, err
		}
		return p.User.UserID, func() {
			b.view.Participants[p.User.UserID] = p.User
		}, nil

	case protocol.EventLeave:
		var p protocol.LeavePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return "", nil, err
		}
		return p.UserID, func() {
			delete(b.view.Participants, p.UserID)
		}, nil

	case protocol.EventReady:
		var p protocol.ReadyPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return "", nil, err
		}
		return p.UserID, func() {
			if participant, ok := b.view.Participants[p.UserID]; ok {
				participant.IsReady = p.IsReady
				b.view.Participants[p.UserID] = participant
			}
		}, nil

	case protocol.EventCanvasUpdate:
		var p protocol.CanvasUpdatePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return "", nil, err
		}
		return p.UserID, func() {
			participant := b.view.Participants[p.UserID]
			participant.UserID = p.UserID
			participant.CanvasData = p.ImageData
			b.view.Participants[p.UserID] = participant
		}, nil

	case protocol.EventChat:
		var p protocol.ChatPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return "", nil, err
		}
		return p.UserID, func() {
			b.view.Chat = append(b.view.Chat, ChatMessage{
				UserID: p.UserID, Name: p.Name, Message: p.Message, Seq: ev.Seq,
			})
		}, nil

	case protocol.EventVote:
		var p protocol.VotePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return "", nil, err
		}
		return p.VoterID, func() {
			// The server moves a ballot rather than stacking it; mirror
			// that here or tallies drift from authoritative state.
			if prev, ok := b.ballots[p.VoterID]; ok && prev != p.PaintingUserID {
				if prevTarget, ok := b.view.Participants[prev]; ok {
					prevTarget.Votes--
					b.view.Participants[prev] = prevTarget
				}
			}
			b.ballots[p.VoterID] = p.PaintingUserID
			if target, ok := b.view.Participants[p.PaintingUserID]; ok {
				target.Votes++
				b.view.Participants[p.PaintingUserID] = target
			}
		}, nil

	case protocol.EventStart:
		var p protocol.StartBroadcast
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return "", nil, err
		}
		return "", func() {
			b.view.Status = battle.RoomStatusInProgress
			b.view.Topic = p.Topic
			b.view.TimeLeft = p.Duration
			if p.Duration > 0 {
				go b.startCountdown()
			}
		}, nil

	case protocol.EventTimerSync:
		var p protocol.TimerSyncBroadcast
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return "", nil, err
		}
		return "", func() {
			b.view.TimeLeft = p.TimeLeft
		}, nil

	case protocol.EventFinish:
		var p protocol.FinishBroadcast
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return "", nil, err
		}
		return "", func() {
			b.view.Status = battle.RoomStatusFinished
			b.view.TimeLeft = 0
			b.view.Paintings = p.Paintings
			b.view.Winner = p.Winner
			go b.stopCountdown()
		}, nil

	default:
		return "", nil, fmt.Errorf("unknown event %q", ev.Event)
	}
}

// startCountdown runs the client's visual 1-second countdown. The server
// remains authoritative; timer_sync and recovery overwrite TimeLeft.
func (b *Battle) startCountdown() {
	b.mu.Lock()
	if b.countdownStop != nil {
		b.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	b.countdownStop = stop
	b.mu.Unlock()

	ticker := b.clock.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			b.mu.Lock()
			if b.view.TimeLeft > 0 {
				b.view.TimeLeft--
			}
			done := b.view.TimeLeft == 0
			if done && b.countdownStop == stop {
				b.countdownStop = nil
			}
			b.mu.Unlock()
			b.changed()
			if done {
				return
			}
		}
	}
}

func (b *Battle) stopCountdown() {
	b.mu.Lock()
	if b.countdownStop != nil {
		close(b.countdownStop)
		b.countdownStop = nil
	}
	b.mu.Unlock()
}

func (b *Battle) changed() {
	if b.OnChange != nil {
		b.OnChange()
	}
}
