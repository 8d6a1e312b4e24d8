// Package room implements the authoritative battle room state machine.
// Each room runs as a single actor goroutine draining a typed command
// inbox, so state transitions never interleave and no per-field locking
// is needed.
package room

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/J511Y/share-paint-sub000/internal/battle"
	"github.com/J511Y/share-paint-sub000/internal/events"
	"github.com/J511Y/share-paint-sub000/internal/idempotency"
	"github.com/J511Y/share-paint-sub000/internal/protocol"
	"github.com/J511Y/share-paint-sub000/internal/repository"
)

// Store is the persistent side of room state the actor reconciles with.
type Store interface {
	GetRoom(ctx context.Context, id uuid.UUID) (*battle.Room, error)
	UpdateRoomStatus(ctx context.Context, id uuid.UUID, req repository.UpdateRoomStatusRequest) error
}

// Broadcaster fans a room event out to every connected client of the room.
type Broadcaster interface {
	BroadcastToRoom(roomID uuid.UUID, ev protocol.BroadcastEvent)
}

// Config holds per-room tunables.
type Config struct {
	IdempotencyTTL   time.Duration
	IdempotencyMax   int
	TimerSyncEverySec int
	GracePeriod      time.Duration
	StoreTimeout     time.Duration
}

// DefaultConfig returns default room configuration.
func DefaultConfig() Config {
	return Config{
		IdempotencyTTL:    2 * time.Minute,
		IdempotencyMax:    4096,
		TimerSyncEverySec: 10,
		GracePeriod:       5 * time.Minute,
		StoreTimeout:      5 * time.Second,
	}
}

// Room is one battle room actor. All fields below inbox are owned by the
// actor goroutine.
type Room struct {
	ID    uuid.UUID
	inbox chan Command

	state        battle.Room
	participants map[string]*battle.Participant
	order        []string          // join order
	ballots      map[string]string // voterID -> paintingUserID
	seq          uint64
	remaining    int
	ticker       clockwork.Ticker
	journal      *journal
	idem         *idempotency.Tracker
	emptySince   time.Time
	finishedAt   time.Time

	store       Store
	bus         events.Publisher
	broadcaster Broadcaster
	clock       clockwork.Clock
	config      Config
}

// New creates a room actor around a loaded durable record and starts its
// goroutine.
func New(ctx context.Context, state battle.Room, deps Deps) *Room {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Bus == nil {
		deps.Bus = events.NopPublisher{}
	}
	r := &Room{
		ID:           state.ID,
		inbox:        make(chan Command, 64),
		state:        state,
		participants: make(map[string]*battle.Participant),
		ballots:      make(map[string]string),
		journal:      newJournal(),
		idem:         idempotency.NewTracker(deps.Config.IdempotencyTTL, deps.Config.IdempotencyMax, deps.Clock),
		emptySince:   deps.Clock.Now(),
		store:        deps.Store,
		bus:          deps.Bus,
		broadcaster:  deps.Broadcaster,
		clock:        deps.Clock,
		config:       deps.Config,
	}
	go r.run(ctx)
	return r
}

// Deps carries a room's collaborators.
type Deps struct {
	Store       Store
	Bus         events.Publisher
	Broadcaster Broadcaster
	Clock       clockwork.Clock
	Config      Config
}

// Inbox is the actor's command channel.
func (r *Room) Inbox() chan<- Command { return r.inbox }

func (r *Room) run(ctx context.Context) {
	defer func() {
		if r.ticker != nil {
			r.ticker.Stop()
		}
	}()

	for {
		var tickCh <-chan time.Time
		if r.ticker != nil {
			tickCh = r.ticker.Chan()
		}

		select {
		case <-ctx.Done():
			return

		case <-tickCh:
			r.handleTick(ctx)

		case cmd := <-r.inbox:
			switch c := cmd.(type) {
			case Op:
				c.Reply <- r.handleOp(ctx, c)
			case Resume:
				c.Reply <- r.buildRecoverySnapshot(c.Payload.LastSeq)
			case GetInfo:
				c.Reply <- r.info()
			case Shutdown:
				return
			}
		}
	}
}

// handleOp applies one client operation. Redeliveries of an already
// accepted op id are acked ok without reapplying. Panics in handlers are
// contained so a bad message can never take the process down.
func (r *Room) handleOp(ctx context.Context, op Op) (ack protocol.Ack) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Str("room_id", r.ID.String()).
				Str("event", string(op.Env.Event)).
				Msg("room handler panicked")
			ack = protocol.AckErr(op.Env.OpID, op.Env.AckID, protocol.CodeInternalError, "internal error", false, r.clock.Now())
		}
	}()

	// The payload names who it acts as; the connection layer says who sent
	// it. A mismatch is impersonation, rejected before the idempotency
	// window so the key stays free for the honest sender.
	if claimed := payloadSender(op.Payload); claimed != "" && claimed != op.UserID {
		return protocol.AckErr(op.Env.OpID, op.Env.AckID, protocol.CodeForbidden, "payload user does not match sender", false, r.clock.Now())
	}

	key := op.Env.BattleID + "/" + op.Env.OpID
	if res := r.idem.CheckAndMark(key); res.Duplicate {
		log.Debug().
			Str("room_id", r.ID.String()).
			Str("op_id", op.Env.OpID).
			Msg("duplicate op delivery collapsed")
		return protocol.AckOK(op.Env.OpID, op.Env.AckID, r.seq, r.clock.Now())
	}
	defer func() {
		// A retryable failure must be reprocessed on redelivery, not
		// collapsed into a stale ok.
		if !ack.OK && ack.Retryable {
			r.idem.Forget(key)
		}
	}()

	switch p := op.Payload.(type) {
	case protocol.JoinPayload:
		return r.handleJoin(op.Env, p)
	case protocol.LeavePayload:
		return r.handleLeave(op.Env, p)
	case protocol.ReadyPayload:
		return r.handleReady(op.Env, p)
	case protocol.ChatPayload:
		return r.handleChat(op.Env, p)
	case protocol.CanvasUpdatePayload:
		return r.handleCanvasUpdate(op.Env, p)
	case protocol.VotePayload:
		return r.handleVote(op.Env, p)
	case struct{}:
		if op.Env.Event == protocol.EventStart {
			return r.handleStart(ctx, op.Env, op.UserID)
		}
	}
	return protocol.AckErr(op.Env.OpID, op.Env.AckID, protocol.CodeBadRequest, "unhandled event", false, r.clock.Now())
}

// payloadSender returns the user a payload claims to act as.
func payloadSender(payload any) string {
	switch p := payload.(type) {
	case protocol.JoinPayload:
		return p.UserID
	case protocol.LeavePayload:
		return p.UserID
	case protocol.ReadyPayload:
		return p.UserID
	case protocol.ChatPayload:
		return p.UserID
	case protocol.CanvasUpdatePayload:
		return p.UserID
	case protocol.VotePayload:
		return p.VoterID
	}
	return ""
}

func (r *Room) handleJoin(env protocol.Envelope, p protocol.JoinPayload) protocol.Ack {
	now := r.clock.Now()

	if existing, ok := r.participants[p.UserID]; ok {
		// Rejoin after a silent reconnect: no new broadcast, the resume
		// path brings the client up to date.
		existing.Name = p.Name
		return protocol.AckOK(env.OpID, env.AckID, r.seq, now)
	}

	if r.state.Status == battle.RoomStatusFinished {
		return protocol.AckErr(env.OpID, env.AckID, protocol.CodeBadRequest, "battle already finished", false, now)
	}
	if len(r.participants) >= r.state.MaxParticipants {
		return protocol.AckErr(env.OpID, env.AckID, protocol.CodeRoomFull, "room is full", false, now)
	}
	if r.state.Private && !passwordMatches(r.state.PasswordHash, p.Password) {
		return protocol.AckErr(env.OpID, env.AckID, protocol.CodeInvalidPassword, "invalid password", false, now)
	}

	participant := &battle.Participant{
		UserID:    p.UserID,
		Name:      p.Name,
		AvatarURL: p.AvatarURL,
		IsHost:    p.UserID == r.state.HostID,
		JoinedAt:  now,
	}
	r.participants[p.UserID] = participant
	r.order = append(r.order, p.UserID)
	r.emptySince = time.Time{}

	seq := r.broadcast(protocol.EventJoin, protocol.JoinBroadcast{User: *participant})
	participant.LastAppliedSeq = seq
	log.Info().
		Str("room_id", r.ID.String()).
		Str("user_id", p.UserID).
		Int("participants", len(r.participants)).
		Msg("participant joined")
	return protocol.AckOK(env.OpID, env.AckID, seq, now)
}

func (r *Room) handleLeave(env protocol.Envelope, p protocol.LeavePayload) protocol.Ack {
	now := r.clock.Now()
	if _, ok := r.participants[p.UserID]; !ok {
		return protocol.AckOK(env.OpID, env.AckID, r.seq, now)
	}

	delete(r.participants, p.UserID)
	for i, id := range r.order {
		if id == p.UserID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if len(r.participants) == 0 {
		r.emptySince = now
	}

	seq := r.broadcast(protocol.EventLeave, protocol.LeavePayload{UserID: p.UserID})
	log.Info().
		Str("room_id", r.ID.String()).
		Str("user_id", p.UserID).
		Msg("participant left")
	return protocol.AckOK(env.OpID, env.AckID, seq, now)
}

func (r *Room) handleReady(env protocol.Envelope, p protocol.ReadyPayload) protocol.Ack {
	now := r.clock.Now()
	participant, ok := r.participants[p.UserID]
	if !ok {
		return protocol.AckErr(env.OpID, env.AckID, protocol.CodeNotFound, "not a participant", false, now)
	}
	participant.IsReady = p.IsReady
	seq := r.broadcast(protocol.EventReady, p)
	participant.LastAppliedSeq = seq
	return protocol.AckOK(env.OpID, env.AckID, seq, now)
}

func (r *Room) handleChat(env protocol.Envelope, p protocol.ChatPayload) protocol.Ack {
	now := r.clock.Now()
	participant, ok := r.participants[p.UserID]
	if !ok {
		return protocol.AckErr(env.OpID, env.AckID, protocol.CodeNotFound, "not a participant", false, now)
	}
	p.Name = participant.Name
	seq := r.broadcast(protocol.EventChat, p)
	participant.LastAppliedSeq = seq
	return protocol.AckOK(env.OpID, env.AckID, seq, now)
}

func (r *Room) handleCanvasUpdate(env protocol.Envelope, p protocol.CanvasUpdatePayload) protocol.Ack {
	now := r.clock.Now()
	participant, ok := r.participants[p.UserID]
	if !ok {
		return protocol.AckErr(env.OpID, env.AckID, protocol.CodeNotFound, "not a participant", false, now)
	}

	// The server keeps the latest snapshot so resuming and late-joining
	// clients get current state without replaying the full stroke history.
	participant.CanvasData = p.ImageData
	seq := r.broadcast(protocol.EventCanvasUpdate, p)
	participant.LastAppliedSeq = seq
	return protocol.AckOK(env.OpID, env.AckID, seq, now)
}

func (r *Room) handleVote(env protocol.Envelope, p protocol.VotePayload) protocol.Ack {
	now := r.clock.Now()
	if r.state.Status == battle.RoomStatusWaiting {
		return protocol.AckErr(env.OpID, env.AckID, protocol.CodeBadRequest, "battle has not started", false, now)
	}
	if _, ok := r.participants[p.VoterID]; !ok {
		return protocol.AckErr(env.OpID, env.AckID, protocol.CodeForbidden, "voter is not a participant", false, now)
	}
	target, ok := r.participants[p.PaintingUserID]
	if !ok {
		return protocol.AckErr(env.OpID, env.AckID, protocol.CodeNotFound, "painting not found", false, now)
	}
	if p.VoterID == p.PaintingUserID {
		return protocol.AckErr(env.OpID, env.AckID, protocol.CodeValidationError, "cannot vote for own painting", false, now)
	}

	if prev, voted := r.ballots[p.VoterID]; voted {
		if prev == p.PaintingUserID {
			return protocol.AckOK(env.OpID, env.AckID, r.seq, now)
		}
		if prevTarget, ok := r.participants[prev]; ok {
			prevTarget.Votes--
		}
	}
	r.ballots[p.VoterID] = p.PaintingUserID
	target.Votes++

	seq := r.broadcast(protocol.EventVote, p)
	if voter, ok := r.participants[p.VoterID]; ok {
		voter.LastAppliedSeq = seq
	}
	return protocol.AckOK(env.OpID, env.AckID, seq, now)
}

func (r *Room) handleStart(ctx context.Context, env protocol.Envelope, senderID string) protocol.Ack {
	now := r.clock.Now()
	if r.state.HostID == "" || senderID != r.state.HostID {
		return protocol.AckErr(env.OpID, env.AckID, protocol.CodeForbidden, "only the host can start", false, now)
	}
	if _, ok := r.participants[r.state.HostID]; !ok {
		return protocol.AckErr(env.OpID, env.AckID, protocol.CodeForbidden, "host not present", false, now)
	}
	if r.state.Status != battle.RoomStatusWaiting {
		return protocol.AckErr(env.OpID, env.AckID, protocol.CodeBadRequest, "battle already started", false, now)
	}

	// The persistent store is authoritative for the time limit; re-read it
	// rather than trusting the copy loaded at registry time.
	storeCtx, cancel := context.WithTimeout(ctx, r.config.StoreTimeout)
	defer cancel()
	durable, err := r.store.GetRoom(storeCtx, r.ID)
	if err != nil {
		log.Error().Err(err).Str("room_id", r.ID.String()).Msg("failed to load room for start")
		return protocol.AckErr(env.OpID, env.AckID, protocol.CodeInternalError, "failed to load room", true, now)
	}

	startedAt := now.UTC()
	if err := r.store.UpdateRoomStatus(storeCtx, r.ID, repository.UpdateRoomStatusRequest{
		Status:    battle.RoomStatusInProgress,
		StartedAt: &startedAt,
	}); err != nil {
		log.Error().Err(err).Str("room_id", r.ID.String()).Msg("failed to persist start transition")
		return protocol.AckErr(env.OpID, env.AckID, protocol.CodeInternalError, "failed to persist start", true, now)
	}

	r.state.Status = battle.RoomStatusInProgress
	r.state.TimeLimitSec = durable.TimeLimitSec
	r.state.StartedAt = &startedAt
	r.remaining = durable.TimeLimitSec
	if r.remaining > 0 {
		r.ticker = r.clock.NewTicker(time.Second)
	}

	seq := r.broadcast(protocol.EventStart, protocol.StartBroadcast{
		Topic:     r.state.Topic,
		StartedAt: startedAt,
		Duration:  durable.TimeLimitSec,
	})

	if err := r.bus.Publish(ctx, "started", r.ID.String(), protocol.StartBroadcast{
		Topic:     r.state.Topic,
		StartedAt: startedAt,
		Duration:  durable.TimeLimitSec,
	}); err != nil {
		log.Warn().Err(err).Str("room_id", r.ID.String()).Msg("failed to publish start event")
	}

	log.Info().
		Str("room_id", r.ID.String()).
		Int("duration_sec", durable.TimeLimitSec).
		Msg("battle started")
	return protocol.AckOK(env.OpID, env.AckID, seq, now)
}

func (r *Room) handleTick(ctx context.Context) {
	if r.state.Status != battle.RoomStatusInProgress {
		return
	}

	r.remaining--
	if r.remaining > 0 {
		if r.config.TimerSyncEverySec > 0 && r.remaining%r.config.TimerSyncEverySec == 0 {
			r.broadcast(protocol.EventTimerSync, protocol.TimerSyncBroadcast{TimeLeft: r.remaining})
		}
		return
	}

	r.finish(ctx)
}

// finish flips the room to finished, persists the transition, and
// broadcasts exactly one results frame with every participant's final
// snapshot, current tallies, and the winner (empty on a tie or no votes).
func (r *Room) finish(ctx context.Context) {
	r.ticker.Stop()
	r.ticker = nil
	r.remaining = 0

	now := r.clock.Now()
	finishedAt := now.UTC()
	r.state.Status = battle.RoomStatusFinished
	r.state.FinishedAt = &finishedAt
	r.finishedAt = now

	storeCtx, cancel := context.WithTimeout(ctx, r.config.StoreTimeout)
	defer cancel()
	if err := r.store.UpdateRoomStatus(storeCtx, r.ID, repository.UpdateRoomStatusRequest{
		Status:     battle.RoomStatusFinished,
		FinishedAt: &finishedAt,
	}); err != nil {
		// The timer is the authority; the durable record catches up on the
		// next transition or is reconciled offline.
		log.Error().Err(err).Str("room_id", r.ID.String()).Msg("failed to persist finish transition")
	}

	results := protocol.FinishBroadcast{
		BattleID:  r.ID.String(),
		Paintings: r.paintings(),
		Winner:    r.winner(),
	}
	r.broadcast(protocol.EventFinish, results)

	if err := r.bus.Publish(ctx, "finished", r.ID.String(), results); err != nil {
		log.Warn().Err(err).Str("room_id", r.ID.String()).Msg("failed to publish finish event")
	}

	log.Info().
		Str("room_id", r.ID.String()).
		Int("paintings", len(results.Paintings)).
		Msg("battle finished")
}

// paintings builds the result entries in join order.
func (r *Room) paintings() []battle.Painting {
	out := make([]battle.Painting, 0, len(r.order))
	for _, id := range r.order {
		p, ok := r.participants[id]
		if !ok {
			continue
		}
		out = append(out, battle.Painting{
			UserID:    p.UserID,
			Name:      p.Name,
			ImageData: p.CanvasData,
			Votes:     p.Votes,
		})
	}
	return out
}

// winner returns the user id with the most votes, or "" on a tie or when
// nobody has votes.
func (r *Room) winner() string {
	best, bestVotes, tied := "", 0, false
	for _, id := range r.order {
		p := r.participants[id]
		if p.Votes > bestVotes {
			best, bestVotes, tied = p.UserID, p.Votes, false
		} else if p.Votes == bestVotes && p.Votes > 0 {
			tied = true
		}
	}
	if bestVotes == 0 || tied {
		return ""
	}
	return best
}

// broadcast assigns the next room sequence, journals the event, and fans
// it out. Returns the assigned sequence.
func (r *Room) broadcast(event protocol.EventType, payload any) uint64 {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event", string(event)).Msg("failed to marshal broadcast payload")
		return r.seq
	}

	r.seq++
	ev := protocol.BroadcastEvent{
		Event:   event,
		Seq:     r.seq,
		Ts:      r.clock.Now(),
		Payload: data,
	}
	r.journal.append(ev)
	if r.broadcaster != nil {
		r.broadcaster.BroadcastToRoom(r.ID, ev)
	}
	return r.seq
}

// buildRecoverySnapshot assembles the catch-up payload for a resuming
// client: every participant's latest canvas, the journaled events past the
// client's last sequence, the room's sequence, and the countdown.
func (r *Room) buildRecoverySnapshot(lastSeq uint64) protocol.RecoverySnapshot {
	snapshots := make(map[string]string, len(r.participants))
	for id, p := range r.participants {
		if p.CanvasData != "" {
			snapshots[id] = p.CanvasData
		}
	}

	missed := r.journal.since(lastSeq)
	if !r.journal.covers(lastSeq) {
		// The gap predates the ring; snapshots alone carry the state.
		missed = nil
	}

	return protocol.RecoverySnapshot{
		BattleID:       r.ID.String(),
		SnapshotByUser: snapshots,
		MissedEvents:   missed,
		ServerSeq:      r.seq,
		TimeLeft:       r.remaining,
	}
}

func (r *Room) info() Info {
	participants := make([]battle.Participant, 0, len(r.order))
	for _, id := range r.order {
		if p, ok := r.participants[id]; ok {
			participants = append(participants, *p)
		}
	}

	now := r.clock.Now()
	evictable := false
	if !r.emptySince.IsZero() && now.Sub(r.emptySince) > r.config.GracePeriod {
		evictable = true
	}
	if !r.finishedAt.IsZero() && now.Sub(r.finishedAt) > r.config.GracePeriod {
		evictable = true
	}

	info := Info{
		Room:         r.state,
		Participants: participants,
		ServerSeq:    r.seq,
		TimeLeft:     r.remaining,
		Evictable:    evictable,
	}
	if r.state.Status == battle.RoomStatusFinished {
		info.Winner = r.winner()
	}
	return info
}

// HashPassword is the canonical hash for private room passwords.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func passwordMatches(hash, password string) bool {
	if hash == "" {
		return true
	}
	candidate := HashPassword(password)
	return subtle.ConstantTimeCompare([]byte(hash), []byte(candidate)) == 1
}
