package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/J511Y/share-paint-sub000/internal/protocol"
	"github.com/J511Y/share-paint-sub000/internal/repository"
	"github.com/J511Y/share-paint-sub000/internal/room"
)

// handleClientMessage parses one inbound frame as an operation envelope,
// validates it at the wire boundary, and routes it. Every envelope gets
// exactly one ack back on this connection; resume additionally gets a
// pushed recovery frame.
func (c *Connection) handleClientMessage(ctx context.Context, message []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.reply(protocol.AckErr("", "", protocol.CodeBadRequest, "malformed envelope", false, time.Now()))
		return
	}
	if err := protocol.ValidateEnvelope(&env); err != nil {
		c.reply(protocol.AckErr(env.OpID, env.AckID, protocol.CodeBadRequest, err.Error(), false, time.Now()))
		return
	}

	payload, err := protocol.ParsePayload(env.Event, env.Payload)
	if err != nil {
		c.reply(protocol.AckErr(env.OpID, env.AckID, protocol.CodeValidationError, err.Error(), false, time.Now()))
		return
	}

	if env.Event == protocol.EventResume {
		resume := payload.(protocol.ResumePayload)
		snap, err := c.Manager.dispatcher.DispatchResume(ctx, c.UserID, resume)
		if err != nil {
			c.reply(protocol.AckErr(env.OpID, env.AckID, protocol.CodeNotFound, "unknown battle", false, time.Now()))
			return
		}
		c.reply(protocol.AckOK(env.OpID, env.AckID, snap.ServerSeq, time.Now()))
		c.Manager.SendToUser(c.RoomID, c.UserID, protocol.Frame{Type: protocol.FrameRecovery, Recovery: snap})
		return
	}

	ack := c.Manager.dispatcher.DispatchOp(ctx, c.UserID, env, payload)
	c.reply(ack)
}

func (c *Connection) reply(ack protocol.Ack) {
	data, err := json.Marshal(protocol.Frame{Type: protocol.FrameAck, Ack: &ack})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal ack frame")
		return
	}
	if !c.trySend(data) {
		log.Warn().Str("connection_id", c.ID).Msg("connection closed or buffer full, ack dropped")
	}
}

// RoomDispatcher routes envelopes to room actors through the registry.
type RoomDispatcher struct {
	Registry   *room.Registry
	AckTimeout time.Duration
}

// ackTimeoutBounds clamps configured dispatcher timeouts.
var ackTimeoutBounds = protocol.TimeoutBounds{
	Min:     time.Second,
	Max:     30 * time.Second,
	Default: 5 * time.Second,
}

// NewRoomDispatcher creates a dispatcher. The ack timeout is clamped into
// sane bounds; zero picks the default.
func NewRoomDispatcher(registry *room.Registry, ackTimeout time.Duration) *RoomDispatcher {
	resolved, err := protocol.ResolveTimeout(ackTimeout, ackTimeoutBounds)
	if err != nil {
		resolved = ackTimeoutBounds.Default
	}
	return &RoomDispatcher{Registry: registry, AckTimeout: resolved}
}

// DispatchOp forwards one operation to its room actor and waits for the
// ack. An unresponsive actor is reported retryable so the client's
// ack-with-retry path can try again.
func (d *RoomDispatcher) DispatchOp(ctx context.Context, userID string, env protocol.Envelope, payload any) protocol.Ack {
	roomID, err := uuid.Parse(env.BattleID)
	if err != nil {
		return protocol.AckErr(env.OpID, env.AckID, protocol.CodeBadRequest, "invalid battleId", false, time.Now())
	}

	r, err := d.Registry.Ensure(ctx, roomID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return protocol.AckErr(env.OpID, env.AckID, protocol.CodeNotFound, "battle not found", false, time.Now())
		}
		log.Error().Err(err).Str("room_id", env.BattleID).Msg("failed to load room")
		return protocol.AckErr(env.OpID, env.AckID, protocol.CodeInternalError, "failed to load battle", true, time.Now())
	}

	reply := make(chan protocol.Ack, 1)
	select {
	case r.Inbox() <- room.Op{UserID: userID, Env: env, Payload: payload, Reply: reply}:
	case <-time.After(d.AckTimeout):
		return protocol.AckErr(env.OpID, env.AckID, protocol.CodeInternalError, "room busy", true, time.Now())
	case <-ctx.Done():
		return protocol.AckErr(env.OpID, env.AckID, protocol.CodeInternalError, "connection closed", false, time.Now())
	}

	select {
	case ack := <-reply:
		return ack
	case <-time.After(d.AckTimeout):
		return protocol.AckErr(env.OpID, env.AckID, protocol.CodeInternalError, "room did not respond", true, time.Now())
	case <-ctx.Done():
		return protocol.AckErr(env.OpID, env.AckID, protocol.CodeInternalError, "connection closed", false, time.Now())
	}
}

// DispatchResume asks the room actor for a recovery snapshot.
func (d *RoomDispatcher) DispatchResume(ctx context.Context, userID string, p protocol.ResumePayload) (*protocol.RecoverySnapshot, error) {
	roomID, err := uuid.Parse(p.BattleID)
	if err != nil {
		return nil, err
	}
	r, err := d.Registry.Ensure(ctx, roomID)
	if err != nil {
		return nil, err
	}

	reply := make(chan protocol.RecoverySnapshot, 1)
	select {
	case r.Inbox() <- room.Resume{Payload: p, Reply: reply}:
	case <-time.After(d.AckTimeout):
		return nil, errors.New("room busy")
	}

	select {
	case snap := <-reply:
		return &snap, nil
	case <-time.After(d.AckTimeout):
		return nil, errors.New("room did not respond")
	}
}
