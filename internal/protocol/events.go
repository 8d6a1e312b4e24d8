package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/J511Y/share-paint-sub000/internal/battle"
)

// EventType names an operation or broadcast on the battle wire.
type EventType string

const (
	EventJoin         EventType = "join"
	EventLeave        EventType = "leave"
	EventReady        EventType = "ready"
	EventStart        EventType = "start"
	EventTimerSync    EventType = "timer_sync"
	EventCanvasUpdate EventType = "canvas_update"
	EventChat         EventType = "chat"
	EventFinish       EventType = "finish"
	EventVote         EventType = "vote"
	EventResume       EventType = "resume"
)

// BroadcastEvent is a server→room fan-out frame. Seq is the room's
// monotonic sequence; recipients discard anything at or below what they
// have already applied.
type BroadcastEvent struct {
	Event   EventType       `json:"event"`
	Seq     uint64          `json:"seq"`
	Ts      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// JoinPayload is sent by a joining client and broadcast with the full
// participant on success.
type JoinPayload struct {
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Password  string `json:"password,omitempty"`
}

// JoinBroadcast carries the newly joined participant to the room.
type JoinBroadcast struct {
	User battle.Participant `json:"user"`
}

// LeavePayload identifies a departing participant.
type LeavePayload struct {
	UserID string `json:"userId"`
}

// ReadyPayload toggles a participant's ready flag.
type ReadyPayload struct {
	UserID  string `json:"userId"`
	IsReady bool   `json:"isReady"`
}

// StartBroadcast announces the battle start to the room.
type StartBroadcast struct {
	Topic     string    `json:"topic,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	Duration  int       `json:"duration"` // seconds, 0 = unlimited
}

// TimerSyncBroadcast reconciles client countdowns with the server's.
type TimerSyncBroadcast struct {
	TimeLeft int `json:"timeLeft"`
}

// CanvasUpdatePayload replaces a participant's canvas snapshot.
type CanvasUpdatePayload struct {
	UserID    string `json:"userId"`
	ImageData string `json:"imageData"`
}

// ChatPayload is a room chat line.
type ChatPayload struct {
	UserID  string `json:"userId"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
}

// VotePayload casts or moves a ballot.
type VotePayload struct {
	VoterID        string `json:"voterId"`
	PaintingUserID string `json:"paintingUserId"`
}

// FinishBroadcast is the single results frame sent when a battle ends.
type FinishBroadcast struct {
	BattleID  string            `json:"battleId"`
	Paintings []battle.Painting `json:"paintings"`
	Winner    string            `json:"winner,omitempty"`
}

// ResumePayload asks the server for a recovery snapshot.
type ResumePayload struct {
	BattleID   string `json:"battleId"`
	LastSeq    uint64 `json:"lastSeq"`
	LastAckSeq uint64 `json:"lastAckSeq,omitempty"`
}

// RecoverySnapshot is the server-authoritative catch-up payload pushed to
// a resuming client. Snapshots supersede history; MissedEvents covers only
// what the journal still holds.
type RecoverySnapshot struct {
	BattleID       string            `json:"battleId"`
	SnapshotByUser map[string]string `json:"snapshotByUser"`
	MissedEvents   []BroadcastEvent  `json:"missedEvents"`
	ServerSeq      uint64            `json:"serverSeq"`
	TimeLeft       int               `json:"timeLeft"`
}

// ParsePayload validates an inbound envelope payload against the tagged
// type for its event name before any business logic runs. A structural
// mismatch is a protocol error.
func ParsePayload(event EventType, raw json.RawMessage) (any, error) {
	switch event {
	case EventJoin:
		var p JoinPayload
		if err := unmarshalStrict(raw, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" || p.Name == "" {
			return nil, fmt.Errorf("%w: join requires userId and name", ErrProtocol)
		}
		return p, nil

	case EventLeave:
		var p LeavePayload
		if err := unmarshalStrict(raw, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("%w: leave requires userId", ErrProtocol)
		}
		return p, nil

	case EventReady:
		var p ReadyPayload
		if err := unmarshalStrict(raw, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("%w: ready requires userId", ErrProtocol)
		}
		return p, nil

	case EventStart:
		// No client payload; the server stamps topic and duration.
		return struct{}{}, nil

	case EventCanvasUpdate:
		var p CanvasUpdatePayload
		if err := unmarshalStrict(raw, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("%w: canvas_update requires userId", ErrProtocol)
		}
		return p, nil

	case EventChat:
		var p ChatPayload
		if err := unmarshalStrict(raw, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" || p.Message == "" {
			return nil, fmt.Errorf("%w: chat requires userId and message", ErrProtocol)
		}
		return p, nil

	case EventVote:
		var p VotePayload
		if err := unmarshalStrict(raw, &p); err != nil {
			return nil, err
		}
		if p.VoterID == "" || p.PaintingUserID == "" {
			return nil, fmt.Errorf("%w: vote requires voterId and paintingUserId", ErrProtocol)
		}
		return p, nil

	case EventResume:
		var p ResumePayload
		if err := unmarshalStrict(raw, &p); err != nil {
			return nil, err
		}
		return p, nil

	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrProtocol, event)
	}
}

func unmarshalStrict(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrProtocol)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}

// ValidateEnvelope checks the structural invariants every inbound envelope
// must satisfy before dispatch.
func ValidateEnvelope(env *Envelope) error {
	if env.V != ProtocolVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrProtocol, env.V)
	}
	if env.Event == "" {
		return fmt.Errorf("%w: missing event", ErrProtocol)
	}
	if env.BattleID == "" {
		return fmt.Errorf("%w: missing battleId", ErrProtocol)
	}
	if env.OpID == "" {
		return fmt.Errorf("%w: missing opId", ErrProtocol)
	}
	return nil
}
