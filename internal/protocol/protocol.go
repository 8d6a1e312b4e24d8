package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ProtocolVersion is the envelope version this build speaks.
const ProtocolVersion = 1

// ErrProtocol marks structural wire failures (malformed frames or acks).
// These are version-mismatch signals and are never retried.
var ErrProtocol = errors.New("protocol error")

// ErrCode is the closed business error enum carried by acks.
type ErrCode string

const (
	CodeAuthRequired    ErrCode = "AUTH_REQUIRED"
	CodeForbidden       ErrCode = "FORBIDDEN"
	CodeNotFound        ErrCode = "NOT_FOUND"
	CodeBadRequest      ErrCode = "BAD_REQUEST"
	CodeValidationError ErrCode = "VALIDATION_ERROR"
	CodeRoomFull        ErrCode = "ROOM_FULL"
	CodeInvalidPassword ErrCode = "INVALID_PASSWORD"
	CodeRateLimited     ErrCode = "RATE_LIMITED"
	CodeInternalError   ErrCode = "INTERNAL_ERROR"
)

// Envelope is the client→server message wrapper carrying idempotency and
// ordering metadata. (BattleID, OpID) is unique per client; retries of one
// logical operation reuse the same OpID and Seq.
type Envelope struct {
	V        int             `json:"v"`
	Event    EventType       `json:"event"`
	BattleID string          `json:"battleId"`
	OpID     string          `json:"opId"`
	AckID    string          `json:"ackId,omitempty"`
	Seq      uint64          `json:"seq"`
	ClientTs int64           `json:"clientTs"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Ack is the structured outcome of exactly one envelope.
type Ack struct {
	OK        bool    `json:"ok"`
	OpID      string  `json:"opId,omitempty"`
	AckID     string  `json:"ackId,omitempty"`
	Seq       uint64  `json:"seq,omitempty"`
	Code      ErrCode `json:"code,omitempty"`
	Error     string  `json:"error,omitempty"`
	Retryable bool    `json:"retryable,omitempty"`
	Ts        int64   `json:"ts,omitempty"`
}

// BuildAck normalizes an ack envelope: ids are trimmed and blanked when
// empty, the timestamp is stamped from now.
func BuildAck(ok bool, opID, ackID string, seq uint64, code ErrCode, msg string, retryable bool, now time.Time) Ack {
	return Ack{
		OK:        ok,
		OpID:      strings.TrimSpace(opID),
		AckID:     strings.TrimSpace(ackID),
		Seq:       seq,
		Code:      code,
		Error:     msg,
		Retryable: retryable,
		Ts:        now.UnixMilli(),
	}
}

// AckOK builds a success ack echoing the given ids and sequence.
func AckOK(opID, ackID string, seq uint64, now time.Time) Ack {
	return BuildAck(true, opID, ackID, seq, "", "", false, now)
}

// AckErr builds a failure ack with the given code.
func AckErr(opID, ackID string, code ErrCode, msg string, retryable bool, now time.Time) Ack {
	return BuildAck(false, opID, ackID, 0, code, msg, retryable, now)
}

// TimeoutBounds clamps requested ack timeouts.
type TimeoutBounds struct {
	Min     time.Duration
	Max     time.Duration
	Default time.Duration
}

var errBadBounds = errors.New("timeout bounds must be positive and min <= max")

// ResolveTimeout clamps requested into [Min, Max], substituting Default
// when requested is zero. Non-positive bounds are an invalid argument.
func ResolveTimeout(requested time.Duration, b TimeoutBounds) (time.Duration, error) {
	if b.Min <= 0 || b.Max <= 0 || b.Default <= 0 || b.Min > b.Max {
		return 0, errBadBounds
	}
	if requested == 0 {
		requested = b.Default
	}
	if requested < b.Min {
		return b.Min, nil
	}
	if requested > b.Max {
		return b.Max, nil
	}
	return requested, nil
}
