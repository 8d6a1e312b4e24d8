package battle

import (
	"time"

	"github.com/google/uuid"
)

// RoomStatus defines the lifecycle status of a battle room.
type RoomStatus string

const (
	RoomStatusWaiting    RoomStatus = "waiting"
	RoomStatusInProgress RoomStatus = "in_progress"
	RoomStatusFinished   RoomStatus = "finished"
)

// Room represents a battle room. Status transitions are owned exclusively
// by the room actor; everything else reconciles against it.
type Room struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	HostID          string     `json:"host_id"`
	Topic           string     `json:"topic,omitempty"`
	TimeLimitSec    int        `json:"time_limit_sec"` // 0 = unlimited
	MaxParticipants int        `json:"max_participants"`
	Status          RoomStatus `json:"status"`
	Private         bool       `json:"private"`
	PasswordHash    string     `json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// Participant is a room-scoped identity with its latest canvas snapshot.
type Participant struct {
	UserID         string    `json:"user_id"`
	Name           string    `json:"name"`
	AvatarURL      string    `json:"avatar_url,omitempty"`
	IsHost         bool      `json:"is_host"`
	IsReady        bool      `json:"is_ready"`
	CanvasData     string    `json:"canvas_data,omitempty"`
	Votes          int       `json:"votes"`
	LastAppliedSeq uint64    `json:"last_applied_seq"` // last room seq this participant produced
	JoinedAt       time.Time `json:"joined_at"`
}

// Painting is one participant's final entry in the results broadcast.
type Painting struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	ImageData string `json:"image_data"`
	Votes     int    `json:"votes"`
}
