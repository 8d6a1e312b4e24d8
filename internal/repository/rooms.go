// Package repository persists battle rooms in Postgres. The room actor is
// the authority on live state; this store holds the durable record the
// actor loads time limits from and writes status transitions back to.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/J511Y/share-paint-sub000/internal/battle"
)

// ErrNotFound is returned when a room id has no durable record.
var ErrNotFound = errors.New("room not found")

// RoomStore implements the persistent side of room state over pgx.
type RoomStore struct {
	pool *pgxpool.Pool
}

func NewRoomStore(pool *pgxpool.Pool) *RoomStore {
	return &RoomStore{pool: pool}
}

// CreateRoomRequest carries everything needed to create a room with its
// host participant.
type CreateRoomRequest struct {
	Room battle.Room
	Host battle.Participant
}

// CreateRoomWithHost inserts the room, then the host participant. If the
// second insert fails the room row is deleted before the error is
// reported, so no half-created room is ever visible.
func (s *RoomStore) CreateRoomWithHost(ctx context.Context, req CreateRoomRequest) error {
	const insertRoom = `
		INSERT INTO battle_rooms
			(id, title, host_id, topic, time_limit_sec, max_participants, status, private, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	if _, err := s.pool.Exec(ctx, insertRoom,
		req.Room.ID, req.Room.Title, req.Room.HostID, req.Room.Topic,
		req.Room.TimeLimitSec, req.Room.MaxParticipants, req.Room.Status,
		req.Room.Private, req.Room.PasswordHash, req.Room.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert room: %w", err)
	}

	const insertHost = `
		INSERT INTO battle_participants
			(room_id, user_id, name, avatar_url, is_host, joined_at)
		VALUES ($1, $2, $3, $4, TRUE, $5)`

	if _, err := s.pool.Exec(ctx, insertHost,
		req.Room.ID, req.Host.UserID, req.Host.Name, req.Host.AvatarURL, req.Host.JoinedAt,
	); err != nil {
		// Compensate before reporting so the room never exists hostless.
		if _, delErr := s.pool.Exec(ctx, `DELETE FROM battle_rooms WHERE id = $1`, req.Room.ID); delErr != nil {
			log.Error().Err(delErr).
				Str("room_id", req.Room.ID.String()).
				Msg("failed to compensate room insert after host insert failure")
		}
		return fmt.Errorf("failed to insert host participant: %w", err)
	}

	return nil
}

// GetRoom loads one room's durable record.
func (s *RoomStore) GetRoom(ctx context.Context, id uuid.UUID) (*battle.Room, error) {
	const query = `
		SELECT id, title, host_id, topic, time_limit_sec, max_participants,
		       status, private, password_hash, created_at, started_at, finished_at
		FROM battle_rooms WHERE id = $1`

	var room battle.Room
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&room.ID, &room.Title, &room.HostID, &room.Topic,
		&room.TimeLimitSec, &room.MaxParticipants, &room.Status,
		&room.Private, &room.PasswordHash, &room.CreatedAt,
		&room.StartedAt, &room.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	return &room, nil
}

// GetParticipants loads the durable participant list for a room.
func (s *RoomStore) GetParticipants(ctx context.Context, roomID uuid.UUID) ([]battle.Participant, error) {
	const query = `
		SELECT user_id, name, avatar_url, is_host, joined_at
		FROM battle_participants WHERE room_id = $1 ORDER BY joined_at`

	rows, err := s.pool.Query(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	var participants []battle.Participant
	for rows.Next() {
		var p battle.Participant
		if err := rows.Scan(&p.UserID, &p.Name, &p.AvatarURL, &p.IsHost, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// UpdateRoomStatusRequest is one durable status transition.
type UpdateRoomStatusRequest struct {
	Status     battle.RoomStatus
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// UpdateRoomStatus writes a status transition and its timestamp.
func (s *RoomStore) UpdateRoomStatus(ctx context.Context, id uuid.UUID, req UpdateRoomStatusRequest) error {
	const query = `
		UPDATE battle_rooms
		SET status = $2,
		    started_at = COALESCE($3, started_at),
		    finished_at = COALESCE($4, finished_at)
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, req.Status, req.StartedAt, req.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to update room status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRoom removes a room and its participants (cascade in schema).
func (s *RoomStore) DeleteRoom(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM battle_rooms WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	return nil
}
