// Package httpapi serves the small JSON surface the client uses outside
// the websocket: room creation and the initial room detail fetched before
// joining.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/J511Y/share-paint-sub000/internal/battle"
	"github.com/J511Y/share-paint-sub000/internal/repository"
	"github.com/J511Y/share-paint-sub000/internal/room"
)

// Store is the persistence the API writes rooms through.
type Store interface {
	CreateRoomWithHost(ctx context.Context, req repository.CreateRoomRequest) error
	GetRoom(ctx context.Context, id uuid.UUID) (*battle.Room, error)
	GetParticipants(ctx context.Context, roomID uuid.UUID) ([]battle.Participant, error)
}

// Handler serves the battle HTTP endpoints.
type Handler struct {
	store    Store
	registry *room.Registry

	// infoTimeout bounds how long a request waits on a room actor.
	infoTimeout time.Duration
}

// NewHandler creates the HTTP API handler.
func NewHandler(store Store, registry *room.Registry) *Handler {
	return &Handler{store: store, registry: registry, infoTimeout: 5 * time.Second}
}

// RegisterRoutes registers the API routes on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/battles", h.handleCreateBattle)
	mux.HandleFunc("GET /api/battles/{id}", h.handleGetBattle)
	mux.HandleFunc("GET /health", handleHealth)
}

type createBattleRequest struct {
	Title           string `json:"title"`
	HostID          string `json:"hostId"`
	HostName        string `json:"hostName"`
	Topic           string `json:"topic,omitempty"`
	TimeLimitSec    int    `json:"timeLimitSec"`
	MaxParticipants int    `json:"maxParticipants"`
	Private         bool   `json:"private"`
	Password        string `json:"password,omitempty"`
}

func (h *Handler) handleCreateBattle(w http.ResponseWriter, r *http.Request) {
	var req createBattleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Title == "" || req.HostID == "" || req.HostName == "" {
		writeError(w, http.StatusBadRequest, "title, hostId and hostName are required")
		return
	}
	if req.TimeLimitSec < 0 || req.MaxParticipants <= 0 {
		writeError(w, http.StatusBadRequest, "invalid limits")
		return
	}
	if req.Private && req.Password == "" {
		writeError(w, http.StatusBadRequest, "private rooms require a password")
		return
	}

	now := time.Now().UTC()
	newRoom := battle.Room{
		ID:              uuid.New(),
		Title:           req.Title,
		HostID:          req.HostID,
		Topic:           req.Topic,
		TimeLimitSec:    req.TimeLimitSec,
		MaxParticipants: req.MaxParticipants,
		Status:          battle.RoomStatusWaiting,
		Private:         req.Private,
		CreatedAt:       now,
	}
	if req.Private {
		newRoom.PasswordHash = room.HashPassword(req.Password)
	}
	host := battle.Participant{
		UserID:   req.HostID,
		Name:     req.HostName,
		IsHost:   true,
		JoinedAt: now,
	}

	if err := h.store.CreateRoomWithHost(r.Context(), repository.CreateRoomRequest{Room: newRoom, Host: host}); err != nil {
		log.Error().Err(err).Str("title", req.Title).Msg("failed to create battle")
		writeError(w, http.StatusInternalServerError, "failed to create battle")
		return
	}

	writeJSON(w, http.StatusCreated, newRoom)
}

type battleDetailResponse struct {
	Room         battle.Room          `json:"room"`
	Participants []battle.Participant `json:"participants"`
	ServerSeq    uint64               `json:"serverSeq"`
	TimeLeft     int                  `json:"timeLeft"`
	Winner       string               `json:"winner,omitempty"`
}

// handleGetBattle serves the initial detail a client loads before joining
// the websocket. A resident actor is authoritative; otherwise the durable
// record serves.
func (h *Handler) handleGetBattle(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid battle id")
		return
	}

	if live := h.registry.Get(id); live != nil {
		reply := make(chan room.Info, 1)
		select {
		case live.Inbox() <- room.GetInfo{Reply: reply}:
		case <-r.Context().Done():
			return
		case <-time.After(h.infoTimeout):
			writeError(w, http.StatusServiceUnavailable, "battle temporarily unavailable")
			return
		}
		var info room.Info
		select {
		case info = <-reply:
		case <-r.Context().Done():
			return
		case <-time.After(h.infoTimeout):
			log.Warn().Str("battle_id", id.String()).Msg("room actor did not answer info request")
			writeError(w, http.StatusServiceUnavailable, "battle temporarily unavailable")
			return
		}
		writeJSON(w, http.StatusOK, battleDetailResponse{
			Room:         info.Room,
			Participants: info.Participants,
			ServerSeq:    info.ServerSeq,
			TimeLeft:     info.TimeLeft,
			Winner:       info.Winner,
		})
		return
	}

	durable, err := h.store.GetRoom(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "battle not found")
			return
		}
		log.Error().Err(err).Str("battle_id", id.String()).Msg("failed to load battle")
		writeError(w, http.StatusInternalServerError, "failed to load battle")
		return
	}
	participants, err := h.store.GetParticipants(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("battle_id", id.String()).Msg("failed to load participants")
		writeError(w, http.StatusInternalServerError, "failed to load battle")
		return
	}

	writeJSON(w, http.StatusOK, battleDetailResponse{
		Room:         *durable,
		Participants: participants,
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
