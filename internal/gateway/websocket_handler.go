package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SessionVerifier resolves a connection token to a user id. Session
// issuance lives outside this system; only the interface is consumed.
type SessionVerifier interface {
	Verify(token string) (userID string, err error)
}

// InsecureVerifier treats the token itself as the user id. Development
// only.
type InsecureVerifier struct{}

func (InsecureVerifier) Verify(token string) (string, error) {
	if token == "" {
		return "", errors.New("empty token")
	}
	return token, nil
}

// WebSocketHandler upgrades battle connections.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	sessions          SessionVerifier
}

// NewWebSocketHandler creates a websocket handler.
func NewWebSocketHandler(cm *ConnectionManager, sessions SessionVerifier) *WebSocketHandler {
	return &WebSocketHandler{connectionManager: cm, sessions: sessions}
}

// HandleBattleConnection upgrades a connection for one battle.
func (h *WebSocketHandler) HandleBattleConnection(w http.ResponseWriter, r *http.Request) {
	battleIDStr := r.URL.Query().Get("battle_id")
	if battleIDStr == "" {
		http.Error(w, "battle_id is required", http.StatusBadRequest)
		return
	}
	battleID, err := uuid.Parse(battleIDStr)
	if err != nil {
		http.Error(w, "invalid battle_id format", http.StatusBadRequest)
		return
	}

	token := r.URL.Query().Get("token")
	userID, err := h.sessions.Verify(token)
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	if err := h.connectionManager.UpgradeConnection(w, r, userID, battleID); err != nil {
		log.Error().
			Err(err).
			Str("battle_id", battleID.String()).
			Str("user_id", userID).
			Msg("failed to upgrade websocket connection")
		http.Error(w, "failed to upgrade connection", http.StatusInternalServerError)
		return
	}
}

// HandleConnectionStats reports active connection counts.
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	total, rooms := h.connectionManager.Stats()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"total_connections":%d,"active_rooms":%d}`, total, rooms)
}

// RegisterRoutes registers websocket routes on the mux.
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/battle", h.HandleBattleConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
