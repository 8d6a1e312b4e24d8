package client

import "github.com/rs/zerolog/log"

// Monitor wires transport lifecycle signals into the store. Pure wiring;
// no business payload flows through here.
type Monitor struct {
	store *Store
}

// NewMonitor creates a lifecycle monitor over the store.
func NewMonitor(store *Store) *Monitor {
	return &Monitor{store: store}
}

// OnConnect records the live session and clears reconnect bookkeeping.
func (m *Monitor) OnConnect(sessionID string) {
	m.store.SetConnected(sessionID)
	log.Debug().Str("session_id", sessionID).Msg("transport connected")
}

// OnDisconnect marks the store disconnected and stamps the time.
func (m *Monitor) OnDisconnect() {
	m.store.SetDisconnected()
	log.Debug().Msg("transport disconnected")
}

// OnReconnectAttempt bumps the counter and enters reconnecting.
func (m *Monitor) OnReconnectAttempt() {
	m.store.SetReconnecting()
	log.Debug().Int("attempt", m.store.ReconnectAttempts()).Msg("reconnect attempt")
}

// OnReconnectGiveUp degrades the store after reconnect exhaustion.
func (m *Monitor) OnReconnectGiveUp(reason string) {
	m.store.SetDegraded(reason)
	log.Warn().Str("reason", reason).Msg("reconnect exhausted, degraded")
}
