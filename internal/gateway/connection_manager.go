// Package gateway terminates websocket connections, validates inbound
// operation envelopes at the wire boundary, dispatches them to room
// actors, and fans room broadcasts back out.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/J511Y/share-paint-sub000/internal/protocol"
)

// ConnectionManager manages websocket connections grouped by room.
type ConnectionManager struct {
	roomConnections map[uuid.UUID]map[*Connection]bool
	mu              sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan broadcastMessage
	dispatcher  Dispatcher
}

// Dispatcher routes one validated envelope to its room and returns the
// ack. Resume requests come back as a pushed snapshot instead.
type Dispatcher interface {
	DispatchOp(ctx context.Context, userID string, env protocol.Envelope, payload any) protocol.Ack
	DispatchResume(ctx context.Context, userID string, p protocol.ResumePayload) (*protocol.RecoverySnapshot, error)
}

// Connection is one client websocket. Send has two writers, the
// broadcast drain and the read pump's ack path, so closing it is guarded
// by sendMu.
type Connection struct {
	ID      string
	UserID  string
	RoomID  uuid.UUID
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	ConnectedAt time.Time
	LastPing    time.Time

	sendMu sync.Mutex
	closed bool
}

// trySend queues a frame for the write pump without blocking. Returns
// false when the buffer is full or the connection is already closed.
func (c *Connection) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// ConnectionConfig holds websocket tunables.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	AckTimeout      time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default websocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		AckTimeout:      5 * time.Second,
		MaxMessageSize:  1 << 20, // canvas snapshots ride as data URLs
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

type broadcastMessage struct {
	RoomID uuid.UUID
	Data   []byte
	UserID string // if set, deliver only to this user's connections
}

// NewConnectionManager creates a connection manager.
func NewConnectionManager(config ConnectionConfig, dispatcher Dispatcher) *ConnectionManager {
	return &ConnectionManager{
		roomConnections: make(map[uuid.UUID]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcastMessage, 1000),
		dispatcher:  dispatcher,
	}
}

// Start drains the broadcast channel until the context ends.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a websocket and starts the
// connection pumps.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, userID string, roomID uuid.UUID) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		RoomID:      roomID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump(r.Context())

	log.Info().
		Str("connection_id", connection.ID).
		Str("user_id", userID).
		Str("room_id", roomID.String()).
		Msg("websocket connection established")
	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.roomConnections[conn.RoomID] == nil {
		cm.roomConnections[conn.RoomID] = make(map[*Connection]bool)
	}
	cm.roomConnections[conn.RoomID][conn] = true
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if connections, exists := cm.roomConnections[conn.RoomID]; exists {
		if _, exists := connections[conn]; exists {
			delete(connections, conn)
			conn.sendMu.Lock()
			conn.closed = true
			close(conn.Send)
			conn.sendMu.Unlock()
			if len(connections) == 0 {
				delete(cm.roomConnections, conn.RoomID)
			}
			log.Info().
				Str("connection_id", conn.ID).
				Str("user_id", conn.UserID).
				Str("room_id", conn.RoomID.String()).
				Msg("connection unregistered")
		}
	}
}

// BroadcastToRoom fans a room event out to every connection of the room.
// Implements room.Broadcaster.
func (cm *ConnectionManager) BroadcastToRoom(roomID uuid.UUID, ev protocol.BroadcastEvent) {
	data, err := json.Marshal(protocol.Frame{Type: protocol.FrameEvent, Event: &ev})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal broadcast frame")
		return
	}
	select {
	case cm.broadcastCh <- broadcastMessage{RoomID: roomID, Data: data}:
	default:
		log.Warn().Str("room_id", roomID.String()).Msg("broadcast channel full, dropping message")
	}
}

// SendToUser delivers a frame to one user's connections in a room.
func (cm *ConnectionManager) SendToUser(roomID uuid.UUID, userID string, frame protocol.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal user frame")
		return
	}
	select {
	case cm.broadcastCh <- broadcastMessage{RoomID: roomID, Data: data, UserID: userID}:
	default:
		log.Warn().
			Str("room_id", roomID.String()).
			Str("user_id", userID).
			Msg("broadcast channel full, dropping user frame")
	}
}

func (cm *ConnectionManager) handleBroadcast(message broadcastMessage) {
	cm.mu.RLock()
	connections, exists := cm.roomConnections[message.RoomID]
	if !exists {
		cm.mu.RUnlock()
		return
	}
	var targets []*Connection
	for conn := range connections {
		if message.UserID != "" && conn.UserID != message.UserID {
			continue
		}
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range targets {
		if !conn.trySend(message.Data) {
			log.Warn().
				Str("connection_id", conn.ID).
				Str("user_id", conn.UserID).
				Msg("connection send buffer full, closing connection")
			cm.unregisterConnection(conn)
			conn.Conn.Close()
		}
	}
}

// Stats reports active connection counts per room.
func (cm *ConnectionManager) Stats() (total int, rooms int) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for _, connections := range cm.roomConnections {
		total += len(connections)
	}
	return total, len(cm.roomConnections)
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write frame")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
			c.LastPing = time.Now()
		}
	}
}

func (c *Connection) readPump(ctx context.Context) {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected websocket close")
			}
			break
		}
		c.handleClientMessage(ctx, message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
