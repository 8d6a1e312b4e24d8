package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/J511Y/share-paint-sub000/internal/protocol"
)

// WSConfig holds client websocket tunables.
type WSConfig struct {
	WriteTimeout  time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultWSConfig returns default client websocket configuration.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		WriteTimeout:  10 * time.Second,
		MaxReconnects: 5,
		ReconnectWait: 2 * time.Second,
	}
}

// WSConn is the gorilla-backed battle transport. It routes ack frames to
// per-op waiters and hands events and recovery snapshots to callbacks.
// Reconnects are bounded; every lifecycle transition is reported through
// the handler callbacks so the monitor can track it.
type WSConn struct {
	url    string
	config WSConfig

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	waiters   map[string]chan protocol.Ack
	closed    bool

	// Lifecycle and payload handlers; set before Dial.
	OnConnect          func(sessionID string)
	OnDisconnect       func()
	OnReconnectAttempt func()
	OnGiveUp           func(reason string)
	OnEvent            func(protocol.BroadcastEvent)
	OnRecovery         func(protocol.RecoverySnapshot)
}

// NewWSConn creates a transport for the given ws URL (already carrying
// battle_id and token query parameters).
func NewWSConn(url string, config WSConfig) *WSConn {
	return &WSConn{
		url:     url,
		config:  config,
		waiters: make(map[string]chan protocol.Ack),
	}
}

// Dial establishes the connection and starts the read loop.
func (c *WSConn) Dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if c.OnConnect != nil {
		c.OnConnect(uuid.New().String())
	}
	go c.readLoop(ctx)
	return nil
}

// Connected reports whether the transport currently has a live socket.
func (c *WSConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send writes one envelope to the socket.
func (c *WSConn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// AwaitAck registers a waiter for the ack matching opID.
func (c *WSConn) AwaitAck(opID string) <-chan protocol.Ack {
	ch := make(chan protocol.Ack, 1)
	c.mu.Lock()
	c.waiters[opID] = ch
	c.mu.Unlock()
	return ch
}

// CancelAck drops the waiter for opID.
func (c *WSConn) CancelAck(opID string) {
	c.mu.Lock()
	delete(c.waiters, opID)
	c.mu.Unlock()
}

// Close shuts the transport down for good; no reconnect follows.
func (c *WSConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *WSConn) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(ctx, err)
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			log.Warn().Err(err).Msg("dropping malformed server frame")
			continue
		}

		switch frame.Type {
		case protocol.FrameAck:
			if frame.Ack == nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.waiters[frame.Ack.OpID]
			if ok {
				delete(c.waiters, frame.Ack.OpID)
			}
			c.mu.Unlock()
			if ok {
				ch <- *frame.Ack
			}
		case protocol.FrameEvent:
			if frame.Event != nil && c.OnEvent != nil {
				c.OnEvent(*frame.Event)
			}
		case protocol.FrameRecovery:
			if frame.Recovery != nil && c.OnRecovery != nil {
				c.OnRecovery(*frame.Recovery)
			}
		default:
			log.Warn().Str("type", frame.Type).Msg("unknown frame type")
		}
	}
}

// handleDrop reports the disconnect and runs the bounded reconnect loop.
func (c *WSConn) handleDrop(ctx context.Context, cause error) {
	c.mu.Lock()
	c.connected = false
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}
	log.Warn().Err(cause).Msg("websocket dropped")
	if c.OnDisconnect != nil {
		c.OnDisconnect()
	}

	for attempt := 1; attempt <= c.config.MaxReconnects; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.config.ReconnectWait):
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if c.OnReconnectAttempt != nil {
			c.OnReconnectAttempt()
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.mu.Unlock()

		if c.OnConnect != nil {
			c.OnConnect(uuid.New().String())
		}
		go c.readLoop(ctx)
		return
	}

	if c.OnGiveUp != nil {
		c.OnGiveUp(fmt.Sprintf("reconnect failed after %d attempts", c.config.MaxReconnects))
	}
}
