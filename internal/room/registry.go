package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/J511Y/share-paint-sub000/internal/events"
	"github.com/J511Y/share-paint-sub000/internal/repository"
)

const (
	// sweepInterval is how often the registry looks for evictable rooms.
	sweepInterval = time.Minute
	// evictReplyTimeout bounds how long a sweep waits on one actor.
	evictReplyTimeout = 2 * time.Second
)

// Registry owns the process-wide map of live room actors. Rooms are
// spun up on demand from the persistent store and evicted once empty or
// finished past the grace period.
type Registry struct {
	mu    sync.Mutex
	rooms map[uuid.UUID]*Room

	store  Store
	bus    events.Publisher
	bcast  Broadcaster
	clock  clockwork.Clock
	config Config
}

// NewRegistry creates a registry and starts its eviction sweep.
func NewRegistry(ctx context.Context, store Store, bus events.Publisher, bcast Broadcaster, clock clockwork.Clock, config Config) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	reg := &Registry{
		rooms:  make(map[uuid.UUID]*Room),
		store:  store,
		bus:    bus,
		bcast:  bcast,
		clock:  clock,
		config: config,
	}
	go reg.sweep(ctx)
	return reg
}

// SetBroadcaster wires the fan-out sink after construction; the gateway
// and registry reference each other, so one side is set late.
func (reg *Registry) SetBroadcaster(b Broadcaster) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.bcast = b
}

// Get returns the live actor for a room, or nil.
func (reg *Registry) Get(id uuid.UUID) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.rooms[id]
}

// Ensure returns the live actor for a room, loading the durable record
// and starting the actor when the room is not yet resident.
func (reg *Registry) Ensure(ctx context.Context, id uuid.UUID) (*Room, error) {
	reg.mu.Lock()
	if r, ok := reg.rooms[id]; ok {
		reg.mu.Unlock()
		return r, nil
	}
	reg.mu.Unlock()

	state, err := reg.store.GetRoom(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r, ok := reg.rooms[id]; ok {
		// Lost the race to another loader.
		return r, nil
	}
	r := New(ctx, *state, Deps{
		Store:       reg.store,
		Bus:         reg.bus,
		Broadcaster: reg.bcast,
		Clock:       reg.clock,
		Config:      reg.config,
	})
	reg.rooms[id] = r
	log.Info().Str("room_id", id.String()).Msg("room actor started")
	return r, nil
}

// Len reports the number of resident rooms.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// EvictIdle removes every room reporting itself evictable. Returns how
// many were removed. Called by the sweep loop and directly by tests.
func (reg *Registry) EvictIdle() int {
	reg.mu.Lock()
	resident := make(map[uuid.UUID]*Room, len(reg.rooms))
	for id, r := range reg.rooms {
		resident[id] = r
	}
	reg.mu.Unlock()

	evicted := 0
	for id, r := range resident {
		reply := make(chan Info, 1)
		select {
		case r.Inbox() <- GetInfo{Reply: reply}:
		default:
			continue // inbox jammed; try next sweep
		}
		var info Info
		select {
		case info = <-reply:
		case <-reg.clock.After(evictReplyTimeout):
			continue // actor unresponsive; try next sweep
		}
		if !info.Evictable {
			continue
		}

		select {
		case r.Inbox() <- Shutdown{}:
		default:
			continue
		}
		reg.mu.Lock()
		delete(reg.rooms, id)
		reg.mu.Unlock()
		evicted++
		log.Info().Str("room_id", id.String()).Msg("room evicted")
	}
	return evicted
}

func (reg *Registry) sweep(ctx context.Context) {
	ticker := reg.clock.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			reg.EvictIdle()
		}
	}
}
