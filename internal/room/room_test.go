package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/J511Y/share-paint-sub000/internal/battle"
	"github.com/J511Y/share-paint-sub000/internal/protocol"
	"github.com/J511Y/share-paint-sub000/internal/repository"
)

type fakeStore struct {
	mu         sync.Mutex
	room       battle.Room
	updates    []repository.UpdateRoomStatusRequest
	failUpdate bool
}

func (s *fakeStore) GetRoom(_ context.Context, id uuid.UUID) (*battle.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.room.ID {
		return nil, repository.ErrNotFound
	}
	copied := s.room
	return &copied, nil
}

func (s *fakeStore) UpdateRoomStatus(_ context.Context, id uuid.UUID, req repository.UpdateRoomStatusRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdate {
		return errors.New("store unavailable")
	}
	s.updates = append(s.updates, req)
	s.room.Status = req.Status
	return nil
}

func (s *fakeStore) statusUpdates() []repository.UpdateRoomStatusRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]repository.UpdateRoomStatusRequest, len(s.updates))
	copy(out, s.updates)
	return out
}

func (s *fakeStore) setFailUpdate(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpdate = fail
}

type chanBroadcaster struct {
	ch chan protocol.BroadcastEvent
}

func (b chanBroadcaster) BroadcastToRoom(_ uuid.UUID, ev protocol.BroadcastEvent) {
	b.ch <- ev
}

func testRoomState(hostID string) battle.Room {
	return battle.Room{
		ID:              uuid.New(),
		Title:           "quick draw",
		HostID:          hostID,
		Topic:           "sunset over water",
		TimeLimitSec:    3,
		MaxParticipants: 4,
		Status:          battle.RoomStatusWaiting,
		CreatedAt:       time.Now(),
	}
}

func newTestRoom(t *testing.T, state battle.Room, store *fakeStore) (*Room, chan protocol.BroadcastEvent, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	events := make(chan protocol.BroadcastEvent, 256)
	cfg := DefaultConfig()
	cfg.TimerSyncEverySec = 2
	r := New(context.Background(), state, Deps{
		Store:       store,
		Broadcaster: chanBroadcaster{ch: events},
		Clock:       clock,
		Config:      cfg,
	})
	t.Cleanup(func() { r.Inbox() <- Shutdown{} })
	return r, events, clock
}

func opEnv(battleID string, event protocol.EventType, opID string) protocol.Envelope {
	return protocol.Envelope{V: protocol.ProtocolVersion, Event: event, BattleID: battleID, OpID: opID, AckID: opID}
}

func sendOp(t *testing.T, r *Room, from string, env protocol.Envelope, payload any) protocol.Ack {
	t.Helper()
	reply := make(chan protocol.Ack, 1)
	r.Inbox() <- Op{UserID: from, Env: env, Payload: payload, Reply: reply}
	select {
	case ack := <-reply:
		return ack
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack")
		return protocol.Ack{}
	}
}

func join(t *testing.T, r *Room, state battle.Room, userID, opID string) protocol.Ack {
	t.Helper()
	return sendOp(t, r, userID, opEnv(state.ID.String(), protocol.EventJoin, opID),
		protocol.JoinPayload{UserID: userID, Name: userID})
}

func recvEvent(t *testing.T, ch <-chan protocol.BroadcastEvent) protocol.BroadcastEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
		return protocol.BroadcastEvent{}
	}
}

func roomInfo(t *testing.T, r *Room) Info {
	t.Helper()
	reply := make(chan Info, 1)
	r.Inbox() <- GetInfo{Reply: reply}
	select {
	case info := <-reply:
		return info
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for info")
		return Info{}
	}
}

func waitForInfo(t *testing.T, r *Room, cond func(Info) bool) Info {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		info := roomInfo(t, r)
		if cond(info) {
			return info
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition never met; last info: status=%s seq=%d timeLeft=%d",
				info.Room.Status, info.ServerSeq, info.TimeLeft)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startBattle(t *testing.T, r *Room, state battle.Room, from, opID string) protocol.Ack {
	t.Helper()
	return sendOp(t, r, from, opEnv(state.ID.String(), protocol.EventStart, opID), struct{}{})
}

func TestJoinAssignsMonotonicSequence(t *testing.T) {
	state := testRoomState("host")
	store := &fakeStore{room: state}
	r, events, _ := newTestRoom(t, state, store)

	if ack := join(t, r, state, "host", "op-1"); !ack.OK || ack.Seq != 1 {
		t.Fatalf("first join: got %+v", ack)
	}
	if ack := join(t, r, state, "alice", "op-2"); !ack.OK || ack.Seq != 2 {
		t.Fatalf("second join: got %+v", ack)
	}

	ev := recvEvent(t, events)
	if ev.Event != protocol.EventJoin || ev.Seq != 1 {
		t.Fatalf("first broadcast: got %s seq %d", ev.Event, ev.Seq)
	}
	var jb protocol.JoinBroadcast
	if err := json.Unmarshal(ev.Payload, &jb); err != nil {
		t.Fatalf("decode join broadcast: %v", err)
	}
	if jb.User.UserID != "host" || !jb.User.IsHost {
		t.Fatalf("unexpected join broadcast user: %+v", jb.User)
	}

	ev = recvEvent(t, events)
	if ev.Seq != 2 {
		t.Fatalf("second broadcast seq: got %d", ev.Seq)
	}
}

func TestJoinRejections(t *testing.T) {
	t.Run("room full", func(t *testing.T) {
		state := testRoomState("host")
		state.MaxParticipants = 1
		store := &fakeStore{room: state}
		r, _, _ := newTestRoom(t, state, store)

		join(t, r, state, "host", "op-1")
		ack := join(t, r, state, "alice", "op-2")
		if ack.OK || ack.Code != protocol.CodeRoomFull {
			t.Fatalf("expected ROOM_FULL, got %+v", ack)
		}
	})

	t.Run("invalid password", func(t *testing.T) {
		state := testRoomState("host")
		state.Private = true
		state.PasswordHash = HashPassword("sesame")
		store := &fakeStore{room: state}
		r, _, _ := newTestRoom(t, state, store)

		ack := sendOp(t, r, "alice", opEnv(state.ID.String(), protocol.EventJoin, "op-1"),
			protocol.JoinPayload{UserID: "alice", Name: "alice", Password: "wrong"})
		if ack.OK || ack.Code != protocol.CodeInvalidPassword {
			t.Fatalf("expected INVALID_PASSWORD, got %+v", ack)
		}

		ack = sendOp(t, r, "alice", opEnv(state.ID.String(), protocol.EventJoin, "op-2"),
			protocol.JoinPayload{UserID: "alice", Name: "alice", Password: "sesame"})
		if !ack.OK {
			t.Fatalf("expected join with correct password, got %+v", ack)
		}
	})

	t.Run("finished battle", func(t *testing.T) {
		state := testRoomState("host")
		state.Status = battle.RoomStatusFinished
		store := &fakeStore{room: state}
		r, _, _ := newTestRoom(t, state, store)

		ack := join(t, r, state, "alice", "op-1")
		if ack.OK || ack.Code != protocol.CodeBadRequest {
			t.Fatalf("expected BAD_REQUEST, got %+v", ack)
		}
	})
}

func TestRejoinDoesNotRebroadcast(t *testing.T) {
	state := testRoomState("host")
	store := &fakeStore{room: state}
	r, events, _ := newTestRoom(t, state, store)

	join(t, r, state, "host", "op-1")
	recvEvent(t, events)

	// A fresh op id from the same user is a rejoin after reconnect, not a
	// new participant.
	ack := join(t, r, state, "host", "op-2")
	if !ack.OK || ack.Seq != 1 {
		t.Fatalf("rejoin: got %+v", ack)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected broadcast on rejoin: %s seq %d", ev.Event, ev.Seq)
	case <-time.After(50 * time.Millisecond):
	}
	if info := roomInfo(t, r); len(info.Participants) != 1 {
		t.Fatalf("expected 1 participant, got %d", len(info.Participants))
	}
}

func TestDuplicateOpCollapsed(t *testing.T) {
	state := testRoomState("host")
	store := &fakeStore{room: state}
	r, events, _ := newTestRoom(t, state, store)

	join(t, r, state, "host", "op-1")
	recvEvent(t, events)

	first := sendOp(t, r, "host", opEnv(state.ID.String(), protocol.EventChat, "op-2"),
		protocol.ChatPayload{UserID: "host", Message: "hello"})
	if !first.OK || first.Seq != 2 {
		t.Fatalf("chat: got %+v", first)
	}
	recvEvent(t, events)

	// Redelivery of the same op id acks ok without reapplying.
	second := sendOp(t, r, "host", opEnv(state.ID.String(), protocol.EventChat, "op-2"),
		protocol.ChatPayload{UserID: "host", Message: "hello"})
	if !second.OK || second.Seq != 2 {
		t.Fatalf("redelivery: got %+v", second)
	}
	select {
	case ev := <-events:
		t.Fatalf("duplicate delivery rebroadcast: %s seq %d", ev.Event, ev.Seq)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartRequiresHostAndWaitingStatus(t *testing.T) {
	state := testRoomState("host")
	store := &fakeStore{room: state}
	r, events, _ := newTestRoom(t, state, store)

	join(t, r, state, "alice", "op-1")
	recvEvent(t, events)

	if ack := startBattle(t, r, state, "alice", "op-2"); ack.OK || ack.Code != protocol.CodeForbidden {
		t.Fatalf("non-host start: got %+v", ack)
	}
	if ack := startBattle(t, r, state, "host", "op-3"); ack.OK || ack.Code != protocol.CodeForbidden {
		t.Fatalf("start before host joined: got %+v", ack)
	}

	join(t, r, state, "host", "op-4")
	recvEvent(t, events)

	ack := startBattle(t, r, state, "host", "op-5")
	if !ack.OK {
		t.Fatalf("start: got %+v", ack)
	}
	ev := recvEvent(t, events)
	if ev.Event != protocol.EventStart {
		t.Fatalf("expected start broadcast, got %s", ev.Event)
	}
	var sb protocol.StartBroadcast
	if err := json.Unmarshal(ev.Payload, &sb); err != nil {
		t.Fatalf("decode start broadcast: %v", err)
	}
	if sb.Duration != state.TimeLimitSec || sb.Topic != state.Topic {
		t.Fatalf("unexpected start broadcast: %+v", sb)
	}

	updates := store.statusUpdates()
	if len(updates) != 1 || updates[0].Status != battle.RoomStatusInProgress || updates[0].StartedAt == nil {
		t.Fatalf("unexpected persisted transitions: %+v", updates)
	}

	if ack := startBattle(t, r, state, "host", "op-6"); ack.OK || ack.Code != protocol.CodeBadRequest {
		t.Fatalf("second start: got %+v", ack)
	}
}

func TestStartRejectedForNonHostSender(t *testing.T) {
	state := testRoomState("host")
	store := &fakeStore{room: state}
	r, events, _ := newTestRoom(t, state, store)

	join(t, r, state, "host", "op-1")
	join(t, r, state, "guest", "op-2")
	drainEvents(events)

	// The host being present is not enough: the start op itself must come
	// from the host's connection.
	ack := startBattle(t, r, state, "guest", "op-3")
	if ack.OK || ack.Code != protocol.CodeForbidden {
		t.Fatalf("guest start: got %+v", ack)
	}
	if info := roomInfo(t, r); info.Room.Status != battle.RoomStatusWaiting {
		t.Fatalf("status after rejected start: %s", info.Room.Status)
	}
	if updates := store.statusUpdates(); len(updates) != 0 {
		t.Fatalf("rejected start persisted: %+v", updates)
	}
}

func TestOpRejectedWhenPayloadUserMismatchesSender(t *testing.T) {
	state := testRoomState("host")
	store := &fakeStore{room: state}
	r, events, _ := newTestRoom(t, state, store)

	join(t, r, state, "host", "op-1")
	recvEvent(t, events)

	ack := sendOp(t, r, "mallory", opEnv(state.ID.String(), protocol.EventChat, "op-2"),
		protocol.ChatPayload{UserID: "host", Message: "spoofed"})
	if ack.OK || ack.Code != protocol.CodeForbidden {
		t.Fatalf("spoofed chat: got %+v", ack)
	}
	select {
	case ev := <-events:
		t.Fatalf("spoofed op broadcast: %s seq %d", ev.Event, ev.Seq)
	case <-time.After(50 * time.Millisecond):
	}

	// The rejection must not consume the op id: the real user can still
	// send it.
	if ack := sendOp(t, r, "host", opEnv(state.ID.String(), protocol.EventChat, "op-2"),
		protocol.ChatPayload{UserID: "host", Message: "hello"}); !ack.OK {
		t.Fatalf("chat after spoof rejection: got %+v", ack)
	}

	ack = sendOp(t, r, "mallory", opEnv(state.ID.String(), protocol.EventVote, "op-3"),
		protocol.VotePayload{VoterID: "host", PaintingUserID: "mallory"})
	if ack.OK || ack.Code != protocol.CodeForbidden {
		t.Fatalf("spoofed vote: got %+v", ack)
	}
}

func TestStartStoreFailureIsRetryable(t *testing.T) {
	state := testRoomState("host")
	store := &fakeStore{room: state}
	r, events, _ := newTestRoom(t, state, store)

	join(t, r, state, "host", "op-1")
	recvEvent(t, events)

	store.setFailUpdate(true)
	ack := startBattle(t, r, state, "host", "op-2")
	if ack.OK || ack.Code != protocol.CodeInternalError || !ack.Retryable {
		t.Fatalf("expected retryable INTERNAL_ERROR, got %+v", ack)
	}

	// The retry reuses the op id and must be reprocessed, not collapsed
	// into the failed attempt.
	store.setFailUpdate(false)
	if ack := startBattle(t, r, state, "host", "op-2"); !ack.OK {
		t.Fatalf("retry after store recovery: got %+v", ack)
	}
	if info := roomInfo(t, r); info.Room.Status != battle.RoomStatusInProgress {
		t.Fatalf("expected in_progress, got %s", info.Room.Status)
	}
}

func drainEvents(ch <-chan protocol.BroadcastEvent) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func TestCountdownFinishesExactlyOnce(t *testing.T) {
	state := testRoomState("host")
	store := &fakeStore{room: state}
	r, events, clock := newTestRoom(t, state, store)

	join(t, r, state, "host", "op-1")
	join(t, r, state, "alice", "op-2")
	startBattle(t, r, state, "host", "op-3")
	sendOp(t, r, "host", opEnv(state.ID.String(), protocol.EventCanvasUpdate, "op-4"),
		protocol.CanvasUpdatePayload{UserID: "host", ImageData: "data:image/png;base64,AA=="})
	drainEvents(events)

	// 3s limit, sync every 2s: tick to 2 emits a timer sync.
	clock.Advance(time.Second)
	waitForInfo(t, r, func(i Info) bool { return i.TimeLeft == 2 })
	ev := recvEvent(t, events)
	if ev.Event != protocol.EventTimerSync {
		t.Fatalf("expected timer_sync, got %s", ev.Event)
	}
	var ts protocol.TimerSyncBroadcast
	if err := json.Unmarshal(ev.Payload, &ts); err != nil {
		t.Fatalf("decode timer_sync: %v", err)
	}
	if ts.TimeLeft != 2 {
		t.Fatalf("timer_sync timeLeft: got %d", ts.TimeLeft)
	}

	clock.Advance(time.Second)
	waitForInfo(t, r, func(i Info) bool { return i.TimeLeft == 1 })
	clock.Advance(time.Second)
	info := waitForInfo(t, r, func(i Info) bool { return i.Room.Status == battle.RoomStatusFinished })
	if info.TimeLeft != 0 {
		t.Fatalf("timeLeft after finish: got %d", info.TimeLeft)
	}

	ev = recvEvent(t, events)
	if ev.Event != protocol.EventFinish {
		t.Fatalf("expected finish broadcast, got %s", ev.Event)
	}
	var fb protocol.FinishBroadcast
	if err := json.Unmarshal(ev.Payload, &fb); err != nil {
		t.Fatalf("decode finish broadcast: %v", err)
	}
	if len(fb.Paintings) != 2 {
		t.Fatalf("expected 2 paintings, got %d", len(fb.Paintings))
	}
	if fb.Paintings[0].UserID != "host" || fb.Paintings[0].ImageData == "" {
		t.Fatalf("unexpected first painting: %+v", fb.Paintings[0])
	}
	for _, p := range fb.Paintings {
		if p.Votes != 0 {
			t.Fatalf("painting %s carries %d votes at finish", p.UserID, p.Votes)
		}
	}

	select {
	case ev := <-events:
		t.Fatalf("extra broadcast after finish: %s seq %d", ev.Event, ev.Seq)
	case <-time.After(50 * time.Millisecond):
	}

	updates := store.statusUpdates()
	last := updates[len(updates)-1]
	if last.Status != battle.RoomStatusFinished || last.FinishedAt == nil {
		t.Fatalf("finish not persisted: %+v", last)
	}
}

func TestVoteRules(t *testing.T) {
	state := testRoomState("host")
	state.TimeLimitSec = 0 // untimed, stays in_progress
	store := &fakeStore{room: state}
	r, events, _ := newTestRoom(t, state, store)

	voteOp := func(opID, voter, target string) protocol.Ack {
		return sendOp(t, r, voter, opEnv(state.ID.String(), protocol.EventVote, opID),
			protocol.VotePayload{VoterID: voter, PaintingUserID: target})
	}

	join(t, r, state, "host", "op-1")
	join(t, r, state, "alice", "op-2")
	join(t, r, state, "bob", "op-3")

	if ack := voteOp("op-4", "alice", "host"); ack.OK || ack.Code != protocol.CodeBadRequest {
		t.Fatalf("vote before start: got %+v", ack)
	}

	startBattle(t, r, state, "host", "op-5")
	drainEvents(events)

	if ack := voteOp("op-6", "stranger", "host"); ack.OK || ack.Code != protocol.CodeForbidden {
		t.Fatalf("non-participant vote: got %+v", ack)
	}
	if ack := voteOp("op-7", "alice", "alice"); ack.OK || ack.Code != protocol.CodeValidationError {
		t.Fatalf("self vote: got %+v", ack)
	}

	if ack := voteOp("op-8", "alice", "host"); !ack.OK {
		t.Fatalf("vote: got %+v", ack)
	}
	// Changing the ballot moves the vote rather than double counting.
	if ack := voteOp("op-9", "alice", "bob"); !ack.OK {
		t.Fatalf("ballot move: got %+v", ack)
	}

	votes := map[string]int{}
	for _, p := range roomInfo(t, r).Participants {
		votes[p.UserID] = p.Votes
	}
	if votes["host"] != 0 || votes["bob"] != 1 {
		t.Fatalf("unexpected tallies: %v", votes)
	}
}

func TestWinnerReportedAfterFinish(t *testing.T) {
	state := testRoomState("host")
	store := &fakeStore{room: state}
	r, events, clock := newTestRoom(t, state, store)

	join(t, r, state, "host", "op-1")
	join(t, r, state, "alice", "op-2")
	join(t, r, state, "bob", "op-3")
	startBattle(t, r, state, "host", "op-4")
	drainEvents(events)

	for i := 0; i < state.TimeLimitSec; i++ {
		clock.Advance(time.Second)
		want := state.TimeLimitSec - i - 1
		waitForInfo(t, r, func(info Info) bool { return info.TimeLeft == want })
	}
	waitForInfo(t, r, func(i Info) bool { return i.Room.Status == battle.RoomStatusFinished })

	// Voting happens on the results screen, after the battle ends.
	sendOp(t, r, "alice", opEnv(state.ID.String(), protocol.EventVote, "op-5"),
		protocol.VotePayload{VoterID: "alice", PaintingUserID: "host"})
	sendOp(t, r, "bob", opEnv(state.ID.String(), protocol.EventVote, "op-6"),
		protocol.VotePayload{VoterID: "bob", PaintingUserID: "host"})

	if info := roomInfo(t, r); info.Winner != "host" {
		t.Fatalf("winner: got %q", info.Winner)
	}

	// A tie clears the winner.
	sendOp(t, r, "bob", opEnv(state.ID.String(), protocol.EventVote, "op-7"),
		protocol.VotePayload{VoterID: "bob", PaintingUserID: "alice"})
	sendOp(t, r, "host", opEnv(state.ID.String(), protocol.EventVote, "op-8"),
		protocol.VotePayload{VoterID: "host", PaintingUserID: "alice"})
	if info := roomInfo(t, r); info.Winner != "" {
		t.Fatalf("tied winner: got %q", info.Winner)
	}
}

func TestFinishBroadcastCarriesWinner(t *testing.T) {
	state := testRoomState("host")
	store := &fakeStore{room: state}
	r, events, clock := newTestRoom(t, state, store)

	join(t, r, state, "host", "op-1")
	join(t, r, state, "alice", "op-2")
	join(t, r, state, "bob", "op-3")
	startBattle(t, r, state, "host", "op-4")

	// Votes cast while the battle runs must show up in the results frame.
	sendOp(t, r, "alice", opEnv(state.ID.String(), protocol.EventVote, "op-5"),
		protocol.VotePayload{VoterID: "alice", PaintingUserID: "host"})
	sendOp(t, r, "bob", opEnv(state.ID.String(), protocol.EventVote, "op-6"),
		protocol.VotePayload{VoterID: "bob", PaintingUserID: "host"})
	drainEvents(events)

	for i := 0; i < state.TimeLimitSec; i++ {
		clock.Advance(time.Second)
		want := state.TimeLimitSec - i - 1
		waitForInfo(t, r, func(info Info) bool { return info.TimeLeft == want })
	}
	waitForInfo(t, r, func(i Info) bool { return i.Room.Status == battle.RoomStatusFinished })

	var fb protocol.FinishBroadcast
	for {
		ev := recvEvent(t, events)
		if ev.Event != protocol.EventFinish {
			continue
		}
		if err := json.Unmarshal(ev.Payload, &fb); err != nil {
			t.Fatalf("decode finish broadcast: %v", err)
		}
		break
	}

	if fb.Winner != "host" {
		t.Fatalf("winner: got %q", fb.Winner)
	}
	tallies := map[string]int{}
	for _, p := range fb.Paintings {
		tallies[p.UserID] = p.Votes
	}
	if tallies["host"] != 2 || tallies["alice"] != 0 || tallies["bob"] != 0 {
		t.Fatalf("tallies in finish frame: %v", tallies)
	}
}

type recordingBus struct {
	mu    sync.Mutex
	types []string
}

func (b *recordingBus) Publish(_ context.Context, eventType, _ string, _ any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.types = append(b.types, eventType)
	return nil
}

func (b *recordingBus) published() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.types...)
}

func TestLifecycleEventsReachBus(t *testing.T) {
	state := testRoomState("host")
	state.TimeLimitSec = 1
	store := &fakeStore{room: state}
	bus := &recordingBus{}
	clock := clockwork.NewFakeClock()
	cfg := DefaultConfig()
	r := New(context.Background(), state, Deps{
		Store:       store,
		Bus:         bus,
		Broadcaster: chanBroadcaster{ch: make(chan protocol.BroadcastEvent, 64)},
		Clock:       clock,
		Config:      cfg,
	})
	t.Cleanup(func() { r.Inbox() <- Shutdown{} })

	join(t, r, state, "host", "op-1")
	startBattle(t, r, state, "host", "op-2")
	clock.Advance(time.Second)
	waitForInfo(t, r, func(i Info) bool { return i.Room.Status == battle.RoomStatusFinished })

	got := bus.published()
	if len(got) != 2 || got[0] != "started" || got[1] != "finished" {
		t.Fatalf("published events: %v", got)
	}
}

func TestRecoverySnapshot(t *testing.T) {
	state := testRoomState("host")
	store := &fakeStore{room: state}
	r, events, _ := newTestRoom(t, state, store)

	join(t, r, state, "host", "op-1")    // seq 1
	join(t, r, state, "alice", "op-2")   // seq 2
	sendOp(t, r, "host", opEnv(state.ID.String(), protocol.EventCanvasUpdate, "op-3"),
		protocol.CanvasUpdatePayload{UserID: "host", ImageData: "snapshot-host"}) // seq 3
	sendOp(t, r, "alice", opEnv(state.ID.String(), protocol.EventChat, "op-4"),
		protocol.ChatPayload{UserID: "alice", Message: "nice"}) // seq 4
	drainEvents(events)

	reply := make(chan protocol.RecoverySnapshot, 1)
	r.Inbox() <- Resume{Payload: protocol.ResumePayload{BattleID: state.ID.String(), LastSeq: 2}, Reply: reply}
	snap := <-reply

	if snap.ServerSeq != 4 {
		t.Fatalf("serverSeq: got %d", snap.ServerSeq)
	}
	if len(snap.MissedEvents) != 2 || snap.MissedEvents[0].Seq != 3 || snap.MissedEvents[1].Seq != 4 {
		t.Fatalf("unexpected missed events: %+v", snap.MissedEvents)
	}
	if snap.SnapshotByUser["host"] != "snapshot-host" {
		t.Fatalf("missing canvas snapshot: %+v", snap.SnapshotByUser)
	}
}

func TestRecoverySnapshot_GapBeyondJournal(t *testing.T) {
	state := testRoomState("host")
	store := &fakeStore{room: state}
	r, events, _ := newTestRoom(t, state, store)

	join(t, r, state, "host", "op-join")
	for i := 0; i < journalSize+10; i++ {
		sendOp(t, r, "host", opEnv(state.ID.String(), protocol.EventChat, fmt.Sprintf("op-%d", i)),
			protocol.ChatPayload{UserID: "host", Message: "spam"})
		drainEvents(events)
	}

	reply := make(chan protocol.RecoverySnapshot, 1)
	r.Inbox() <- Resume{Payload: protocol.ResumePayload{BattleID: state.ID.String(), LastSeq: 1}, Reply: reply}
	snap := <-reply

	if snap.MissedEvents != nil {
		t.Fatalf("gap beyond the journal must drop replay, got %d events", len(snap.MissedEvents))
	}
	if snap.ServerSeq != uint64(journalSize+11) {
		t.Fatalf("serverSeq: got %d", snap.ServerSeq)
	}
}
