package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/J511Y/share-paint-sub000/internal/battle"
	"github.com/J511Y/share-paint-sub000/internal/protocol"
	"github.com/J511Y/share-paint-sub000/internal/room"
)

func newWebsocketFixture(t *testing.T, state battle.Room) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg := room.NewRegistry(ctx, &memoryStore{room: state}, nil, nil, nil, room.DefaultConfig())
	cm := NewConnectionManager(DefaultConnectionConfig(), &RoomDispatcher{Registry: reg, AckTimeout: 2 * time.Second})
	reg.SetBroadcaster(cm)
	go cm.Start(ctx)

	mux := http.NewServeMux()
	NewWebSocketHandler(cm, InsecureVerifier{}).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dialBattle(t *testing.T, srv *httptest.Server, battleID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/battle?battle_id=" + battleID + "&token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func writeEnvelope(t *testing.T, ws *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
}

// awaitFrame reads frames until one of the wanted type arrives. Acks and
// fan-out events race on the socket, so callers pick what they assert on.
func awaitFrame(t *testing.T, ws *websocket.Conn, frameType string) protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for i := 0; i < 10; i++ {
		ws.SetReadDeadline(deadline)
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("no %s frame within 10 reads", frameType)
	return protocol.Frame{}
}

func joinEnvelope(battleID, userID, opID string, seq uint64) protocol.Envelope {
	payload, _ := json.Marshal(protocol.JoinPayload{UserID: userID, Name: userID})
	return protocol.Envelope{
		V:        protocol.ProtocolVersion,
		Event:    protocol.EventJoin,
		BattleID: battleID,
		OpID:     opID,
		AckID:    opID,
		Seq:      seq,
		ClientTs: time.Now().UnixMilli(),
		Payload:  payload,
	}
}

func TestWebsocket_JoinAckAndFanout(t *testing.T) {
	state := battle.Room{ID: uuid.New(), HostID: "alice", MaxParticipants: 4, Status: battle.RoomStatusWaiting}
	srv := newWebsocketFixture(t, state)
	id := state.ID.String()

	alice := dialBattle(t, srv, id, "alice")
	writeEnvelope(t, alice, joinEnvelope(id, "alice", "a-1", 1))

	ackFrame := awaitFrame(t, alice, protocol.FrameAck)
	if ackFrame.Ack == nil || !ackFrame.Ack.OK || ackFrame.Ack.Seq != 1 {
		t.Fatalf("join ack: %+v", ackFrame.Ack)
	}

	// A second participant's join fans out to the first.
	bob := dialBattle(t, srv, id, "bob")
	writeEnvelope(t, bob, joinEnvelope(id, "bob", "b-1", 1))

	ackFrame = awaitFrame(t, bob, protocol.FrameAck)
	if ackFrame.Ack == nil || !ackFrame.Ack.OK || ackFrame.Ack.Seq != 2 {
		t.Fatalf("bob join ack: %+v", ackFrame.Ack)
	}

	for {
		evFrame := awaitFrame(t, alice, protocol.FrameEvent)
		if evFrame.Event.Seq < 2 {
			continue // alice's own join echo
		}
		if evFrame.Event.Event != protocol.EventJoin || evFrame.Event.Seq != 2 {
			t.Fatalf("fan-out event: %+v", evFrame.Event)
		}
		var jb protocol.JoinBroadcast
		if err := json.Unmarshal(evFrame.Event.Payload, &jb); err != nil {
			t.Fatalf("decode join broadcast: %v", err)
		}
		if jb.User.UserID != "bob" {
			t.Fatalf("fan-out user: %+v", jb.User)
		}
		return
	}
}

func TestWebsocket_ResumePushesRecoveryFrame(t *testing.T) {
	state := battle.Room{ID: uuid.New(), HostID: "alice", MaxParticipants: 4, Status: battle.RoomStatusWaiting}
	srv := newWebsocketFixture(t, state)
	id := state.ID.String()

	alice := dialBattle(t, srv, id, "alice")
	writeEnvelope(t, alice, joinEnvelope(id, "alice", "a-1", 1))
	awaitFrame(t, alice, protocol.FrameAck)

	payload, _ := json.Marshal(protocol.ResumePayload{BattleID: id, LastSeq: 0})
	writeEnvelope(t, alice, protocol.Envelope{
		V:        protocol.ProtocolVersion,
		Event:    protocol.EventResume,
		BattleID: id,
		OpID:     "a-resume",
		AckID:    "a-resume",
		Payload:  payload,
	})

	recovery := awaitFrame(t, alice, protocol.FrameRecovery)
	if recovery.Recovery == nil || recovery.Recovery.BattleID != id {
		t.Fatalf("recovery frame: %+v", recovery.Recovery)
	}
	if recovery.Recovery.ServerSeq != 1 || len(recovery.Recovery.MissedEvents) != 1 {
		t.Fatalf("recovery contents: seq=%d missed=%d",
			recovery.Recovery.ServerSeq, len(recovery.Recovery.MissedEvents))
	}
}

func TestWebsocket_MalformedEnvelopeGetsErrorAck(t *testing.T) {
	state := battle.Room{ID: uuid.New(), HostID: "alice", MaxParticipants: 4, Status: battle.RoomStatusWaiting}
	srv := newWebsocketFixture(t, state)

	alice := dialBattle(t, srv, state.ID.String(), "alice")
	if err := alice.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	frame := awaitFrame(t, alice, protocol.FrameAck)
	if frame.Ack.OK || frame.Ack.Code != protocol.CodeBadRequest {
		t.Fatalf("expected BAD_REQUEST ack, got %+v", frame.Ack)
	}
}

func TestWebsocket_RejectsMissingAuth(t *testing.T) {
	state := battle.Room{ID: uuid.New(), Status: battle.RoomStatusWaiting}
	srv := newWebsocketFixture(t, state)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"missing token", "/ws/battle?battle_id=" + state.ID.String(), http.StatusUnauthorized},
		{"missing battle id", "/ws/battle?token=alice", http.StatusBadRequest},
		{"bad battle id", "/ws/battle?battle_id=nope&token=alice", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("status: got %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}
