package room

import (
	"github.com/J511Y/share-paint-sub000/internal/battle"
	"github.com/J511Y/share-paint-sub000/internal/protocol"
)

// Command is a message into a room actor's inbox. All room state mutation
// happens on the actor goroutine; callers communicate through replies.
type Command interface{ isCommand() }

// Op is a client operation envelope with its validated payload and the
// authenticated sender from the connection layer. The actor sends exactly
// one ack on Reply.
type Op struct {
	UserID  string
	Env     protocol.Envelope
	Payload any
	Reply   chan protocol.Ack
}

// Resume asks for a recovery snapshot for a reconnecting client.
type Resume struct {
	Payload protocol.ResumePayload
	Reply   chan protocol.RecoverySnapshot
}

// GetInfo requests a consistent copy of current room state.
type GetInfo struct {
	Reply chan Info
}

// Shutdown stops the actor goroutine.
type Shutdown struct{}

func (Op) isCommand()       {}
func (Resume) isCommand()   {}
func (GetInfo) isCommand()  {}
func (Shutdown) isCommand() {}

// Info is a point-in-time copy of room state, safe to use off the actor
// goroutine.
type Info struct {
	Room         battle.Room
	Participants []battle.Participant
	ServerSeq    uint64
	TimeLeft     int
	Winner       string
	Evictable    bool
}
