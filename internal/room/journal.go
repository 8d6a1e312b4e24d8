package room

import "github.com/J511Y/share-paint-sub000/internal/protocol"

// journalSize bounds how far back a resume can replay. Older gaps are
// covered by the canvas snapshots in the recovery payload instead.
const journalSize = 256

// journal is a ring of the most recent broadcast events, ordered by
// sequence.
type journal struct {
	events []protocol.BroadcastEvent
	start  int
	count  int
}

func newJournal() *journal {
	return &journal{events: make([]protocol.BroadcastEvent, journalSize)}
}

func (j *journal) append(ev protocol.BroadcastEvent) {
	idx := (j.start + j.count) % len(j.events)
	j.events[idx] = ev
	if j.count < len(j.events) {
		j.count++
	} else {
		j.start = (j.start + 1) % len(j.events)
	}
}

// since returns all journaled events with seq strictly greater than
// lastSeq. If lastSeq predates the oldest retained event the caller gets
// only what the ring still holds; recovery snapshots carry full canvas
// state, so nothing is lost by the gap.
func (j *journal) since(lastSeq uint64) []protocol.BroadcastEvent {
	var out []protocol.BroadcastEvent
	for i := 0; i < j.count; i++ {
		ev := j.events[(j.start+i)%len(j.events)]
		if ev.Seq > lastSeq {
			out = append(out, ev)
		}
	}
	return out
}

// covers reports whether the ring still holds every event after lastSeq.
func (j *journal) covers(lastSeq uint64) bool {
	if j.count == 0 {
		return true
	}
	oldest := j.events[j.start].Seq
	return lastSeq+1 >= oldest
}
