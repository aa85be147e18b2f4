package reconcile

import "github.com/dkeye/roomsync/internal/domain"

// DedupIndex maps each participant to the connection that most recently
// reported it. It only filters presence events replayed by a reconnect
// race; the snapshot stays the source of truth.
type DedupIndex struct {
	byParticipant map[domain.ParticipantID]string
}

func NewDedupIndex() *DedupIndex {
	return &DedupIndex{byParticipant: make(map[domain.ParticipantID]string)}
}

// Accept reports whether a presence event for id that arrived on conn may
// be applied. Events without a connection id (request/response echoes)
// are always accepted.
func (d *DedupIndex) Accept(id domain.ParticipantID, conn string) bool {
	if conn == "" {
		return true
	}
	known, ok := d.byParticipant[id]
	return !ok || known == conn
}

func (d *DedupIndex) Record(id domain.ParticipantID, conn string) {
	if conn == "" {
		return
	}
	d.byParticipant[id] = conn
}

func (d *DedupIndex) Forget(id domain.ParticipantID) { delete(d.byParticipant, id) }

// Rebuild resets the index from a full snapshot received on conn.
func (d *DedupIndex) Rebuild(participants map[domain.ParticipantID]domain.Participant, conn string) {
	d.Reset()
	for id := range participants {
		d.Record(id, conn)
	}
}

func (d *DedupIndex) Reset() { clear(d.byParticipant) }

func (d *DedupIndex) Len() int { return len(d.byParticipant) }

func (d *DedupIndex) Conn(id domain.ParticipantID) (string, bool) {
	c, ok := d.byParticipant[id]
	return c, ok
}
