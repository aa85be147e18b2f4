package app

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dkeye/roomsync/internal/domain"
	"github.com/dkeye/roomsync/internal/protocol"
)

// Outcome is the remembered result of one command.
type Outcome struct {
	Event    protocol.Envelope
	Snapshot *domain.SessionSnapshot
	Err      error
}

// Idempotency remembers recent command outcomes by participant and
// client message id so a retransmitted command is answered, not re-run.
type Idempotency struct {
	cache *lru.Cache[string, Outcome]
}

func NewIdempotency(size int) *Idempotency {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, Outcome](size)
	return &Idempotency{cache: c}
}

func key(p domain.ParticipantID, id string) string { return string(p) + "\x00" + id }

func (i *Idempotency) Lookup(p domain.ParticipantID, id string) (Outcome, bool) {
	if id == "" {
		return Outcome{}, false
	}
	return i.cache.Get(key(p, id))
}

func (i *Idempotency) Remember(p domain.ParticipantID, id string, o Outcome) {
	if id == "" {
		return
	}
	i.cache.Add(key(p, id), o)
}
