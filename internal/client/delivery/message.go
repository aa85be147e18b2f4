package delivery

import (
	"encoding/json"
	"time"

	"github.com/dkeye/roomsync/internal/domain"
)

type Status int

const (
	Pending Status = iota
	Sent
	Delivered
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Sent:
		return "sent"
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is one unit of outbound work.
type Message struct {
	ID      string
	Session domain.SessionID
	Event   string
	Payload json.RawMessage
	Status  Status
	// Attempt counts transmissions so far.
	Attempt   int
	CreatedAt time.Time
	// UpdatedAt is the last status change; the ack timeout runs from here.
	UpdatedAt time.Time
	LastError error
	// Terminal is set once the message left the retry cycle for good.
	Terminal bool
}

// Result reports the end of a message's life: delivered, or failed for
// good with the original payload so the caller may resubmit.
type Result struct {
	Message Message
	Err     error
}

func (r Result) Delivered() bool { return r.Err == nil && r.Message.Status == Delivered }
