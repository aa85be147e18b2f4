package app

import "github.com/dkeye/roomsync/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

type Policy interface {
	OnBackPressure(session core.SessionService, member core.MemberSession) BackpressureAction
}

// SimplePolicy drops a connection that cannot keep up; its client then
// reconnects and rebuilds from a fresh snapshot.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(session core.SessionService, member core.MemberSession) BackpressureAction {
	return KickMember
}
