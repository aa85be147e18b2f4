package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/roomsync/internal/core"
	"github.com/dkeye/roomsync/internal/domain"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("p1") || !rl.Allow("p1") {
		t.Fatal("first two attempts must pass")
	}
	if rl.Allow("p1") {
		t.Fatal("third attempt inside the window passed")
	}
	if !rl.Allow("p2") {
		t.Fatal("limits are per participant")
	}
	now = now.Add(61 * time.Second)
	if !rl.Allow("p1") {
		t.Fatal("window did not slide")
	}
}

func TestIdempotency(t *testing.T) {
	seen := NewIdempotency(2)
	seen.Remember("p1", "m1", Outcome{Err: domain.ErrRoomFull})
	if o, ok := seen.Lookup("p1", "m1"); !ok || !errors.Is(o.Err, domain.ErrRoomFull) {
		t.Fatal("outcome not remembered")
	}
	if _, ok := seen.Lookup("p2", "m1"); ok {
		t.Fatal("ids are scoped by participant")
	}
	seen.Remember("p1", "", Outcome{})
	if _, ok := seen.Lookup("p1", ""); ok {
		t.Fatal("empty ids are never remembered")
	}
	seen.Remember("p1", "m2", Outcome{})
	seen.Remember("p1", "m3", Outcome{})
	if _, ok := seen.Lookup("p1", "m1"); ok {
		t.Fatal("oldest outcome not evicted")
	}
}

type nopSignal struct{}

func (nopSignal) TrySend(core.Frame) error { return nil }
func (nopSignal) Close()                   {}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	ms := core.NewMemberSession("p1", nopSignal{})
	ctx, cancel := context.WithCancel(context.Background())
	r.Bind("c1", ms, cancel)

	if _, ok := r.SessionOf("c1"); ok {
		t.Fatal("fresh connection attached to a session")
	}
	if !r.SetSession("c1", "s1") || r.SetSession("c9", "s1") {
		t.Fatal("SetSession")
	}
	if sid, ok := r.SessionOf("c1"); !ok || sid != "s1" {
		t.Fatal("SessionOf")
	}
	if cid, ok := r.Find(ms); !ok || cid != "c1" {
		t.Fatal("Find")
	}
	r.ClearSession("c1")
	if _, ok := r.SessionOf("c1"); ok {
		t.Fatal("ClearSession")
	}
	if !r.Cancel("c1") || ctx.Err() == nil {
		t.Fatal("Cancel did not stop the connection")
	}
	r.Unbind("c1")
	if r.Count() != 0 || r.Cancel("c1") {
		t.Fatal("Unbind")
	}
}

func TestSessionManager(t *testing.T) {
	m := NewSessionManager(10)
	a := m.GetOrCreate("b")
	if m.GetOrCreate("b") != a {
		t.Fatal("GetOrCreate created twice")
	}
	m.GetOrCreate("a")
	if _, err := a.Join(domain.ParticipantInfo{ID: "p1", Alias: "x"}, 0, time.Now()); err != nil {
		t.Fatal(err)
	}
	list := m.List()
	if len(list) != 2 || list[0].ID != "a" || list[1].Participants != 1 || list[1].Version != 1 {
		t.Fatalf("list %+v", list)
	}
	if m.StopIfIdle("b") {
		t.Fatal("stopped a session with participants")
	}
	if !m.StopIfIdle("a") || m.Count() != 1 {
		t.Fatal("idle session kept")
	}
	if _, ok := m.Get("a"); ok {
		t.Fatal("stopped session still reachable")
	}
}
