package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/roomsync/internal/client/clienttest"
	"github.com/dkeye/roomsync/internal/client/connection"
	"github.com/dkeye/roomsync/internal/client/delivery"
	"github.com/dkeye/roomsync/internal/core"
	"github.com/dkeye/roomsync/internal/domain"
	"github.com/dkeye/roomsync/internal/protocol"
)

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func testOptions() Options {
	o := DefaultOptions()
	o.Connection = connection.Options{
		HeartbeatInterval: time.Hour,
		MaxAttempts:       1,
		Backoff:           connection.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1},
	}
	o.Delivery = delivery.Options{MaxRetryAttempts: 3, AckTimeout: time.Second, SweepInterval: 20 * time.Millisecond}
	o.JoinGrace = 300 * time.Millisecond
	o.JoinTimeout = 2 * time.Second
	return o
}

func snapshotWith(version uint64, ps ...domain.Participant) domain.SessionSnapshot {
	s := domain.NewSessionSnapshot("s1")
	s.Version = version
	for _, p := range ps {
		s.Participants[p.ID] = p
	}
	return *s
}

func participant(id domain.ParticipantID, role domain.Role) domain.Participant {
	return domain.NewParticipant(domain.ParticipantInfo{ID: id, Alias: string(id)}, role, t0)
}

// fakeServer answers every command with a positive ack and join_session
// with the configured snapshot.
type fakeServer struct {
	mu   sync.Mutex
	snap domain.SessionSnapshot
}

func (f *fakeServer) setSnapshot(s domain.SessionSnapshot) {
	f.mu.Lock()
	f.snap = s
	f.mu.Unlock()
}

func (f *fakeServer) dialer() *clienttest.Dialer {
	return &clienttest.Dialer{Script: func(ctx context.Context, n int) (core.Channel, error) {
		ch := clienttest.NewChannel(fmt.Sprintf("conn-%d", n), "p1")
		ch.OnSend = func(env protocol.Envelope) {
			if env.Type == protocol.TypeHeartbeat {
				return
			}
			ch.Ack(env.ID)
			if env.Type == protocol.TypeJoinSession {
				f.mu.Lock()
				snap := f.snap
				f.mu.Unlock()
				state, _ := protocol.New(protocol.TypeSessionState, "", snap.SessionID, protocol.SessionStatePayload{Snapshot: snap})
				state.Version = snap.Version
				ch.Deliver(state)
			}
		}
		return ch, nil
	}}
}

type fakeFallback struct {
	mu    sync.Mutex
	snap  domain.SessionSnapshot
	err   error
	calls []string
	ids   []string
}

var _ core.SessionTransport = (*fakeFallback)(nil)

func (f *fakeFallback) Name() string { return "fake-http" }

func (f *fakeFallback) record(ctx context.Context, call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	f.ids = append(f.ids, core.MessageIDFrom(ctx))
	return f.err
}

func (f *fakeFallback) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeFallback) lastID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids[len(f.ids)-1]
}

func (f *fakeFallback) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFallback) receipt(ctx context.Context, call string) (core.Receipt, error) {
	if err := f.record(ctx, call); err != nil {
		return core.Receipt{}, err
	}
	return core.Receipt{MessageID: core.MessageIDFrom(ctx)}, nil
}

func (f *fakeFallback) JoinSession(ctx context.Context, id domain.SessionID, info domain.ParticipantInfo) (domain.SessionSnapshot, error) {
	if err := f.record(ctx, "join"); err != nil {
		return domain.SessionSnapshot{}, err
	}
	return f.snap, nil
}

func (f *fakeFallback) LeaveSession(ctx context.Context, id domain.SessionID) error {
	return f.record(ctx, "leave")
}

func (f *fakeFallback) SendMessage(ctx context.Context, id domain.SessionID, msg domain.ChatMessage) (core.Receipt, error) {
	if err := f.record(ctx, "message"); err != nil {
		return core.Receipt{}, err
	}
	env, _ := protocol.New(protocol.TypeMessage, "ev-"+msg.ID, id, protocol.MessagePayload{Message: msg})
	return core.Receipt{MessageID: core.MessageIDFrom(ctx), Event: &env}, nil
}

func (f *fakeFallback) CreateBreakoutRoom(ctx context.Context, id domain.SessionID, cfg domain.RoomConfig) (core.Receipt, error) {
	return f.receipt(ctx, "create_room")
}

func (f *fakeFallback) JoinBreakoutRoom(ctx context.Context, id domain.SessionID, room domain.RoomID, info domain.ParticipantInfo) (core.Receipt, error) {
	return f.receipt(ctx, "join_room")
}

func (f *fakeFallback) LeaveBreakoutRoom(ctx context.Context, id domain.SessionID, room domain.RoomID) (core.Receipt, error) {
	return f.receipt(ctx, "leave_room")
}

func (f *fakeFallback) MuteParticipant(ctx context.Context, id domain.SessionID, target domain.ParticipantID) (core.Receipt, error) {
	return f.receipt(ctx, "mute")
}

func (f *fakeFallback) UnmuteParticipant(ctx context.Context, id domain.SessionID, target domain.ParticipantID) (core.Receipt, error) {
	return f.receipt(ctx, "unmute")
}

func (f *fakeFallback) KickParticipant(ctx context.Context, id domain.SessionID, target domain.ParticipantID) (core.Receipt, error) {
	return f.receipt(ctx, "kick")
}

func (f *fakeFallback) SetHandRaised(ctx context.Context, id domain.SessionID, raised bool) (core.Receipt, error) {
	return f.receipt(ctx, "hand")
}

func (f *fakeFallback) SetMicMuted(ctx context.Context, id domain.SessionID, muted bool) (core.Receipt, error) {
	return f.receipt(ctx, "mic")
}

var self = domain.ParticipantInfo{ID: "p1", Alias: "Ana"}

func newDuplexSession(t *testing.T, srv *fakeServer) (*Session, *clienttest.Dialer) {
	t.Helper()
	d := srv.dialer()
	s := New(Deps{Dialer: d, Tokens: clienttest.NewTokens("p1")}, testOptions())
	t.Cleanup(func() { _ = s.Close() })
	return s, d
}

func TestSession_JoinOverDuplex(t *testing.T) {
	srv := &fakeServer{}
	srv.setSnapshot(snapshotWith(1, participant("p1", domain.RoleHost)))
	s, d := newDuplexSession(t, srv)

	snap, err := s.JoinSession(context.Background(), "s1", self)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if snap.Version != 1 || len(snap.Participants) != 1 {
		t.Fatalf("snapshot v%d with %d participants, want v1 with 1", snap.Version, len(snap.Participants))
	}
	if !s.Connected() {
		t.Fatal("expected a live duplex channel")
	}
	if n := len(d.Last().Sent(protocol.TypeJoinSession)); n != 1 {
		t.Fatalf("join_session sent %d times", n)
	}
	if _, err := s.JoinSession(context.Background(), "s2", self); !errors.Is(err, domain.ErrAlreadyJoined) {
		t.Fatalf("expected already joined, got %v", err)
	}
}

func TestSession_InvalidIdentityRejectedBeforeNetwork(t *testing.T) {
	s, d := newDuplexSession(t, &fakeServer{})
	_, err := s.JoinSession(context.Background(), "s1", domain.ParticipantInfo{ID: "p1"})
	if !errors.Is(err, domain.ErrAliasEmpty) {
		t.Fatalf("expected alias error, got %v", err)
	}
	if d.Calls() != 0 {
		t.Fatal("dialed for an invalid join")
	}
}

func TestSession_OperationsRequireJoin(t *testing.T) {
	s, _ := newDuplexSession(t, &fakeServer{})
	ctx := context.Background()
	if _, err := s.SendMessage(ctx, domain.ChatMessage{Content: "hi"}); !errors.Is(err, domain.ErrNotJoined) {
		t.Fatalf("send: %v", err)
	}
	if _, err := s.RaiseHand(ctx); !errors.Is(err, domain.ErrNotJoined) {
		t.Fatalf("hand: %v", err)
	}
	if err := s.LeaveSession(ctx); !errors.Is(err, domain.ErrNotJoined) {
		t.Fatalf("leave: %v", err)
	}
}

func TestSession_NonHostCannotJoinMissingRoom(t *testing.T) {
	srv := &fakeServer{}
	srv.setSnapshot(snapshotWith(1, participant("h1", domain.RoleHost), participant("p1", 0)))
	s, d := newDuplexSession(t, srv)
	if _, err := s.JoinSession(context.Background(), "s1", self); err != nil {
		t.Fatalf("join: %v", err)
	}

	_, err := s.JoinBreakoutRoom(context.Background(), "r-missing", domain.ParticipantInfo{})
	if !errors.Is(err, domain.ErrInsufficientPermissions) {
		t.Fatalf("expected insufficient permissions, got %v", err)
	}
	_, err = s.JoinBreakoutRoom(context.Background(), "r-missing", domain.ParticipantInfo{ID: "h1", Alias: "h1"})
	if !errors.Is(err, domain.ErrInsufficientPermissions) {
		t.Fatalf("moving another participant: %v", err)
	}
	if _, err := s.CreateBreakoutRoom(context.Background(), domain.RoomConfig{Name: "x"}); !errors.Is(err, domain.ErrInsufficientPermissions) {
		t.Fatalf("create room: %v", err)
	}
	if _, err := s.MuteParticipant(context.Background(), "h1"); !errors.Is(err, domain.ErrInsufficientPermissions) {
		t.Fatalf("mute: %v", err)
	}
	if n := len(d.Last().Sent(protocol.TypeJoinRoom, protocol.TypeCreateRoom, protocol.TypeMute)); n != 0 {
		t.Fatalf("%d rejected commands reached the network", n)
	}
}

func TestSession_HostRoomChecks(t *testing.T) {
	srv := &fakeServer{}
	snap := snapshotWith(1, participant("p1", domain.RoleHost), participant("p2", 0))
	room := domain.NewBreakoutRoom(domain.RoomConfig{ID: "r1", Name: "full", Capacity: 1}, "p1")
	room.Members["p2"] = struct{}{}
	snap.Rooms["r1"] = room
	srv.setSnapshot(snap)
	s, _ := newDuplexSession(t, srv)
	ctx := context.Background()
	if _, err := s.JoinSession(ctx, "s1", self); err != nil {
		t.Fatalf("join: %v", err)
	}

	if _, err := s.JoinBreakoutRoom(ctx, "r9", domain.ParticipantInfo{}); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("unknown room: %v", err)
	}
	if _, err := s.JoinBreakoutRoom(ctx, "r1", domain.ParticipantInfo{}); !errors.Is(err, domain.ErrRoomFull) {
		t.Fatalf("full room: %v", err)
	}
	if _, err := s.CreateBreakoutRoom(ctx, domain.RoomConfig{ID: "r1", Name: "again"}); !errors.Is(err, domain.ErrInvalidRoomConfig) {
		t.Fatalf("duplicate room: %v", err)
	}
	id, err := s.CreateBreakoutRoom(ctx, domain.RoomConfig{Name: "new"})
	if err != nil || id == "" {
		t.Fatalf("create room: %q %v", id, err)
	}
}

func TestSession_EmptyMessage(t *testing.T) {
	srv := &fakeServer{}
	srv.setSnapshot(snapshotWith(1, participant("p1", domain.RoleHost)))
	s, d := newDuplexSession(t, srv)
	if _, err := s.JoinSession(context.Background(), "s1", self); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := s.SendMessage(context.Background(), domain.ChatMessage{Content: "   "}); !errors.Is(err, domain.ErrEmptyMessage) {
		t.Fatalf("expected empty message error, got %v", err)
	}
	if len(d.Last().Sent(protocol.TypeSendMessage)) != 0 {
		t.Fatal("empty message was sent")
	}
}

func TestSession_SendMessageDelivered(t *testing.T) {
	srv := &fakeServer{}
	srv.setSnapshot(snapshotWith(1, participant("p1", domain.RoleHost)))
	s, d := newDuplexSession(t, srv)
	results, stop := s.DeliveryResults(8)
	defer stop()
	if _, err := s.JoinSession(context.Background(), "s1", self); err != nil {
		t.Fatalf("join: %v", err)
	}

	id, err := s.SendMessage(context.Background(), domain.ChatMessage{Content: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	timeout := time.After(2 * time.Second)
	for {
		select {
		case r := <-results:
			if r.Message.ID != id {
				continue
			}
			if !r.Delivered() {
				t.Fatalf("delivery failed: %v", r.Err)
			}
			sent := d.Last().Sent(protocol.TypeSendMessage)
			var p protocol.SendMessagePayload
			if err := sent[0].Decode(&p); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if p.Message.ID != id || p.Message.From != "p1" || p.Message.SentAt.IsZero() {
				t.Fatalf("message not stamped: %+v", p.Message)
			}
			return
		case <-timeout:
			t.Fatal("message never delivered")
		}
	}
}

func TestSession_LockedSelfUnmute(t *testing.T) {
	srv := &fakeServer{}
	p := participant("p1", 0)
	p.IsMuted, p.LockedMute = true, true
	srv.setSnapshot(snapshotWith(1, participant("h1", domain.RoleHost), p))
	s, _ := newDuplexSession(t, srv)
	if _, err := s.JoinSession(context.Background(), "s1", self); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := s.UnmuteSelf(context.Background()); !errors.Is(err, domain.ErrMutedByModerator) {
		t.Fatalf("expected muted by moderator, got %v", err)
	}
	if _, err := s.MuteSelf(context.Background()); err != nil {
		t.Fatalf("mute self: %v", err)
	}
}

func TestSession_KickedClearsSession(t *testing.T) {
	srv := &fakeServer{}
	srv.setSnapshot(snapshotWith(1, participant("h1", domain.RoleHost), participant("p1", 0)))
	s, d := newDuplexSession(t, srv)
	ups, stop := s.Subscribe(8)
	defer stop()
	if _, err := s.JoinSession(context.Background(), "s1", self); err != nil {
		t.Fatalf("join: %v", err)
	}

	kick, _ := protocol.New(protocol.TypeParticipantKicked, "k1", "s1", protocol.ModerationPayload{Target: "p1", By: "h1"})
	d.Last().Deliver(kick)

	timeout := time.After(2 * time.Second)
	for {
		select {
		case u := <-ups:
			if !u.Ended {
				continue
			}
			if u.Reason != "kicked" {
				t.Fatalf("ended with %q", u.Reason)
			}
			if _, err := s.RaiseHand(context.Background()); !errors.Is(err, domain.ErrNotJoined) {
				t.Fatalf("expected not joined after kick, got %v", err)
			}
			return
		case <-timeout:
			t.Fatal("kick not observed")
		}
	}
}

func TestSession_RejoinAfterReconnect(t *testing.T) {
	srv := &fakeServer{}
	srv.setSnapshot(snapshotWith(1, participant("p1", domain.RoleHost)))
	s, d := newDuplexSession(t, srv)
	if _, err := s.JoinSession(context.Background(), "s1", self); err != nil {
		t.Fatalf("join: %v", err)
	}
	first := d.Last()
	srv.setSnapshot(snapshotWith(7, participant("p1", domain.RoleHost), participant("p2", 0)))
	first.Drop(core.ErrTransport)

	ok := clienttest.Eventually(2*time.Second, func() bool {
		ch := d.Last()
		return ch != first && len(ch.Sent(protocol.TypeJoinSession)) == 1
	})
	if !ok {
		t.Fatal("no join_session on the new channel")
	}
	ok = clienttest.Eventually(2*time.Second, func() bool {
		snap, ok := s.Snapshot()
		return ok && snap.Version == 7 && !snap.Stale && len(snap.Participants) == 2
	})
	if !ok {
		t.Fatal("snapshot not rebuilt after reconnect")
	}
}

func TestSession_DegradesToFallback(t *testing.T) {
	d := &clienttest.Dialer{Script: func(ctx context.Context, n int) (core.Channel, error) {
		return nil, core.ErrTransport
	}}
	fb := &fakeFallback{snap: snapshotWith(4, participant("p1", domain.RoleHost))}
	s := New(Deps{Dialer: d, Tokens: clienttest.NewTokens("p1"), Fallback: fb}, testOptions())
	defer s.Close()
	ctx := context.Background()

	snap, err := s.JoinSession(ctx, "s1", self)
	if err != nil {
		t.Fatalf("join over fallback: %v", err)
	}
	if snap.Version != 4 {
		t.Fatalf("fallback snapshot v%d", snap.Version)
	}

	id, err := s.SendMessage(ctx, domain.ChatMessage{Content: "over http"})
	if err != nil {
		t.Fatalf("send over fallback: %v", err)
	}
	if fb.lastID() != id {
		t.Fatalf("fallback saw id %q, want %q", fb.lastID(), id)
	}
	// The echoed event lands in the snapshot.
	local, ok := s.Snapshot()
	if !ok || !local.HasMessage(id) {
		t.Fatal("fallback echo not applied")
	}

	// The fallback itself failing queues the intent under the same id.
	fb.setErr(fmt.Errorf("%w: connection refused", core.ErrTransport))
	id2, err := s.SendMessage(ctx, domain.ChatMessage{Content: "queued"})
	if err != nil {
		t.Fatalf("send with both transports down: %v", err)
	}
	if fb.lastID() != id2 {
		t.Fatal("queued id differs from the attempted fallback id")
	}
	pending := s.Pending()
	if len(pending) != 1 || pending[0].ID != id2 || pending[0].Status != delivery.Pending {
		t.Fatalf("unexpected pending %+v", pending)
	}

	// Validation and permission errors from the fallback are surfaced.
	fb.setErr(domain.ErrRoomClosed)
	before := fb.callCount()
	if _, err := s.RaiseHand(ctx); !errors.Is(err, domain.ErrRoomClosed) {
		t.Fatalf("expected server rejection, got %v", err)
	}
	if fb.callCount() != before+1 || len(s.Pending()) != 1 {
		t.Fatal("rejected command was queued")
	}
}

func TestSession_LeaveAlwaysClearsLocalState(t *testing.T) {
	srv := &fakeServer{}
	srv.setSnapshot(snapshotWith(1, participant("p1", domain.RoleHost)))
	s, d := newDuplexSession(t, srv)
	if _, err := s.JoinSession(context.Background(), "s1", self); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := s.LeaveSession(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, ok := s.Snapshot(); ok {
		t.Fatal("snapshot survived leave")
	}
	ok := clienttest.Eventually(time.Second, func() bool {
		return len(d.Last().Sent(protocol.TypeLeaveSession)) == 1
	})
	if !ok {
		t.Fatal("leave_session not sent")
	}
}
