package reconcile

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dkeye/roomsync/internal/domain"
	"github.com/dkeye/roomsync/internal/metrics"
	"github.com/dkeye/roomsync/internal/protocol"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func event(t *testing.T, typ, id string, version uint64, conn string, payload any) protocol.Inbound {
	t.Helper()
	env, err := protocol.New(typ, id, "s1", payload)
	if err != nil {
		t.Fatalf("build %s: %v", typ, err)
	}
	env.Version = version
	return protocol.Inbound{ConnID: conn, Envelope: env}
}

func baseSnapshot() domain.SessionSnapshot {
	s := domain.NewSessionSnapshot("s1")
	s.Version = 1
	s.Participants["p1"] = domain.NewParticipant(domain.ParticipantInfo{ID: "p1", Alias: "Ana"}, domain.RoleHost, t0)
	s.Participants["p2"] = domain.NewParticipant(domain.ParticipantInfo{ID: "p2", Alias: "Ben"}, 0, t0)
	return *s
}

func newTestReconciler(t *testing.T) (*Reconciler, *metrics.Client) {
	t.Helper()
	m := metrics.NewClient(nil)
	r := New(Options{MessageLogLimit: 3}, m)
	t.Cleanup(r.Close)
	r.SetSelf("p1")
	if !r.Replace(baseSnapshot(), "conn-a") {
		t.Fatal("initial replace rejected")
	}
	return r, m
}

func joined(id domain.ParticipantID) protocol.ParticipantPayload {
	return protocol.ParticipantPayload{Participant: domain.NewParticipant(domain.ParticipantInfo{ID: id, Alias: string(id)}, 0, t0)}
}

func TestReconciler_DuplicateJoinFromSecondConnection(t *testing.T) {
	r, m := newTestReconciler(t)

	if !r.Apply(event(t, protocol.TypeParticipantJoined, "e1", 2, "conn-a", joined("p3"))) {
		t.Fatal("first join rejected")
	}
	if r.Apply(event(t, protocol.TypeParticipantJoined, "e1-replay", 0, "conn-b", joined("p3"))) {
		t.Fatal("join replayed on another connection was applied")
	}
	snap, _ := r.Snapshot()
	if len(snap.Participants) != 3 {
		t.Fatalf("participants = %d, want 3", len(snap.Participants))
	}
	if snap.Version != 2 {
		t.Fatalf("version = %d, want 2", snap.Version)
	}
	if got := testutil.ToFloat64(m.Dropped.WithLabelValues("connection")); got != 1 {
		t.Fatalf("connection drops = %v", got)
	}
}

func TestReconciler_RequestResponseEchoBypassesConnectionCheck(t *testing.T) {
	r, _ := newTestReconciler(t)
	if !r.Apply(event(t, protocol.TypeParticipantLeft, "e1", 0, "", protocol.ParticipantRefPayload{Participant: "p2"})) {
		t.Fatal("echo without connection id rejected")
	}
	if _, ok := r.Snapshot(); !ok {
		t.Fatal("snapshot lost")
	}
}

func TestReconciler_RepeatedEventID(t *testing.T) {
	r, m := newTestReconciler(t)
	ev := event(t, protocol.TypeHandRaised, "e7", 0, "conn-a", protocol.ParticipantRefPayload{Participant: "p2"})
	if !r.Apply(ev) {
		t.Fatal("first delivery rejected")
	}
	if r.Apply(ev) {
		t.Fatal("re-delivery applied")
	}
	snap, _ := r.Snapshot()
	if snap.Version != 2 || !snap.Participants["p2"].HandRaised {
		t.Fatalf("unexpected snapshot v%d hand=%t", snap.Version, snap.Participants["p2"].HandRaised)
	}
	if got := testutil.ToFloat64(m.Dropped.WithLabelValues("event_id")); got != 1 {
		t.Fatalf("event id drops = %v", got)
	}
}

func TestReconciler_ModeratorMuteLock(t *testing.T) {
	r, _ := newTestReconciler(t)

	r.Apply(event(t, protocol.TypeParticipantMuted, "m1", 0, "conn-a", protocol.ModerationPayload{Target: "p2", By: "p1", Locked: true}))
	snap, _ := r.Snapshot()
	if p := snap.Participants["p2"]; !p.IsMuted || !p.LockedMute || p.CanSelfUnmute() {
		t.Fatalf("expected locked mute, got %+v", p)
	}

	if r.Apply(event(t, protocol.TypeParticipantUnmuted, "m2", 0, "conn-a", protocol.ModerationPayload{Target: "p2", By: "p2"})) {
		t.Fatal("self unmute under lock applied")
	}
	if !r.Apply(event(t, protocol.TypeParticipantUnmuted, "m3", 0, "conn-a", protocol.ModerationPayload{Target: "p2", By: "p1", ByModerator: true})) {
		t.Fatal("moderator unmute rejected")
	}
	snap, _ = r.Snapshot()
	if p := snap.Participants["p2"]; p.IsMuted || p.LockedMute {
		t.Fatalf("expected unmuted, got %+v", p)
	}
}

func TestReconciler_SelfMuteIsNotLocked(t *testing.T) {
	r, _ := newTestReconciler(t)
	r.Apply(event(t, protocol.TypeParticipantMuted, "m1", 0, "conn-a", protocol.ModerationPayload{Target: "p2", By: "p2"}))
	if !r.Apply(event(t, protocol.TypeParticipantUnmuted, "m2", 0, "conn-a", protocol.ModerationPayload{Target: "p2", By: "p2"})) {
		t.Fatal("self unmute of a self mute rejected")
	}
}

func TestReconciler_VersionGapIsAppliedAndCounted(t *testing.T) {
	r, m := newTestReconciler(t)

	if !r.Apply(event(t, protocol.TypeHandRaised, "e1", 3, "conn-a", protocol.ParticipantRefPayload{Participant: "p2"})) {
		t.Fatal("event after a gap rejected")
	}
	if got := testutil.ToFloat64(m.Inconsistencies); got != 1 {
		t.Fatalf("inconsistencies = %v, want 1", got)
	}
	// Local is now v2, so v3 follows without a gap.
	r.Apply(event(t, protocol.TypeHandLowered, "e2", 3, "conn-a", protocol.ParticipantRefPayload{Participant: "p2"}))
	if got := testutil.ToFloat64(m.Inconsistencies); got != 1 {
		t.Fatalf("inconsistencies = %v, want still 1", got)
	}
	snap, _ := r.Snapshot()
	if snap.Version != 3 {
		t.Fatalf("version = %d, want 3", snap.Version)
	}
}

func TestReconciler_OlderSnapshotIgnoredUnlessStale(t *testing.T) {
	r, _ := newTestReconciler(t)
	newer := baseSnapshot()
	newer.Version = 5
	r.Replace(newer, "conn-a")

	older := baseSnapshot()
	older.Version = 3
	if r.Replace(older, "conn-a") {
		t.Fatal("older snapshot replaced a fresh one")
	}

	r.MarkStale()
	if snap, _ := r.Snapshot(); !snap.Stale {
		t.Fatal("snapshot not marked stale")
	}
	if !r.Replace(older, "conn-b") {
		t.Fatal("snapshot after reconnect rejected")
	}
	snap, _ := r.Snapshot()
	if snap.Stale || snap.Version != 3 {
		t.Fatalf("unexpected snapshot stale=%t v%d", snap.Stale, snap.Version)
	}
	// The index now points at the new connection.
	if c, _ := r.index.Conn("p2"); c != "conn-b" {
		t.Fatalf("index conn %q", c)
	}
}

func TestReconciler_SessionStateUsesEnvelopeVersion(t *testing.T) {
	r, _ := newTestReconciler(t)
	ups, stop := r.Subscribe(4)
	defer stop()

	snap := baseSnapshot()
	snap.Version = 0
	if !r.Apply(event(t, protocol.TypeSessionState, "", 9, "conn-a", protocol.SessionStatePayload{Snapshot: snap})) {
		t.Fatal("session state rejected")
	}
	u := <-ups
	if !u.Full || u.Snapshot.Version != 9 {
		t.Fatalf("unexpected update full=%t v%d", u.Full, u.Snapshot.Version)
	}
}

func TestReconciler_KickedSelfEndsSession(t *testing.T) {
	r, _ := newTestReconciler(t)
	ups, stop := r.Subscribe(4)
	defer stop()

	r.Apply(event(t, protocol.TypeParticipantKicked, "k1", 0, "conn-a", protocol.ModerationPayload{Target: "p1", By: "p9"}))
	if _, ok := r.Snapshot(); ok {
		t.Fatal("snapshot kept after kick")
	}
	u := <-ups
	if !u.Ended || u.Reason != "kicked" || u.Snapshot.SessionID != "s1" {
		t.Fatalf("unexpected update %+v", u)
	}
}

func TestReconciler_KickedOtherRemovesParticipant(t *testing.T) {
	r, _ := newTestReconciler(t)
	r.Apply(event(t, protocol.TypeParticipantKicked, "k1", 0, "conn-a", protocol.ModerationPayload{Target: "p2", By: "p1"}))
	snap, _ := r.Snapshot()
	if _, ok := snap.Participants["p2"]; ok {
		t.Fatal("kicked participant still present")
	}
}

func TestReconciler_Rooms(t *testing.T) {
	r, _ := newTestReconciler(t)
	room := domain.NewBreakoutRoom(domain.RoomConfig{ID: "r1", Name: "design", Capacity: 2}, "p1")
	r.Apply(event(t, protocol.TypeRoomCreated, "r-1", 0, "conn-a", protocol.RoomPayload{Room: *room}))
	r2 := domain.NewBreakoutRoom(domain.RoomConfig{ID: "r2", Name: "ops"}, "p1")
	r.Apply(event(t, protocol.TypeRoomCreated, "r-2", 0, "conn-a", protocol.RoomPayload{Room: *r2}))

	r.Apply(event(t, protocol.TypeRoomJoined, "j1", 0, "conn-a", protocol.RoomMembershipPayload{Room: "r1", Participant: "p2"}))
	r.Apply(event(t, protocol.TypeRoomJoined, "j2", 0, "conn-a", protocol.RoomMembershipPayload{Room: "r2", Participant: "p2"}))

	snap, _ := r.Snapshot()
	if snap.Rooms["r1"].Has("p2") || !snap.Rooms["r2"].Has("p2") {
		t.Fatal("membership did not move between rooms")
	}
	if r.Apply(event(t, protocol.TypeRoomJoined, "j3", 0, "conn-a", protocol.RoomMembershipPayload{Room: "nope", Participant: "p2"})) {
		t.Fatal("join of unknown room applied")
	}
	r.Apply(event(t, protocol.TypeRoomLeft, "l1", 0, "conn-a", protocol.RoomMembershipPayload{Room: "r2", Participant: "p2"}))
	snap, _ = r.Snapshot()
	if rid, ok := snap.RoomOf("p2"); ok {
		t.Fatalf("p2 still in %s", rid)
	}
}

func TestReconciler_MessagesDedupedAndBounded(t *testing.T) {
	r, m := newTestReconciler(t)
	for i, id := range []string{"a", "b", "a", "c", "d"} {
		msg := domain.ChatMessage{ID: id, From: "p2", Content: id, Type: domain.MessageText, SentAt: t0.Add(time.Duration(i) * time.Second)}
		r.Apply(event(t, protocol.TypeMessage, "ev-"+string(rune('0'+i)), 0, "conn-a", protocol.MessagePayload{Message: msg}))
	}
	snap, _ := r.Snapshot()
	var ids []string
	for _, msg := range snap.Messages {
		ids = append(ids, msg.ID)
	}
	if len(ids) != 3 || ids[0] != "b" || ids[2] != "d" {
		t.Fatalf("messages = %v, want [b c d]", ids)
	}
	if got := testutil.ToFloat64(m.Dropped.WithLabelValues("message_id")); got != 1 {
		t.Fatalf("message id drops = %v", got)
	}
	if !snap.Participants["p2"].LastActivity.Equal(t0.Add(4 * time.Second)) {
		t.Fatalf("last activity %v", snap.Participants["p2"].LastActivity)
	}
}

func TestReconciler_DropsWithoutOrForeignSession(t *testing.T) {
	r := New(DefaultOptions(), nil)
	defer r.Close()
	if r.Apply(event(t, protocol.TypeHandRaised, "e1", 0, "conn-a", protocol.ParticipantRefPayload{Participant: "p2"})) {
		t.Fatal("event applied without a snapshot")
	}
	r.Replace(baseSnapshot(), "conn-a")
	env, _ := protocol.New(protocol.TypeHandRaised, "e2", "other", protocol.ParticipantRefPayload{Participant: "p2"})
	if r.Apply(protocol.Inbound{ConnID: "conn-a", Envelope: env}) {
		t.Fatal("event of another session applied")
	}
}

func TestDedupIndex(t *testing.T) {
	d := NewDedupIndex()
	if !d.Accept("p1", "a") {
		t.Fatal("unknown participant rejected")
	}
	d.Record("p1", "a")
	if d.Accept("p1", "b") || !d.Accept("p1", "a") || !d.Accept("p1", "") {
		t.Fatal("unexpected accept result")
	}
	d.Record("p2", "")
	if d.Len() != 1 {
		t.Fatalf("len = %d", d.Len())
	}
	d.Forget("p1")
	if !d.Accept("p1", "b") {
		t.Fatal("forgotten participant rejected")
	}
}
