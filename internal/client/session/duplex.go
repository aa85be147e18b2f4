package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dkeye/roomsync/internal/client/delivery"
	"github.com/dkeye/roomsync/internal/client/reconcile"
	"github.com/dkeye/roomsync/internal/core"
	"github.com/dkeye/roomsync/internal/domain"
	"github.com/dkeye/roomsync/internal/protocol"
)

// duplexTransport carries operations as intents on the delivery queue.
// Apart from JoinSession every call returns as soon as the message is
// pending; delivery is observed through the queue results.
type duplexTransport struct {
	queue *delivery.Queue
	rec   *reconcile.Reconciler
}

var _ core.SessionTransport = (*duplexTransport)(nil)

func (d *duplexTransport) Name() string { return "duplex" }

func (d *duplexTransport) enqueue(ctx context.Context, id domain.SessionID, event string, payload any) (core.Receipt, error) {
	mid := core.MessageIDFrom(ctx)
	if mid == "" {
		mid = uuid.NewString()
	}
	if err := d.queue.EnqueueWithID(mid, id, event, payload); err != nil {
		return core.Receipt{}, err
	}
	return core.Receipt{MessageID: mid}, nil
}

// JoinSession enqueues the join and waits for the full snapshot of id or
// for the permanent failure of the join message.
func (d *duplexTransport) JoinSession(ctx context.Context, id domain.SessionID, info domain.ParticipantInfo) (domain.SessionSnapshot, error) {
	updates, stopUpdates := d.rec.Subscribe(8)
	defer stopUpdates()
	results, stopResults := d.queue.Results(8)
	defer stopResults()

	r, err := d.enqueue(ctx, id, protocol.TypeJoinSession, protocol.JoinSessionPayload{Participant: info})
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return domain.SessionSnapshot{}, fmt.Errorf("join %s: %w", id, ctx.Err())
		case u, ok := <-updates:
			if !ok {
				return domain.SessionSnapshot{}, core.ErrChannelClosed
			}
			if u.Full && u.Snapshot.SessionID == id {
				return u.Snapshot, nil
			}
		case res, ok := <-results:
			if !ok {
				return domain.SessionSnapshot{}, core.ErrChannelClosed
			}
			if res.Message.ID == r.MessageID && res.Err != nil {
				return domain.SessionSnapshot{}, res.Err
			}
		}
	}
}

func (d *duplexTransport) LeaveSession(ctx context.Context, id domain.SessionID) error {
	_, err := d.enqueue(ctx, id, protocol.TypeLeaveSession, struct{}{})
	return err
}

func (d *duplexTransport) SendMessage(ctx context.Context, id domain.SessionID, msg domain.ChatMessage) (core.Receipt, error) {
	return d.enqueue(ctx, id, protocol.TypeSendMessage, protocol.SendMessagePayload{Message: msg})
}

func (d *duplexTransport) CreateBreakoutRoom(ctx context.Context, id domain.SessionID, cfg domain.RoomConfig) (core.Receipt, error) {
	return d.enqueue(ctx, id, protocol.TypeCreateRoom, protocol.CreateRoomPayload{Config: cfg})
}

func (d *duplexTransport) JoinBreakoutRoom(ctx context.Context, id domain.SessionID, room domain.RoomID, info domain.ParticipantInfo) (core.Receipt, error) {
	return d.enqueue(ctx, id, protocol.TypeJoinRoom, protocol.RoomMemberPayload{Room: room, Participant: info})
}

func (d *duplexTransport) LeaveBreakoutRoom(ctx context.Context, id domain.SessionID, room domain.RoomID) (core.Receipt, error) {
	return d.enqueue(ctx, id, protocol.TypeLeaveRoom, protocol.RoomMemberPayload{Room: room})
}

func (d *duplexTransport) MuteParticipant(ctx context.Context, id domain.SessionID, target domain.ParticipantID) (core.Receipt, error) {
	return d.enqueue(ctx, id, protocol.TypeMute, protocol.TargetPayload{Target: target})
}

func (d *duplexTransport) UnmuteParticipant(ctx context.Context, id domain.SessionID, target domain.ParticipantID) (core.Receipt, error) {
	return d.enqueue(ctx, id, protocol.TypeUnmute, protocol.TargetPayload{Target: target})
}

func (d *duplexTransport) KickParticipant(ctx context.Context, id domain.SessionID, target domain.ParticipantID) (core.Receipt, error) {
	return d.enqueue(ctx, id, protocol.TypeKick, protocol.TargetPayload{Target: target})
}

func (d *duplexTransport) SetHandRaised(ctx context.Context, id domain.SessionID, raised bool) (core.Receipt, error) {
	typ := protocol.TypeLowerHand
	if raised {
		typ = protocol.TypeRaiseHand
	}
	return d.enqueue(ctx, id, typ, struct{}{})
}

func (d *duplexTransport) SetMicMuted(ctx context.Context, id domain.SessionID, muted bool) (core.Receipt, error) {
	return d.enqueue(ctx, id, protocol.TypeSetMic, protocol.MicPayload{Muted: muted})
}
