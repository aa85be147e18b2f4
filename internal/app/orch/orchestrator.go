// Package orch runs relay commands against sessions and fans the
// resulting events out to attached connections.
package orch

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/roomsync/internal/app"
	"github.com/dkeye/roomsync/internal/core"
	"github.com/dkeye/roomsync/internal/domain"
	"github.com/dkeye/roomsync/internal/metrics"
	"github.com/dkeye/roomsync/internal/protocol"
)

func decode(cmd protocol.Envelope, v any) error {
	if err := cmd.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrBadRequest, err)
	}
	return nil
}

type Orchestrator struct {
	Registry *app.Registry
	Sessions *app.SessionManager
	Policy   app.Policy
	// RoomLimiter bounds create_room per participant; nil disables it.
	RoomLimiter *app.RateLimiter
	Seen        *app.Idempotency
	Metrics     *metrics.Server
	Now         func() time.Time
}

// Actor is the authenticated origin of a command. Conn is empty for
// request/response callers.
type Actor struct {
	Participant domain.ParticipantID
	Alias       string
	Role        domain.Role
	Conn        core.ConnID
}

// Result is what a command produced: the broadcast event, and for joins
// the snapshot handed to the joiner.
type Result struct {
	Event     protocol.Envelope
	Snapshot  *domain.SessionSnapshot
	Duplicate bool
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

// Execute runs cmd for actor. A command id seen before for the same
// participant returns the remembered outcome without touching state.
func (o *Orchestrator) Execute(actor Actor, cmd protocol.Envelope) (Result, error) {
	if o.Seen != nil {
		if prev, ok := o.Seen.Lookup(actor.Participant, cmd.ID); ok {
			o.count(cmd.Type, "duplicate")
			log.Debug().Str("module", "app.orch").Str("message_id", cmd.ID).Str("type", cmd.Type).Msg("duplicate command")
			return Result{Event: prev.Event, Snapshot: prev.Snapshot, Duplicate: true}, prev.Err
		}
	}
	res, err := o.execute(actor, cmd)
	if o.Seen != nil && !errors.Is(err, protocol.ErrRateLimited) {
		o.Seen.Remember(actor.Participant, cmd.ID, app.Outcome{Event: res.Event, Snapshot: res.Snapshot, Err: err})
	}
	if err != nil {
		o.count(cmd.Type, "error")
		log.Warn().Str("module", "app.orch").Err(err).Str("type", cmd.Type).Str("participant", string(actor.Participant)).Msg("command rejected")
		return res, err
	}
	o.count(cmd.Type, "ok")
	return res, nil
}

func (o *Orchestrator) count(typ, result string) {
	if o.Metrics != nil {
		o.Metrics.Commands.WithLabelValues(typ, result).Inc()
	}
}

func (o *Orchestrator) execute(actor Actor, cmd protocol.Envelope) (Result, error) {
	if cmd.Session == "" {
		return Result{}, fmt.Errorf("%w: missing session", protocol.ErrBadRequest)
	}
	switch cmd.Type {
	case protocol.TypeJoinSession:
		var p protocol.JoinSessionPayload
		if err := decode(cmd, &p); err != nil {
			return Result{}, err
		}
		return o.Join(actor, cmd.Session, p.Participant)
	case protocol.TypeLeaveSession:
		return o.Leave(actor, cmd.Session)
	}

	sess, ok := o.Sessions.Get(cmd.Session)
	if !ok {
		return Result{}, domain.ErrNotJoined
	}
	var (
		ev  protocol.Envelope
		err error
	)
	switch cmd.Type {
	case protocol.TypeSendMessage:
		var p protocol.SendMessagePayload
		if err = decode(cmd, &p); err != nil {
			return Result{}, err
		}
		if p.Message.ID == "" {
			p.Message.ID = cmd.ID
		}
		ev, err = sess.PostMessage(actor.Participant, p.Message, o.now())
	case protocol.TypeCreateRoom:
		var p protocol.CreateRoomPayload
		if err = decode(cmd, &p); err != nil {
			return Result{}, err
		}
		if o.RoomLimiter != nil && !o.RoomLimiter.Allow(actor.Participant) {
			return Result{}, protocol.ErrRateLimited
		}
		ev, err = sess.CreateRoom(actor.Participant, p.Config)
	case protocol.TypeJoinRoom:
		var p protocol.RoomMemberPayload
		if err = decode(cmd, &p); err != nil {
			return Result{}, err
		}
		ev, err = sess.JoinRoom(actor.Participant, p.Room, p.Participant)
	case protocol.TypeLeaveRoom:
		var p protocol.RoomMemberPayload
		if err = decode(cmd, &p); err != nil {
			return Result{}, err
		}
		ev, err = sess.LeaveRoom(actor.Participant, p.Room)
	case protocol.TypeMute, protocol.TypeUnmute:
		var p protocol.TargetPayload
		if err = decode(cmd, &p); err != nil {
			return Result{}, err
		}
		if cmd.Type == protocol.TypeMute {
			ev, err = sess.Mute(actor.Participant, p.Target)
		} else {
			ev, err = sess.Unmute(actor.Participant, p.Target)
		}
	case protocol.TypeKick:
		var p protocol.TargetPayload
		if err = decode(cmd, &p); err != nil {
			return Result{}, err
		}
		return o.Kick(actor, sess, p.Target)
	case protocol.TypeRaiseHand, protocol.TypeLowerHand:
		ev, err = sess.SetHand(actor.Participant, cmd.Type == protocol.TypeRaiseHand)
	case protocol.TypeSetMic:
		var p protocol.MicPayload
		if err = decode(cmd, &p); err != nil {
			return Result{}, err
		}
		ev, err = sess.SetMic(actor.Participant, p.Muted)
	default:
		return Result{}, fmt.Errorf("%w: unknown command %s", protocol.ErrBadRequest, cmd.Type)
	}
	if err != nil {
		return Result{}, err
	}
	o.publish(sess, "", ev)
	return Result{Event: ev}, nil
}

// publish encodes ev and sends it to every connection of sess except
// from, applying the backpressure policy to connections that lag.
func (o *Orchestrator) publish(sess core.SessionService, from core.ConnID, ev protocol.Envelope) {
	data, err := protocol.Marshal(ev)
	if err != nil {
		log.Error().Str("module", "app.orch").Err(err).Str("type", ev.Type).Msg("encode event")
		return
	}
	res := sess.Broadcast(from, data)
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(sess, slow) {
		case app.KickMember:
			if cid, ok := o.Registry.Find(slow); ok {
				if o.Metrics != nil {
					o.Metrics.BackpressureDrops.Inc()
				}
				log.Warn().Str("module", "app.orch").Str("conn_id", string(cid)).Str("participant", string(slow.Participant())).Msg("dropping slow connection")
				sess.Detach(cid)
				o.Registry.ClearSession(cid)
				o.Registry.Cancel(cid)
			}
		case app.MarkSlow, app.DropFrame, app.NoAction:
		}
	}
}
