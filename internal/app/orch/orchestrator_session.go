package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/roomsync/internal/core"
	"github.com/dkeye/roomsync/internal/domain"
	"github.com/dkeye/roomsync/internal/protocol"
)

// Join adds actor to session sid, creating it on first use. A duplex
// actor is attached and receives the full state as its next frame.
func (o *Orchestrator) Join(actor Actor, sid domain.SessionID, info domain.ParticipantInfo) (Result, error) {
	if info.ID == "" {
		info.ID = actor.Participant
	}
	if info.Alias == "" {
		info.Alias = actor.Alias
	}
	if info.ID != actor.Participant {
		return Result{}, domain.ErrInsufficientPermissions
	}
	if actor.Conn != "" {
		if prev, ok := o.Registry.SessionOf(actor.Conn); ok && prev != sid {
			return Result{}, domain.ErrAlreadyJoined
		}
	}
	sess := o.Sessions.GetOrCreate(sid)
	ev, err := sess.Join(info, actor.Role, o.now())
	if err != nil {
		o.Sessions.StopIfIdle(sid)
		return Result{}, err
	}
	if actor.Conn != "" {
		if ms, ok := o.Registry.Get(actor.Conn); ok {
			if err := sess.Attach(actor.Conn, ms); err != nil {
				log.Warn().Str("module", "app.orch").Err(err).Str("conn_id", string(actor.Conn)).Msg("attach failed")
			} else {
				o.Registry.SetSession(actor.Conn, sid)
			}
		}
	}
	o.publish(sess, actor.Conn, ev)
	o.gauge()
	snap := sess.Snapshot()
	log.Info().Str("module", "app.orch").Str("session", string(sid)).Str("participant", string(info.ID)).Uint64("version", snap.Version).Msg("joined")
	return Result{Event: ev, Snapshot: &snap}, nil
}

// Leave removes actor from sid and detaches its connection.
func (o *Orchestrator) Leave(actor Actor, sid domain.SessionID) (Result, error) {
	sess, ok := o.Sessions.Get(sid)
	if !ok {
		return Result{}, domain.ErrNotJoined
	}
	ev, err := sess.Leave(actor.Participant)
	if err != nil {
		return Result{}, err
	}
	o.detachAll(sess, actor.Participant)
	o.publish(sess, "", ev)
	o.Sessions.StopIfIdle(sid)
	o.gauge()
	return Result{Event: ev}, nil
}

// Kick removes target. The kicked participant's connections get the
// event first and are then detached from the session.
func (o *Orchestrator) Kick(actor Actor, sess core.SessionService, target domain.ParticipantID) (Result, error) {
	ev, err := sess.Kick(actor.Participant, target)
	if err != nil {
		return Result{}, err
	}
	o.publish(sess, "", ev)
	o.detachAll(sess, target)
	log.Info().Str("module", "app.orch").Str("session", string(sess.ID())).Str("target", string(target)).Str("by", string(actor.Participant)).Msg("kicked")
	return Result{Event: ev}, nil
}

func (o *Orchestrator) detachAll(sess core.SessionService, p domain.ParticipantID) {
	for _, cid := range sess.ConnsOf(p) {
		sess.Detach(cid)
		o.Registry.ClearSession(cid)
	}
}

// OnDisconnect marks the participant of a closed connection offline.
// The participant stays in the session so a reconnect can rejoin.
func (o *Orchestrator) OnDisconnect(conn core.ConnID) {
	ms, bound := o.Registry.Get(conn)
	sid, attached := o.Registry.SessionOf(conn)
	o.Registry.Unbind(conn)
	defer o.gauge()
	if !bound || !attached {
		return
	}
	sess, ok := o.Sessions.Get(sid)
	if !ok {
		return
	}
	sess.Detach(conn)
	if len(sess.ConnsOf(ms.Participant())) > 0 {
		return
	}
	ev, err := sess.SetStatus(ms.Participant(), domain.StatusOffline, o.now())
	if err != nil {
		return
	}
	o.publish(sess, conn, ev)
}

// Snapshot returns the current state of sid.
func (o *Orchestrator) Snapshot(sid domain.SessionID) (domain.SessionSnapshot, error) {
	sess, ok := o.Sessions.Get(sid)
	if !ok {
		return domain.SessionSnapshot{}, domain.ErrNotJoined
	}
	return sess.Snapshot(), nil
}

// Reply builds the ack frame for a command outcome.
func Reply(id string, err error) protocol.Envelope {
	ack := protocol.AckPayload{OK: err == nil}
	if err != nil {
		ack.Code = protocol.CodeOf(err)
		ack.Error = err.Error()
	}
	env, _ := protocol.New(protocol.TypeAck, id, "", ack)
	return env
}

func (o *Orchestrator) gauge() {
	if o.Metrics == nil {
		return
	}
	o.Metrics.Sessions.Set(float64(o.Sessions.Count()))
	o.Metrics.Connections.Set(float64(o.Registry.Count()))
}
