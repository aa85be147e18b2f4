package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/roomsync/internal/app/orch"
	"github.com/dkeye/roomsync/internal/protocol"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, actor orch.Actor, c *WsSignalConn) {
	defer func() {
		cancel()
		log.Info().Str("module", "signal").Str("conn_id", string(actor.Conn)).Msg("readPump closing")
		ctl.Orch.OnDisconnect(actor.Conn)
		c.Close()
	}()
	// The read deadline is pushed forward by every pong and every frame.
	wait := 2 * ctl.opts.PingPeriod
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})
	go func() {
		<-ctx.Done()
		_ = c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signal").Str("conn_id", string(actor.Conn)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
		ctl.handleSignal(actor, c, data)
	}
}

func (ctl *SignalWSController) handleSignal(actor orch.Actor, c *WsSignalConn, data []byte) {
	env, err := protocol.Unmarshal(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendEnvelope(c, orch.Reply("", protocol.ErrBadRequest))
		return
	}

	switch env.Type {
	case protocol.TypeHeartbeat:
		ctl.sendEnvelope(c, protocol.Envelope{Type: protocol.TypeHeartbeatAck})
	case protocol.TypeAuth:
		log.Debug().Str("module", "signal").Str("conn_id", string(actor.Conn)).Msg("repeated auth ignored")
	default:
		_, err := ctl.Orch.Execute(actor, env)
		ctl.sendEnvelope(c, orch.Reply(env.ID, err))
	}
}

func (ctl *SignalWSController) sendEnvelope(c *WsSignalConn, env protocol.Envelope) {
	b, err := protocol.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendEnvelope marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("type", env.Type).Msg("sendEnvelope dropped")
	}
}
