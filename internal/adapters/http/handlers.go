package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/dkeye/roomsync/internal/adapters/httpclient"
	"github.com/dkeye/roomsync/internal/adapters/signal"
	"github.com/dkeye/roomsync/internal/adapters/token"
	"github.com/dkeye/roomsync/internal/app/orch"
	"github.com/dkeye/roomsync/internal/domain"
	"github.com/dkeye/roomsync/internal/protocol"
)

// Handlers serves the request/response fallback. Every endpoint maps to
// one orchestrator command and answers {success, data, error, code}.
type Handlers struct {
	Orch     *orch.Orchestrator
	Verifier signal.Verifier
}

func respond(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, err error) {
	code := protocol.CodeOf(err)
	c.JSON(statusOf(err), httpclient.Response{Success: false, Error: err.Error(), Code: code})
}

func abortUnauthorized(c *gin.Context, reason string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, httpclient.Response{Success: false, Error: reason, Code: protocol.CodeUnauthorized})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrInsufficientPermissions), errors.Is(err, domain.ErrMutedByModerator):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrRoomNotFound), errors.Is(err, domain.ErrParticipantNotFound), errors.Is(err, domain.ErrNotJoined):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyJoined), errors.Is(err, domain.ErrRoomFull), errors.Is(err, domain.ErrRoomClosed):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrRateLimited):
		return http.StatusTooManyRequests
	case protocol.CodeOf(err) == protocol.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func actorOf(c *gin.Context) orch.Actor {
	id, _ := c.MustGet(ctxIdentity).(token.Identity)
	return orch.Actor{Participant: id.Participant, Alias: id.Alias, Role: id.Role}
}

// command builds the envelope for the request; body, when non-nil, is
// bound from JSON first.
func command(c *gin.Context, typ string, body any) (protocol.Envelope, bool) {
	if body != nil && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(body); err != nil {
			fail(c, errors.Join(protocol.ErrBadRequest, err))
			return protocol.Envelope{}, false
		}
	}
	env, err := protocol.New(typ, c.GetHeader(httpclient.IdempotencyHeader), domain.SessionID(c.Param("sid")), body)
	if err != nil {
		fail(c, err)
		return protocol.Envelope{}, false
	}
	return env, true
}

func (h *Handlers) run(c *gin.Context, env protocol.Envelope) {
	res, err := h.Orch.Execute(actorOf(c), env)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, res.Event)
}

func (h *Handlers) Login(c *gin.Context) {
	var req struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		fail(c, protocol.ErrBadRequest)
		return
	}
	id, err := h.Verifier.Verify(req.Token)
	if err != nil {
		abortUnauthorized(c, err.Error())
		return
	}
	s := sessions.Default(c)
	s.Set(cookieToken, req.Token)
	if err := s.Save(); err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{"participant": id.Participant, "role": id.Role.String()})
}

func (h *Handlers) Logout(c *gin.Context) {
	s := sessions.Default(c)
	s.Clear()
	_ = s.Save()
	respond(c, nil)
}

func (h *Handlers) ListSessions(c *gin.Context) {
	respond(c, h.Orch.Sessions.List())
}

func (h *Handlers) GetSession(c *gin.Context) {
	snap, err := h.Orch.Snapshot(domain.SessionID(c.Param("sid")))
	if err != nil {
		fail(c, err)
		return
	}
	if _, ok := snap.Participants[actorOf(c).Participant]; !ok {
		fail(c, domain.ErrNotJoined)
		return
	}
	respond(c, snap)
}

func (h *Handlers) JoinSession(c *gin.Context) {
	var p protocol.JoinSessionPayload
	env, ok := command(c, protocol.TypeJoinSession, &p)
	if !ok {
		return
	}
	res, err := h.Orch.Execute(actorOf(c), env)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, res.Snapshot)
}

func (h *Handlers) LeaveSession(c *gin.Context) {
	env, ok := command(c, protocol.TypeLeaveSession, nil)
	if ok {
		h.run(c, env)
	}
}

func (h *Handlers) SendMessage(c *gin.Context) {
	var p protocol.SendMessagePayload
	if env, ok := command(c, protocol.TypeSendMessage, &p); ok {
		h.run(c, env)
	}
}

func (h *Handlers) CreateRoom(c *gin.Context) {
	var p protocol.CreateRoomPayload
	if env, ok := command(c, protocol.TypeCreateRoom, &p); ok {
		h.run(c, env)
	}
}

func (h *Handlers) JoinRoom(c *gin.Context) {
	var p protocol.RoomMemberPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&p); err != nil {
			fail(c, errors.Join(protocol.ErrBadRequest, err))
			return
		}
	}
	p.Room = domain.RoomID(c.Param("rid"))
	if env, ok := command(c, protocol.TypeJoinRoom, nil); ok {
		env, _ = protocol.New(env.Type, env.ID, env.Session, p)
		h.run(c, env)
	}
}

func (h *Handlers) LeaveRoom(c *gin.Context) {
	if env, ok := command(c, protocol.TypeLeaveRoom, nil); ok {
		env, _ = protocol.New(env.Type, env.ID, env.Session, protocol.RoomMemberPayload{Room: domain.RoomID(c.Param("rid"))})
		h.run(c, env)
	}
}

// Moderate serves mute, unmute and kick; the verb is the last path segment.
func (h *Handlers) Moderate(c *gin.Context) {
	path := c.FullPath()
	typ := path[strings.LastIndex(path, "/")+1:]
	env, ok := command(c, typ, nil)
	if !ok {
		return
	}
	env, _ = protocol.New(env.Type, env.ID, env.Session, protocol.TargetPayload{Target: domain.ParticipantID(c.Param("pid"))})
	h.run(c, env)
}

func (h *Handlers) SetHand(c *gin.Context) {
	var p protocol.HandPayload
	env, ok := command(c, protocol.TypeRaiseHand, &p)
	if !ok {
		return
	}
	if !p.Raised {
		env.Type = protocol.TypeLowerHand
	}
	h.run(c, env)
}

func (h *Handlers) SetMic(c *gin.Context) {
	var p protocol.MicPayload
	if env, ok := command(c, protocol.TypeSetMic, &p); ok {
		h.run(c, env)
	}
}
