package http

import (
	"context"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/roomsync/internal/adapters/signal"
	"github.com/dkeye/roomsync/internal/app/orch"
	"github.com/dkeye/roomsync/internal/config"
)

const (
	cookieSession = "RoomsyncSessions"
	cookieToken   = "token"
	ctxIdentity   = "identity"
)

// AuthMiddleware accepts a bearer header or, for browser clients, the
// token stored in the cookie session by /api/login.
func AuthMiddleware(v signal.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if raw == "" {
			if t, ok := sessions.Default(c).Get(cookieToken).(string); ok {
				raw = t
			}
		}
		if raw == "" {
			abortUnauthorized(c, "missing credential")
			return
		}
		id, err := v.Verify(raw)
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}
		c.Set(ctxIdentity, id)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Server, o *orch.Orchestrator, v signal.Verifier, gatherer prometheus.Gatherer) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24, HttpOnly: true})
	r.Use(sessions.Sessions(cookieSession, store))

	ctrl := signal.NewSignalWSController(o, v, signal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		SendBuffer: cfg.SendBuffer,
	})
	h := &Handlers{Orch: o, Verifier: v}

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	r.GET("/healthz", func(c *gin.Context) { c.String(200, "ok") })

	api := r.Group("/api")
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("remote", c.ClientIP()).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})
	api.POST("/login", h.Login)
	api.POST("/logout", h.Logout)

	authed := api.Group("/sessions", AuthMiddleware(v))
	authed.GET("", h.ListSessions)
	authed.GET("/:sid", h.GetSession)
	authed.POST("/:sid/join", h.JoinSession)
	authed.POST("/:sid/leave", h.LeaveSession)
	authed.POST("/:sid/messages", h.SendMessage)
	authed.POST("/:sid/rooms", h.CreateRoom)
	authed.POST("/:sid/rooms/:rid/join", h.JoinRoom)
	authed.POST("/:sid/rooms/:rid/leave", h.LeaveRoom)
	authed.POST("/:sid/participants/:pid/mute", h.Moderate)
	authed.POST("/:sid/participants/:pid/unmute", h.Moderate)
	authed.POST("/:sid/participants/:pid/kick", h.Moderate)
	authed.POST("/:sid/hand", h.SetHand)
	authed.POST("/:sid/mic", h.SetMic)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
