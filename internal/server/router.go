package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"anichat-rt/internal/auth"
	"anichat-rt/internal/handler"
	"anichat-rt/internal/middleware"
	"anichat-rt/internal/notify"
	"anichat-rt/internal/presence"
	"anichat-rt/internal/realtime"
	"anichat-rt/internal/socketio"
	"anichat-rt/internal/store"
)

type Deps struct {
	Store       *store.Store
	TokenConfig auth.TokenConfig
	Notify      *notify.Service
	Realtime    *realtime.Service
	Presence    presence.Tracker
	Sockets     *socketio.Server
	// Admission throttles socket connection attempts per client address.
	Admission *middleware.IntervalLimiter
	// SendLimiter is shared with the socket user_message handler.
	SendLimiter   *middleware.RateLimiter
	TypingLimiter *middleware.RateLimiter
	Registry      *prometheus.Registry
	Logger        logrus.FieldLogger
	// TrustedProxies may set X-Forwarded-For; nil trusts none.
	TrustedProxies []string
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	if err := r.SetTrustedProxies(deps.TrustedProxies); err != nil {
		deps.Logger.WithError(err).Warn("invalid trusted proxies, trusting none")
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.Metrics(middleware.NewHTTPMetrics(deps.Registry)))

	healthHandler := &handler.HealthHandler{Store: deps.Store}
	r.GET("/health", healthHandler.Check)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))

	r.Any(socketio.Path+"*any", admitConnections(deps.Admission), gin.WrapH(deps.Sockets))

	api := r.Group("/api")
	api.Use(middleware.RequireAuth(deps.TokenConfig))

	typingHandler := &handler.TypingHandler{Realtime: deps.Realtime}
	api.POST("/typing-indicator", limitPerUser(deps.TypingLimiter), typingHandler.Post)

	messageHandler := &handler.MessageHandler{Realtime: deps.Realtime, Store: deps.Store, Logger: deps.Logger}
	api.POST("/messages", limitPerUser(deps.SendLimiter), messageHandler.Send)
	api.GET("/messages/:peerId", messageHandler.List)
	api.PATCH("/messages/:id/status", messageHandler.UpdateStatus)

	encryptionHandler := &handler.EncryptionHandler{Store: deps.Store, Logger: deps.Logger}
	api.POST("/encryption/public-key", encryptionHandler.PutPublicKey)
	api.GET("/encryption/public-key/:userId", encryptionHandler.GetPublicKey)
	api.GET("/encryption/status/:peerId", encryptionHandler.Status)
	api.GET("/encryption/conversation-key/:peerId", encryptionHandler.GetConversationKey)
	api.POST("/encryption/conversation-key", encryptionHandler.PutConversationKey)

	notificationHandler := &handler.NotificationHandler{Notify: deps.Notify}
	api.GET("/notifications/metrics", notificationHandler.Metrics)

	presenceHandler := &handler.PresenceHandler{Presence: deps.Presence, Realtime: deps.Realtime, Logger: deps.Logger}
	api.GET("/presence/:userId", presenceHandler.Get)

	return r
}

func limitPerUser(rl *middleware.RateLimiter) gin.HandlerFunc {
	if rl == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return middleware.UserRateLimitMiddleware(rl)
}

func admitConnections(l *middleware.IntervalLimiter) gin.HandlerFunc {
	if l == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return middleware.AdmitConnections(l)
}
