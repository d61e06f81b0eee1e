package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"anichat-rt/internal/auth"
	"anichat-rt/internal/config"
	"anichat-rt/internal/logging"
	"anichat-rt/internal/middleware"
	"anichat-rt/internal/notify"
	"anichat-rt/internal/presence"
	"anichat-rt/internal/realtime"
	"anichat-rt/internal/socketio"
	"anichat-rt/internal/store"
	"anichat-rt/internal/typing"
)

const admissionPrunePeriod = time.Minute

type Options struct {
	Config   config.Config
	Store    *store.Store
	Presence presence.Tracker
	Logger   *logrus.Logger
	Registry *prometheus.Registry
}

// App holds the wired services of one server process.
type App struct {
	Router   *gin.Engine
	Sockets  *socketio.Server
	Notify   *notify.Service
	Realtime *realtime.Service
	Registry *prometheus.Registry

	log       logrus.FieldLogger
	admission *middleware.IntervalLimiter
	limiters  []*middleware.RateLimiter
	stop      chan struct{}
}

func NewApp(opts Options) *App {
	cfg := opts.Config
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	pres := opts.Presence
	if pres == nil {
		pres = presence.NewMemory(presence.DefaultTTL)
	}

	tokenCfg := auth.TokenConfig{Secret: cfg.MasterSecret, Expiry: cfg.TokenExpiry, Issuer: auth.DefaultIssuer}
	admission := middleware.NewIntervalLimiter(cfg.ConnectMinInterval)
	sendLimiter := middleware.NewRateLimiter(orDefault(cfg.MessageRateLimit, 60), time.Minute)
	typingLimiter := middleware.NewRateLimiter(orDefault(cfg.TypingRateLimit, 120), time.Minute)

	sockets := socketio.NewServer(socketio.Options{
		Logger:       log.WithField("component", "socketio"),
		Authenticate: SocketAuthenticator(tokenCfg),
	})

	notifications := sockets.Of(notify.Namespace)
	notifySvc := notify.New(notify.Options{
		Emitter:            notifications,
		Presence:           pres,
		Logger:             log,
		Registerer:         reg,
		BatchInterval:      cfg.NotifyBatchInterval,
		DedupTTL:           cfg.DedupTTL,
		DedupSize:          cfg.DedupSize,
		BroadcastChunkSize: cfg.BroadcastChunkSize,
	})
	notifySvc.Attach(notifications)

	messages := sockets.Of("/")
	rt := realtime.New(realtime.Options{
		Store:       opts.Store,
		Emitter:     messages,
		Notifier:    notifySvc,
		Typing:      typing.New(cfg.TypingTTL),
		SendLimiter: sendLimiter,
		Logger:      log,
	})
	rt.Attach(messages)

	app := &App{
		Sockets:   sockets,
		Notify:    notifySvc,
		Realtime:  rt,
		Registry:  reg,
		log:       log,
		admission: admission,
		limiters:  []*middleware.RateLimiter{sendLimiter, typingLimiter},
		stop:      make(chan struct{}),
	}
	app.Router = NewRouter(Deps{
		Store:          opts.Store,
		TokenConfig:    tokenCfg,
		Notify:         notifySvc,
		Realtime:       rt,
		Presence:       pres,
		Sockets:        sockets,
		Admission:      admission,
		SendLimiter:    sendLimiter,
		TypingLimiter:  typingLimiter,
		Registry:       reg,
		Logger:         log,
		TrustedProxies: cfg.TrustedProxies,
	})
	return app
}

// Start launches the background loops: batch flush, typing expiry and
// admission bookkeeping.
func (a *App) Start(ctx context.Context) {
	a.Notify.Start(ctx)
	a.Realtime.Start(ctx)
	go a.admission.RunPrune(admissionPrunePeriod, a.stop)
}

// Shutdown flushes pending notifications, disconnects every socket and stops
// the background loops.
func (a *App) Shutdown() {
	select {
	case <-a.stop:
		return
	default:
		close(a.stop)
	}
	a.Notify.Stop()
	a.Realtime.Stop()
	a.Sockets.Close()
	for _, l := range a.limiters {
		l.Stop()
	}
	a.log.Info("realtime services stopped")
}

// SocketAuthenticator accepts a token from the CONNECT payload, the
// Authorization header or the session cookie.
func SocketAuthenticator(cfg auth.TokenConfig) socketio.Authenticator {
	return func(r *http.Request, raw json.RawMessage) (string, error) {
		var body struct {
			Token string `json:"token"`
		}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &body)
		}
		token := body.Token
		if token == "" {
			token = auth.TokenFromRequest(r)
		}
		if token == "" {
			return "", auth.ErrMissingToken
		}
		claims, err := auth.VerifyToken(token, cfg)
		if err != nil {
			return "", err
		}
		return claims.UserID, nil
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
