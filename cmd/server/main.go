package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"anichat-rt/internal/config"
	"anichat-rt/internal/logging"
	"anichat-rt/internal/presence"
	"anichat-rt/internal/server"
	"anichat-rt/internal/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal(err)
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Options{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DBDSN,
		PoolSize: cfg.DBPoolSize,
		Logger:   logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("open store")
	}
	defer st.Close()
	go resizePoolOnHangup(ctx, st, logger)

	var pres presence.Tracker = presence.NewMemory(presence.DefaultTTL)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Fatal("connect redis")
		}
		pres = presence.NewRedis(rdb, presence.DefaultTTL)
		logger.WithField("addr", cfg.RedisAddr).Info("presence backed by redis")
	}

	app := server.NewApp(server.Options{
		Config:   cfg,
		Store:    st,
		Presence: pres,
		Logger:   logger,
	})
	app.Start(ctx)

	if err := server.Run(ctx, cfg, app.Router, logger); err != nil {
		logger.WithError(err).Error("server stopped")
	}
	app.Shutdown()
}

// resizePoolOnHangup re-reads the configuration on SIGHUP and applies
// DB_POOL_SIZE to the running store.
func resizePoolOnHangup(ctx context.Context, st *store.Store, logger logrus.FieldLogger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.LoadConfig()
			if err != nil {
				logger.WithError(err).Warn("reload config")
				continue
			}
			applied := st.ResizePool(cfg.DBPoolSize)
			logger.WithFields(logrus.Fields{"requested": cfg.DBPoolSize, "applied": applied}).Info("store pool resized")
		}
	}
}
