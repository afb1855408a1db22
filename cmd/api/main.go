package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"family-calls/internal/auth"
	"family-calls/internal/calls"
	"family-calls/internal/callstore"
	"family-calls/internal/config"
	"family-calls/internal/events"
	"family-calls/internal/httpapi"
	"family-calls/internal/identity"
	"family-calls/internal/reporting"
	"family-calls/internal/sweeper"
	"family-calls/migrations"
	"family-calls/pkg/logger"
	"family-calls/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, "api")
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	applied, err := utils.ApplyMigrations(rootCtx, db, migrations.FS)
	if err != nil {
		log.Error("migrations failed", "err", err)
		os.Exit(1)
	}
	if len(applied) > 0 {
		log.Info("migrations applied", "files", applied)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	var publishers []events.Publisher
	if cfg.MQTT.Enabled() {
		mq, err := events.DialMQTT(events.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         1,
		})
		if err != nil {
			// Push is best-effort; records and the event log still work without it.
			log.Warn("mqtt unavailable, push fan-out disabled", "broker", cfg.MQTT.Broker, "err", err)
		} else {
			defer mq.Close()
			publishers = append(publishers, mq)
		}
	}

	store := callstore.NewPostgresStore(db, callstore.NewRedisFeed(rdb, log), log)
	emitter := events.NewService(events.NewPostgresRepo(db), log, publishers...)

	h := &httpapi.Handlers{
		Auth:      authManager,
		Store:     store,
		Directory: identity.NewPostgresDirectory(db),
		History:   reporting.NewService(store),
		Events:    emitter,
		Ready: func(ctx context.Context) error {
			return errors.Join(
				utils.HealthCheck(ctx, db, 2*time.Second),
				rdb.Ping(ctx).Err(),
			)
		},
	}

	holder, _ := os.Hostname()
	holder += "/" + uuid.NewString()
	sw := sweeper.New(
		store,
		sweeper.NewRedisLease(rdb, sweeper.DefaultLeaseKey, holder, 3*cfg.Calls.SweepInterval),
		emitter,
		sweeper.Config{RingTimeout: cfg.Calls.RingTimeout, Interval: cfg.Calls.SweepInterval},
		log,
	)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sw.Run(rootCtx)
	}()

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerPublicRoutes(r, h)
	registerProtectedRoutes(r, auth.RequireAccessToken(authManager), h)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Watch streams are long-lived websockets; the hijacked conn is not bound by WriteTimeout.
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening",
			"addr", srv.Addr,
			"env", cfg.App.Env,
			"ring_timeout", cfg.Calls.RingTimeout,
			"default_recipient", calls.Role(cfg.Calls.DefaultRole()),
			"mqtt", len(publishers) > 0,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	select {
	case <-sweepDone:
	case <-shutdownCtx.Done():
		log.Warn("sweeper did not stop before shutdown deadline")
	}
}
