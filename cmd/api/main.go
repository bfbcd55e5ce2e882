package main

import (
	"context"
	"errors"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-venue-timers/internal/alerts"
	"github.com/ariefcatur/go-venue-timers/internal/catalog"
	"github.com/ariefcatur/go-venue-timers/internal/config"
	"github.com/ariefcatur/go-venue-timers/internal/events"
	"github.com/ariefcatur/go-venue-timers/internal/httpx"
	"github.com/ariefcatur/go-venue-timers/internal/inventory"
	kafkax "github.com/ariefcatur/go-venue-timers/internal/kafka"
	"github.com/ariefcatur/go-venue-timers/internal/logx"
	"github.com/ariefcatur/go-venue-timers/internal/postgres"
	"github.com/ariefcatur/go-venue-timers/internal/realtime"
	"github.com/ariefcatur/go-venue-timers/internal/redisx"
	"github.com/ariefcatur/go-venue-timers/internal/scheduler"
	"github.com/ariefcatur/go-venue-timers/internal/timers"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log, err := logx.New(cfg.LogLevel)
	if err != nil {
		stdlog.Fatalf("logger: %v", err)
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("service", cfg.ServiceName))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer for the alert mirror
	prod := kafkax.NewProducer(cfg.KafkaBrokers, events.TopicTimerAlert, 1024, log)
	prod.Start(ctx)

	// Core
	ledger := inventory.NewLedger(inventory.NewPgStore(db), &inventory.RedisStockCache{Redis: rdb}, log)
	engine := timers.NewEngine(&timers.PgStore{DB: db}, cfg.Location(), log)
	services := catalog.NewRepo(&catalog.PgSource{DB: db}, rdb, log)
	tracker := alerts.NewTracker(cfg.AlertGCThreshold)
	alertEngine := alerts.NewEngine(tracker, services, log)
	engine.OnExtend(alertEngine.ClearForExtendedTimer)

	// Push + schedulers
	hub := realtime.NewHub(log)
	mirror := events.AlertMirror{Emitter: events.NewEmitter(prod, cfg.ServiceName)}
	activation := scheduler.NewActivation(engine, cfg.ActivationInterval, log)
	broadcast := scheduler.NewBroadcast(
		scheduler.NewBroadcaster(engine, alertEngine, hub, mirror, log),
		cfg.BroadcastInterval, log)
	for _, l := range []*scheduler.Loop{activation, broadcast} {
		if err := l.Start(ctx); err != nil {
			log.Fatal("scheduler start", zap.Error(err))
		}
	}

	// HTTP
	router := httpx.NewRouter(log)
	(&httpx.Handler{
		Ledger: ledger,
		Timers: engine,
		Alerts: alertEngine,
		Hub:    hub,
		Log:    log,
	}).Register(router)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr), zap.String("venue_tz", cfg.Location().String()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	hub.Close()

	activation.Stop()
	broadcast.Stop()
	activation.Wait()
	broadcast.Wait()
	tracker.Reset()

	prod.Close()
	prod.WaitClosed()
}
