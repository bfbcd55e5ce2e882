package main

import (
	"context"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-venue-timers/internal/catalog"
	"github.com/ariefcatur/go-venue-timers/internal/config"
	"github.com/ariefcatur/go-venue-timers/internal/events"
	"github.com/ariefcatur/go-venue-timers/internal/inventory"
	kafkax "github.com/ariefcatur/go-venue-timers/internal/kafka"
	"github.com/ariefcatur/go-venue-timers/internal/logx"
	"github.com/ariefcatur/go-venue-timers/internal/postgres"
	"github.com/ariefcatur/go-venue-timers/internal/redisx"
	"github.com/ariefcatur/go-venue-timers/internal/sales"
	"github.com/ariefcatur/go-venue-timers/internal/timers"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	name := cfg.ServiceName + "-sales"

	log, err := logx.New(cfg.LogLevel)
	if err != nil {
		stdlog.Fatalf("logger: %v", err)
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("service", name))

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

	// Producers: processed & rejected go to different topics. They outlive
	// the consumer ctx and are drained with Close.
	pOK := kafkax.NewProducer(cfg.KafkaBrokers, events.TopicSaleProcessed, 1024, log)
	pOK.Start(context.Background())
	pRJ := kafkax.NewProducer(cfg.KafkaBrokers, events.TopicStockRejected, 1024, log)
	pRJ.Start(context.Background())

	svc := &sales.Service{
		Ledger:    inventory.NewLedger(inventory.NewPgStore(db), &inventory.RedisStockCache{Redis: rdb}, log),
		Catalog:   catalog.NewRepo(&catalog.PgSource{DB: db}, rdb, log),
		Timers:    timers.NewEngine(&timers.PgStore{DB: db}, cfg.Location(), log),
		Redis:     rdb,
		Processed: events.NewEmitter(pOK, name),
		Rejected:  events.NewEmitter(pRJ, name),
		Consumer:  "sales",
		Log:       log.Named("sales"),
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.SalesGroup, events.TopicSaleRecorded, cfg.SalesWorkers, log)
	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Info("sale consumer started",
			zap.String("group", cfg.SalesGroup),
			zap.String("topic", events.TopicSaleRecorded),
			zap.Int("workers", cfg.SalesWorkers))
		if err := cons.Start(ctx, svc.HandleSaleRecorded); err != nil {
			log.Error("consumer exit", zap.Error(err))
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info("shutting down consumer")
	cancel()
	<-done

	pOK.Close()
	pRJ.Close()
	pOK.WaitClosed()
	pRJ.WaitClosed()
}
