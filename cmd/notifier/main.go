package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-mpesa-orders/internal/config"
	kafkax "github.com/ariefcatur/go-mpesa-orders/internal/kafka"
	"github.com/ariefcatur/go-mpesa-orders/internal/logging"
	"github.com/ariefcatur/go-mpesa-orders/internal/notify"
	"github.com/ariefcatur/go-mpesa-orders/internal/postgres"
	"github.com/ariefcatur/go-mpesa-orders/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log := logging.MustNew(cfg.ServiceName+"-notifier", cfg.Env)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, postgres.PoolConfig{
		DSN:      cfg.PostgresDSN,
		MaxConns: 4,
		Attempts: cfg.PGAttempts,
	}, log)
	if err != nil {
		log.Fatal("db_connect", zap.Error(err))
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &notify.Service{
		Repo:  &postgres.Store{DB: db},
		Dedup: &redisx.Dedup{Client: rdb, Service: "notifier"},
		Log:   log,
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.Notifier.Group, cfg.NotifyTopic, cfg.Notifier.Workers, log)
	log.Info("notifier_started",
		zap.String("group", cfg.Notifier.Group),
		zap.String("topic", cfg.NotifyTopic),
		zap.Int("workers", cfg.Notifier.Workers))

	if err := cons.Start(ctx, svc.HandleNotification); err != nil && ctx.Err() == nil {
		log.Error("consumer_exit", zap.Error(err))
		os.Exit(1)
	}
	log.Info("notifier_stopped")
}
