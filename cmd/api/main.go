package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-mpesa-orders/internal/config"
	"github.com/ariefcatur/go-mpesa-orders/internal/httpx"
	"github.com/ariefcatur/go-mpesa-orders/internal/inventory"
	kafkax "github.com/ariefcatur/go-mpesa-orders/internal/kafka"
	"github.com/ariefcatur/go-mpesa-orders/internal/logging"
	"github.com/ariefcatur/go-mpesa-orders/internal/loyalty"
	"github.com/ariefcatur/go-mpesa-orders/internal/memstore"
	"github.com/ariefcatur/go-mpesa-orders/internal/metrics"
	"github.com/ariefcatur/go-mpesa-orders/internal/mpesa"
	"github.com/ariefcatur/go-mpesa-orders/internal/notify"
	"github.com/ariefcatur/go-mpesa-orders/internal/orders"
	"github.com/ariefcatur/go-mpesa-orders/internal/postgres"
	"github.com/ariefcatur/go-mpesa-orders/internal/redisx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log := logging.MustNew(cfg.ServiceName, cfg.Env)
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("api_exit", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Producer outlives ctx so notifications raised during shutdown still flush.
	prodCtx, cancelProd := context.WithCancel(context.Background())
	defer cancelProd()
	prod := kafkax.NewProducer(cfg.KafkaBrokers, cfg.NotifyTopic, 1024, log)
	prod.Start(prodCtx)
	sink := &notify.KafkaSink{Producer: prod, Service: cfg.ServiceName}

	svc := orders.NewService(orders.Deps{
		Store: store,
		Gateway: mpesa.NewClient(mpesa.Config{
			BaseURL:        cfg.Mpesa.BaseURL,
			ConsumerKey:    cfg.Mpesa.ConsumerKey,
			ConsumerSecret: cfg.Mpesa.ConsumerSecret,
			Shortcode:      cfg.Mpesa.Shortcode,
			Passkey:        cfg.Mpesa.Passkey,
			CallbackURL:    cfg.Mpesa.CallbackURL,
			Timeout:        cfg.Mpesa.Timeout,
		}, log),
		Inventory: inventory.NewLedger(sink, cfg.LowStockThreshold, m),
		Loyalty: loyalty.NewLedger(loyalty.Rules{
			PointValue:       cfg.Loyalty.PointValue,
			EarnPoints:       cfg.Loyalty.EarnPoints,
			EarnPer:          cfg.Loyalty.EarnPer,
			EligibilitySpend: cfg.Loyalty.EligibilitySpend,
		}),
		Pricing: orders.Pricing{
			DeliveryFee:   cfg.Pricing.DeliveryFee,
			BulkThreshold: cfg.Pricing.BulkDiscountThreshold,
			BulkAmount:    cfg.Pricing.BulkDiscountAmount,
		},
		Sink:           sink,
		Cache:          &redisx.StatusCache{Client: rdb},
		Dedup:          &redisx.Dedup{Client: rdb, Service: cfg.ServiceName},
		Metrics:        m,
		PaymentTimeout: cfg.Mpesa.Timeout,
	})

	router := httpx.NewRouter(log, m, reg, cfg.RequestTimeout)
	(&httpx.OrdersHandler{Service: svc, AdminToken: cfg.AdminToken}).Register(router)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http_listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting_down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	err = g.Wait()

	prod.Close()
	prod.WaitClosed()
	return err
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (orders.Store, func(), error) {
	if cfg.StoreDriver == "memory" {
		log.Warn("memory_store_in_use")
		return memstore.New(), func() {}, nil
	}
	pool, err := postgres.Connect(ctx, postgres.PoolConfig{
		DSN:      cfg.PostgresDSN,
		MaxConns: int32(cfg.PGMaxConns),
		MinConns: 2,
		Attempts: cfg.PGAttempts,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	if cfg.AutoMigrate {
		if err := postgres.Migrate(cfg.PostgresDSN); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("migrations_applied")
	}
	return &postgres.Store{DB: pool}, pool.Close, nil
}
