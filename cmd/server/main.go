package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bananafyi/tokens/internal/billing"
	"github.com/bananafyi/tokens/internal/config"
	"github.com/bananafyi/tokens/internal/gateway"
	"github.com/bananafyi/tokens/internal/ledger/backend"
	"github.com/bananafyi/tokens/internal/notifications"
	"github.com/bananafyi/tokens/pkg/cache"
	"github.com/bananafyi/tokens/pkg/events"
	"github.com/bananafyi/tokens/pkg/telemetry"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.Monitoring.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting banana.fyi token ledger",
		zap.String("db_driver", cfg.Database.Driver),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := backend.Open(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to open ledger store", zap.Error(err))
	}
	defer store.Close()
	logger.Info("ledger store ready", zap.String("driver", cfg.Database.Driver))

	var redisCache *cache.Cache
	if cfg.Redis.Enabled {
		redisCache, err = cache.NewCache(cfg.Redis)
		if err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		defer redisCache.Close()
		logger.Info("connected to Redis")
	} else {
		logger.Warn("redis disabled; webhook locks are process-local and rate limiting is off")
	}

	eventBus := events.NewBus(logger)
	subscribeAlerts(eventBus, logger)

	notifyCfg, err := notifications.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load notification config", zap.Error(err))
	}
	notifier, err := notifications.NewService(notifyCfg, redisCache, logger, eventBus)
	if err != nil {
		logger.Fatal("failed to initialize notifications", zap.Error(err))
	}
	notifier.Start(ctx)

	// One Stripe client for the process; nothing reads the package-level key.
	sc := client.New(cfg.Billing.StripeSecretKey, nil)

	billingEngine := billing.NewEngine(store, sc.CheckoutSessions, cfg.Billing, logger, eventBus)
	billingEngine.StartBackgroundJobs(ctx)
	logger.Info("initialized billing engine")

	webhookHandler := billing.NewWebhookHandler(cfg.Billing.StripeWebhookSecret, billingEngine.Purchases, redisCache, logger)

	gw := gateway.NewGateway(billingEngine, webhookHandler, redisCache, cfg, logger)
	gw.StartHealthMetrics(ctx)
	logger.Info("initialized API gateway")

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server",
			zap.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	// Stop the sweeper, then let in-flight event handlers drain.
	cancel()
	eventBus.Close()
	if err := notifier.Stop(shutdownCtx); err != nil {
		logger.Warn("notification shutdown incomplete", zap.Error(err))
	}

	logger.Info("server exited")
}

// subscribeAlerts logs the ledger events an operator has to look at.
func subscribeAlerts(bus *events.Bus, logger *zap.Logger) {
	bus.Subscribe(events.EventBalanceAnomaly, func(ctx context.Context, event events.Event) error {
		logger.Error("ALERT: negative token balance",
			zap.String("event_id", event.ID),
			zap.String("user_id", event.UserID),
			zap.Any("payload", event.Payload),
		)
		return nil
	})
	bus.Subscribe(events.EventReservationExpired, func(ctx context.Context, event events.Event) error {
		logger.Warn("reservation expired by sweeper",
			zap.String("event_id", event.ID),
			zap.Any("payload", event.Payload),
		)
		return nil
	})
}
