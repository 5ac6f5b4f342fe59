package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"tuitionflow/application"
	"tuitionflow/auth"
	"tuitionflow/config"
	"tuitionflow/db"
	"tuitionflow/directory"
	"tuitionflow/gateway"
	"tuitionflow/notify"
	"tuitionflow/settlement"
	"tuitionflow/tuition"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("bootstrap logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("bootstrap database pool", zap.Error(err))
	}
	defer pool.Close()

	notifier := notify.NewRepository(pool)
	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)
	postService := tuition.NewService(tuition.NewRepository(pool))
	directoryService := directory.NewService(directory.NewRepository(pool))
	applicationService := application.NewService(application.NewRepository(pool), postService).
		WithNotifier(notifier).
		WithNames(directoryService)
	gatewayClient := gateway.NewHTTPClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey)
	coordinator := settlement.NewCoordinator(
		settlement.NewStore(pool),
		postService,
		applicationService,
		gatewayClient,
		settlement.Config{
			FXRate:           cfg.FXRate,
			DomesticCurrency: cfg.DomesticCurrency,
			GatewayCurrency:  cfg.GatewayCurrency,
			WebhookSecret:    cfg.WebhookSecret,
		},
	).WithNotifier(notifier).WithLogger(logger)

	server := &Server{
		authService:        authService,
		postService:        postService,
		applicationService: applicationService,
		settlementService:  coordinator,
		notifyService:      notifier,
		directoryService:   directoryService,
		logger:             logger,
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("api listening", zap.String("addr", cfg.HTTPAddr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("http server", zap.Error(err))
	}
}
