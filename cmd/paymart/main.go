// Package main запускает HTTP-сервер платёжного сервиса паймарт.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/paymart-system/internal/audit"
	"github.com/mmeshcher/paymart-system/internal/config"
	"github.com/mmeshcher/paymart-system/internal/handler"
	"github.com/mmeshcher/paymart-system/internal/middleware"
	"github.com/mmeshcher/paymart-system/internal/rates"
	"github.com/mmeshcher/paymart-system/internal/repository"
	"github.com/mmeshcher/paymart-system/internal/service"
	"github.com/mmeshcher/paymart-system/internal/webhook"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var ratesClient service.RatesClient
	if cfg.RatesSystemAddress != "" {
		ratesClient = rates.NewClient(cfg.RatesSystemAddress)
	}

	sink := audit.NewSink(logger)

	svc := service.NewService(repo, ratesClient, sink, logger, service.Options{
		HoldDays:            cfg.HoldDays,
		PayoutCurrency:      cfg.PayoutCurrency,
		PreferredCurrencies: cfg.PreferredCurrencies,
		HoldSweepInterval:   cfg.HoldSweepInterval,
		RateRefreshInterval: cfg.RateRefreshInterval,
	})
	defer svc.Close()

	verifier := webhook.NewVerifier(cfg.WebhookSecret)

	dispatcher := webhook.NewDispatcher(logger)
	svc.RegisterHandlers(dispatcher)

	authMiddleware := middleware.NewAuthMiddleware(cfg.OperatorSecret)
	h := handler.NewHandler(svc, verifier, dispatcher, logger, authMiddleware, cfg.WebhookTimeout)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновых процессов выпуска удержаний и обновления курсов
	g.Go(func() error {
		svc.StartHoldReleaseSweep(ctx)
		svc.StartRateRefresh(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting paymart server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
