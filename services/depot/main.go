package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/diagnosis/ticketdrop/pkg/config"
	"github.com/diagnosis/ticketdrop/pkg/events"
	"github.com/diagnosis/ticketdrop/pkg/logger"
	mw "github.com/diagnosis/ticketdrop/pkg/middleware"
	"github.com/diagnosis/ticketdrop/services/depot/internal/handlers"
	"github.com/diagnosis/ticketdrop/services/depot/internal/repository"
	"github.com/diagnosis/ticketdrop/services/depot/internal/service"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		logger.Error("Depot service error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Asset store and rate counter
	var (
		assets  repository.AssetRepository = repository.NewMemoryAssetRepository()
		counter mw.RateCounter             = mw.NewMemoryRateCounter()
	)
	if cfg.Tickets.Store == config.StoreRedis {
		client, err := repository.Connect(ctx, cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer client.Close()
		assets = repository.NewRedisAssetRepository(client)
		counter = mw.NewRedisRateCounter(client)
		logger.Info("Using Redis asset store")
	}

	// Event bus
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.NATS.URL != "" {
		bus, err := events.NewNATSEventBus(cfg.NATS.URL)
		if err != nil {
			return err
		}
		publisher = bus
		logger.Info("Publishing events to NATS")
	}
	defer publisher.Close()

	// Services
	handoff := service.NewHandoffService(assets, publisher, cfg.Tickets.TTL)
	dispenser := service.NewDispenser(service.DispenserOptions{
		MaxConcurrent:      cfg.Dispenser.MaxConcurrent,
		ReservationTimeout: cfg.Dispenser.ReservationTimeout,
		MaxTickets:         cfg.Dispenser.MaxTickets,
	})
	hub := service.NewOperatorHub()
	gateway := service.NewGateway(dispenser, hub, publisher, service.GatewayOptions{
		RetryAfter: cfg.Dispenser.RetryAfter,
	})
	sweeper := service.NewSweeper(dispenser, handoff, cfg.Dispenser.SweepInterval)

	h := handlers.New(handoff, gateway, handlers.Options{
		PublicBaseURL:  cfg.Server.PublicBaseURL,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit: mw.NewRateLimiter(counter, mw.RateLimitConfig{
			Requests: cfg.RateLimit.Requests,
			Window:   cfg.RateLimit.Window,
		}).Middleware(),
	})

	// Router
	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Use(mw.ServiceName("depot"))
	r.Use(mw.Logging)
	r.Use(mw.Recoverer)
	r.Use(mw.CORS(cfg.Server.AllowedOrigins))
	r.Use(mw.Health)
	r.Mount("/v1", h.Routes())

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting depot service",
			"port", cfg.Server.Port,
			"ticket_store", cfg.Tickets.Store,
			"max_concurrent", cfg.Dispenser.MaxConcurrent,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down depot service...")

		// hijacked websocket connections are not tracked by Shutdown
		hub.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
