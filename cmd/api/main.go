package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"taskmarket/catalog"
	"taskmarket/config"
	"taskmarket/db"
	"taskmarket/httpapi"
	"taskmarket/httpapi/middleware"
	"taskmarket/logger"
	"taskmarket/matching"
	"taskmarket/order"
	"taskmarket/outbox"
	"taskmarket/performer"
	"taskmarket/request"
	"taskmarket/review"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Environment)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect database")
	}
	defer pool.Close()

	catalogStore, err := catalog.Load(ctx, pool)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load catalog")
	}

	outboxWriter := outbox.NewWriter()

	performerRepo := performer.NewRepository(pool)
	performerSvc := performer.NewService(performerRepo)

	orderRepo := order.NewRepository(pool)
	orderSvc := order.NewService(pool, orderRepo, outboxWriter)

	requestRepo := request.NewRepository(pool)
	resolver := matching.NewResolver(performerSvc, catalogStore, requestRepo)
	requestSvc := request.NewService(pool, requestRepo, orderSvc, outboxWriter, cfg.Requests.AutoCloseAfter).
		WithResolver(resolver)

	reviewRepo := review.NewRepository(pool)
	reviewSvc := review.NewService(pool, reviewRepo, orderRepo, performerSvc, outboxWriter)

	go sweepAutoClose(ctx, requestSvc, cfg.Requests.SweepInterval, log)

	handler := httpapi.NewHandler(catalogStore, performerSvc, requestSvc, orderSvc, reviewSvc, resolver, log)
	authMiddleware := middleware.Auth(cfg.Auth.AccessSecret)
	router := httpapi.NewRouter(handler, authMiddleware, cfg.Environment)

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	log.Info().Str("addr", addr).Msg("starting taskmarket api")

	if err := router.Run(addr); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}

// sweepAutoClose periodically closes pending requests that blew past their
// deadline without a single response.
func sweepAutoClose(ctx context.Context, requests *request.Service, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			closed, err := requests.SweepAutoClose(ctx, now.UTC())
			if err != nil {
				log.Error().Err(err).Msg("auto-close sweep failed")
				continue
			}
			if closed > 0 {
				log.Info().Int("closed", closed).Msg("auto-closed stale requests")
			}
		}
	}
}
