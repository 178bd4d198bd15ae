package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kiwari-pos/terminal/internal/alert"
	"github.com/kiwari-pos/terminal/internal/bus"
	"github.com/kiwari-pos/terminal/internal/config"
	"github.com/kiwari-pos/terminal/internal/enum"
	"github.com/kiwari-pos/terminal/internal/identity"
	"github.com/kiwari-pos/terminal/internal/localstore"
	"github.com/kiwari-pos/terminal/internal/orders"
	"github.com/kiwari-pos/terminal/internal/remote"
	"github.com/kiwari-pos/terminal/internal/retry"
	"github.com/kiwari-pos/terminal/internal/router"
	"github.com/kiwari-pos/terminal/internal/ws"
)

func main() {
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	store, err := localstore.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open local database: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := bus.New()
	client := remote.NewClient(cfg.BackendURL, cfg.TerminalToken)

	bridge := remote.NewBridge(cfg.BridgeURL, logger)

	resolver := identity.New(client, store, events, cfg.IdentityTimeout, logger)
	orderStore := orders.New(client, resolver, store, bridge, events, logger)

	queue := retry.New(store, events, cfg.RetryInterval, logger)
	queue.Register(enum.RetryKindCouponRedemption, func(ctx context.Context, opID string, payload []byte) error {
		return client.RedeemCoupon(ctx, opID, json.RawMessage(payload))
	})
	queue.Register(enum.RetryKindSettingsAck, func(ctx context.Context, opID string, payload []byte) error {
		return client.AckSettings(ctx, opID, json.RawMessage(payload))
	})
	loyalty := orders.NewLoyalty(queue)

	alerts := alert.New(bridge, events, cfg.AlertInterval, logger)

	feed := remote.NewEventFeed(cfg.AMQPURL, cfg.EventExchange, cfg.EventQueue, events, logger)
	hub := ws.NewHub(events)

	// Journaled orders come back before any network traffic, so the UI
	// has data even when the terminal boots offline.
	if err := orderStore.Restore(ctx); err != nil {
		logger.Warn("restore journaled orders failed", zap.Error(err))
	}

	go resolver.Run(ctx)
	go orderStore.Run(ctx)
	go orderStore.RunRefresh(ctx, cfg.RefreshInterval)
	go queue.Run(ctx)
	go alerts.Run(ctx)
	go hub.Run(ctx)
	go feed.Run(ctx)

	go func() {
		resolver.Resolve(ctx, identity.Options{ForceRefresh: true, Block: true, Require: identity.RequireBranch})
		if err := orderStore.LoadOrders(ctx); err != nil {
			logger.Warn("initial order load failed", zap.Error(err))
		}
	}()

	r := router.New(router.Deps{
		Config:   cfg,
		Orders:   orderStore,
		Loyalty:  loyalty,
		Conflict: orderStore,
		Resolver: resolver,
		Queue:    queue,
		Pending:  orderStore,
		Alerts:   alerts,
		Hub:      hub,
		Log:      logger,
	})

	srv := &http.Server{
		Addr:    "127.0.0.1:" + cfg.Port,
		Handler: r,
	}

	go func() {
		logger.Info("terminal daemon listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("serve failed", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
}
