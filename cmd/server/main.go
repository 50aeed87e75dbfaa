package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dukapos/backend/internal/cache"
	"dukapos/backend/internal/config"
	"dukapos/backend/internal/httpapi"
	"dukapos/backend/internal/ledger"
	"dukapos/backend/internal/ledger/memory"
	pgledger "dukapos/backend/internal/ledger/postgres"
	"dukapos/backend/internal/report"
	"dukapos/backend/internal/retention"
	"dukapos/backend/internal/reversal"
	"dukapos/backend/internal/service"
	"dukapos/backend/internal/syncer"
	"dukapos/backend/internal/xid"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var store ledger.Store
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgledger.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("postgres migrate: %v", err)
		}
		store = pg
		closers = append(closers, pg.Close)
		log.Println("ledger: postgres")
	} else {
		store = memory.NewSeeded()
		log.Println("ledger: in-memory")
	}

	tokens := cache.TokenCache(cache.NewMemoryTokenCache())
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisTokenCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using in-memory token cache", err)
		} else {
			tokens = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("token cache: redis")
		}
	} else {
		log.Println("token cache: in-memory")
	}

	ids := xid.NewGenerator(cfg.DeviceID)
	engine := syncer.NewEngine(store, tokens, ids.DeviceID())
	for _, peer := range cfg.SyncPeers {
		engine.AddPeer(peer.ID, syncer.NewHTTPTransport(peer.ID, peer.BaseURL, cfg.SyncAPIKey, ids.DeviceID()))
	}

	svc := service.New(
		store,
		ids,
		reversal.NewEngine(store, ids),
		engine,
		report.NewAggregator(store),
		retention.NewManager(store, cfg.AuthorityPeer),
	)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, store)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, cfg.SyncAPIKey)

	syncCtx, stopSync := context.WithCancel(context.Background())
	defer stopSync()
	if len(cfg.SyncPeers) > 0 {
		go engine.Run(syncCtx, time.Duration(cfg.SyncIntervalSeconds)*time.Second)
		log.Printf("background sync every %ds against %d peer(s)", cfg.SyncIntervalSeconds, len(cfg.SyncPeers))
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("ledger backend for device %s listening on %s", ids.DeviceID(), cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	stopSync()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.SyncPeers) > 0 && len(cfg.SyncAPIKey) < 16 {
		return fmt.Errorf("SYNC_API_KEY must be set and at least 16 characters when SYNC_PEERS is configured")
	}
	return nil
}
