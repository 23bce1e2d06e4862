package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"banter/api/internal/app"
	"banter/api/internal/auth"
	"banter/api/internal/clerk"
	"banter/api/internal/config"
	"banter/api/internal/media"
	"banter/api/internal/metrics"
	"banter/api/internal/realtime"
	"banter/api/internal/rtc"
	"banter/api/internal/search"
	"banter/api/internal/store"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("configuration invalid: %v", err)
	}
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	// Webhook verification and identity are validated here, never lazily,
	// so a misconfigured deployment refuses to start instead of processing
	// deliveries with a degraded verifier.
	verifier, err := clerk.NewVerifier(cfg.ClerkWebhookSecret)
	if err != nil {
		log.Fatalf("webhook verifier: %v", err)
	}
	normalizer, err := clerk.NewNormalizer(cfg.ClerkIssuerDomain)
	if err != nil {
		log.Fatalf("event normalizer: %v", err)
	}
	identity, err := auth.NewVerifier(cfg.ClerkJWTPublicKey, cfg.ClerkIssuerDomain)
	if err != nil {
		log.Fatalf("identity verifier: %v", err)
	}

	var hub *realtime.Hub
	if strings.TrimSpace(cfg.RedisURL) != "" {
		hub, err = realtime.NewHub(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer hub.Close()
	} else {
		log.Printf("REDIS_URL not set, realtime delivery disabled")
	}

	mediaStore, err := media.New(cfg.MediaEndpoint, cfg.MediaAccessKey, cfg.MediaSecretKey, cfg.MediaBucket, cfg.MediaUseSSL)
	if err != nil {
		log.Fatalf("media store connection failed: %v", err)
	}
	if mediaStore != nil {
		if err := mediaStore.EnsureBucket(ctx); err != nil {
			log.Fatalf("media bucket: %v", err)
		}
	} else {
		log.Printf("media credentials not set, media sharing disabled")
	}

	videoService, err := rtc.New(cfg.VideoAppID, cfg.VideoServerSecret)
	if err != nil {
		log.Fatalf("video token service: %v", err)
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	searchService.ReindexAllFromPG(ctx)

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	service := app.New(cfg, dataStore, hub, searchService, mediaStore, videoService, collector)
	httpServer := app.NewHTTPServer(service, verifier, normalizer, identity, collector, cfg.CORSOrigin)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(registry))
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Banter API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
