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

	"marginalia/api/internal/annot"
	"marginalia/api/internal/app"
	"marginalia/api/internal/config"
	"marginalia/api/internal/export"
	"marginalia/api/internal/extract"
	"marginalia/api/internal/itemstore"
	"marginalia/api/internal/search"
	"marginalia/api/internal/settings"
	"marginalia/api/internal/store"
	"marginalia/api/internal/urlcache"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	mirror := store.NewPostgresStore(db)

	client := itemstore.NewClient(itemstore.ClientOptions{
		BaseURL: cfg.StoreBaseURL,
		APIKey:  cfg.StoreAPIKey,
	})

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
		searchService.ReindexAllFromPG(ctx)
	}

	var cache urlcache.Cache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisCache, err := urlcache.NewRedisCache(cfg.RedisURL, cfg.URLFreshFor)
		if err != nil {
			log.Printf("fetch: redis unavailable, using in-memory URL cache: %v", err)
			cache = urlcache.NewMemoryCache(cfg.URLFreshFor)
		} else {
			defer redisCache.Close()
			cache = redisCache
		}
	} else {
		cache = urlcache.NewMemoryCache(cfg.URLFreshFor)
	}

	service := app.NewService(app.Options{
		DB:         db,
		Client:     client,
		Mirror:     mirror,
		Reconciler: annot.NewReconciler(client, log.Default()),
		Extractor:  extract.NewWorker(cfg.ExtractorCmd, cfg.ExtractorTimeout),
		Cache:      cache,
		Search:     searchService,
		Settings:   settings.NewQueue(client, log.Default()),
		Exporter:   export.NewService(mirror),
		Secret:     []byte(cfg.SocketSecret),
		TokenTTL:   cfg.SocketTTL,
		URLWindow:  cfg.URLFreshFor,
		PageSize:   cfg.PageSize,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.GatewayToken)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Marginalia API listening on %s", cfg.Addr)
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
