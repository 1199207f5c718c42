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

	"github.com/redis/go-redis/v9"

	"evotales/api/internal/app"
	"evotales/api/internal/authpw"
	"evotales/api/internal/collab"
	"evotales/api/internal/config"
	"evotales/api/internal/email"
	"evotales/api/internal/export"
	"evotales/api/internal/history"
	"evotales/api/internal/library"
	"evotales/api/internal/reader"
	"evotales/api/internal/search"
	"evotales/api/internal/session"
	"evotales/api/internal/store"
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

	if err := os.MkdirAll(cfg.ManuscriptsDir, 0o755); err != nil {
		log.Fatalf("failed to create manuscripts dir: %v", err)
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("invalid redis url: %v", err)
	}
	redisClient := redis.NewClient(opts)
	defer redisClient.Close()
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		log.Fatalf("redis connection failed: %v", err)
	}
	cancelPing()

	catalog := store.NewPostgresStore(db)
	libraryService := library.NewService(library.NewRedisStoreWithClient(redisClient))
	sessionStore := session.NewRedisStoreWithClient(redisClient)
	progressStore := reader.NewRedisStoreWithClient(redisClient)
	historyService := history.New(cfg.ManuscriptsDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	searchService.ReindexAllFromPG(ctx)

	feed := collab.NewRedisFeed(redisClient)
	collabService := collab.NewService(collab.NewRedisStoreWithClient(redisClient), feed)
	hub := collab.NewHub(collabService, feed)

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		log.Printf("SMTP not configured, verification and reset tokens will be returned in responses")
	}

	service := app.New(
		cfg,
		libraryService,
		catalog,
		sessionStore,
		historyService,
		progressStore,
		searchService,
		export.NewService(libraryService),
		collabService,
		authpw.NewService(catalog),
		mailer,
	)

	httpServer := app.NewHTTPServer(service, hub, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("EvoTales API listening on %s", cfg.Addr)
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
	service.Close(shutdownCtx)
}
