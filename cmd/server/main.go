package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/lumenfolio/newsletter-engine/internal/api"
	"github.com/lumenfolio/newsletter-engine/internal/broadcast"
	"github.com/lumenfolio/newsletter-engine/internal/config"
	"github.com/lumenfolio/newsletter-engine/internal/gateway/mailtrap"
	"github.com/lumenfolio/newsletter-engine/internal/gateway/ses"
	"github.com/lumenfolio/newsletter-engine/internal/newsletter"
	"github.com/lumenfolio/newsletter-engine/internal/pkg/distlock"
	"github.com/lumenfolio/newsletter-engine/internal/pkg/logger"
	"github.com/lumenfolio/newsletter-engine/internal/ratelimit"
	"github.com/lumenfolio/newsletter-engine/internal/repository/dynamo"
	"github.com/lumenfolio/newsletter-engine/internal/repository/postgres"
	"github.com/lumenfolio/newsletter-engine/internal/templates"
	"github.com/lumenfolio/newsletter-engine/internal/token"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.RedactPII != nil {
		logger.SetRedactPII(*cfg.Logging.RedactPII)
	}

	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check failed: %v", err)
	}

	ctx := context.Background()

	// Subscriber store: Dynamo when enabled, otherwise Postgres.
	var store newsletter.Store
	var db *sql.DB
	if cfg.Dynamo.Enabled {
		dynamoStore, err := dynamo.Connect(ctx, cfg.Dynamo.Table, cfg.Dynamo.Region)
		if err != nil {
			log.Fatalf("Failed to connect to DynamoDB: %v", err)
		}
		store = dynamoStore
		logger.Info("using DynamoDB subscriber store", "table", cfg.Dynamo.Table)
	} else {
		db, err = sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)
		if err := db.Ping(); err != nil {
			log.Fatalf("Failed to ping database: %v", err)
		}
		defer db.Close()
		store = postgres.NewSubscriberStore(db)
		logger.Info("using Postgres subscriber store")
	}

	// Email gateway: SES in production, Mailtrap otherwise.
	var gateway newsletter.Gateway
	if cfg.SES.Enabled {
		sesGateway, err := ses.NewGateway(ctx, cfg.SES)
		if err != nil {
			log.Fatalf("Failed to create SES gateway: %v", err)
		}
		gateway = sesGateway
		logger.Info("using SES gateway", "region", cfg.SES.Region)
	} else {
		gateway = mailtrap.NewGateway(cfg.Mailtrap)
		logger.Info("using Mailtrap gateway")
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, rate limiting and broadcast lock degraded", "error", err.Error())
		}
		defer redisClient.Close()
	}

	renderer := templates.New()
	links := newsletter.LinkConfig{
		APIBaseURL: cfg.Newsletter.APIBaseURL,
		SiteName:   cfg.Newsletter.FromName,
		FromName:   cfg.Newsletter.FromName,
		FromEmail:  cfg.Newsletter.FromEmail,
		ReplyTo:    cfg.Newsletter.ReplyTo,
	}

	svc := newsletter.NewService(store, token.NewIssuer(), newsletter.NewTemplateMailer(gateway, renderer, links))
	processor := broadcast.NewProcessor(store, gateway, renderer, links, cfg.Newsletter.BatchSize, cfg.Newsletter.BatchDelay())

	var limiter *ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.New(redisClient, cfg.Newsletter.RatePerMinute, time.Minute)
	}
	sendLock := distlock.NewLock(redisClient, db, "newsletter:broadcast", 30*time.Minute)

	handlers := api.NewHandlers(
		svc,
		processor,
		limiter,
		sendLock,
		cfg.Newsletter.SiteBaseURL,
		cfg.Newsletter.BroadcastAPIKey,
		api.NewHealthChecker(db, redisClient),
	)

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", host, port),
		Handler:     api.SetupRoutes(handlers),
		ReadTimeout: 15 * time.Second,
		// Broadcasts run inside the request; give them room.
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-done
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err.Error())
	}
}
