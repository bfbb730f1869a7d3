package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/cardledger/card-service/internal/config"
	"github.com/cardledger/card-service/internal/handler"
	"github.com/cardledger/card-service/internal/middleware"
	"github.com/cardledger/card-service/internal/repository"
	"github.com/cardledger/card-service/internal/service"
	"github.com/cardledger/card-service/internal/tasks"
	"github.com/cardledger/card-service/internal/utils/email"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logLevel, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Load configuration
	cfg, err := config.NewConfig()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	// Initialize database
	db, err := sql.Open("postgres", cfg.DBConn)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatalf("Failed to ping database: %v", err)
	}
	if err := repository.RunMigrations(context.Background(), db); err != nil {
		logger.Fatalf("Failed to run migrations: %v", err)
	}

	// Initialize layers
	cardRepo := repository.NewCardRepository(db, logger)
	accountRepo := repository.NewAccountRepository(db, logger)
	authSvc := service.NewAuthService(accountRepo, cfg.JWTSecret, cfg.TokenExpiry, logger)
	cardSvc, err := service.NewCardService(cardRepo, accountRepo, cfg.EncryptionKey, logger)
	if err != nil {
		logger.Fatalf("Failed to init card service: %v", err)
	}
	authHandler := handler.NewAuthHandler(authSvc, logger)
	cardHandler := handler.NewCardHandler(cardSvc, logger)

	// Background sweeps: card expiration and block-request promotion
	var mailer tasks.Mailer
	if cfg.SMTPHost != "" {
		mailer = email.NewSender(cfg, logger)
	}
	sweeper := tasks.NewSweeper(cardRepo, accountRepo, mailer, logger)
	scheduler := cron.New()
	if err := sweeper.Register(scheduler, cfg.ExpirationCron, cfg.BlockCron); err != nil {
		logger.Fatalf("Failed to schedule sweeps: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Setup router
	r := mux.NewRouter()
	authHandler.RegisterPublicRoutes(r)

	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.Use(middleware.AuthMiddleware(authSvc, logger))
	cardHandler.RegisterRoutes(apiRouter, middleware.RequireAdmin)
	authHandler.RegisterAdminRoutes(apiRouter, middleware.RequireAdmin)

	// Start server
	addr := fmt.Sprintf(":%s", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("Starting server on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	}
	logger.Info("Server stopped")
}
