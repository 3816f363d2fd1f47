package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/lovebeyondborders/call-service/internal/adapters/media"
	"github.com/lovebeyondborders/call-service/internal/config"
	"github.com/lovebeyondborders/call-service/internal/handler"
	"github.com/lovebeyondborders/call-service/internal/repository"
	"github.com/lovebeyondborders/call-service/internal/services/call"
	"github.com/lovebeyondborders/call-service/pkg/logger"
	"github.com/lovebeyondborders/call-service/pkg/redis"
	"go.uber.org/zap"
)

// Server represents the call service server
type Server struct {
	config         *config.CallServiceConfig
	router         *mux.Router
	handlerManager *handler.HandlerManager
	service        *call.Service
	repoManager    repository.RepositoryManager
	httpServer     *http.Server
}

// NewServer wires the call service and its infrastructure
func NewServer(cfg *config.CallServiceConfig) (*Server, error) {
	// Database connection and migrations
	dbConfig := repository.LoadDatabaseConfigFromEnv()
	db, err := repository.NewDatabaseConnection(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := repository.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	repoManager := repository.NewGormRepositoryManager(db)

	// Redis powers the pairing signaling channel
	redisConfig := &redis.RedisConfig{
		Host:     config.GetEnvOrDefault("REDIS_HOST", "localhost"),
		Port:     config.GetEnvOrDefault("REDIS_PORT", "6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       config.GetEnvAsIntOrDefault("REDIS_DB", 0),
	}
	redisSvc, err := redis.NewRedisService(redisConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// The server itself has no capture hardware; engines it hosts run with
	// the synthesized tone provider (echo-test calls, integration smoke).
	service := call.NewService(cfg, redisSvc, repoManager, &media.TestToneProvider{})

	router := mux.NewRouter()
	handlerManager := handler.NewHandlerManager(cfg, service, repoManager)
	handlerManager.SetupAllRoutes(router)

	return &Server{
		config:         cfg,
		router:         router,
		handlerManager: handlerManager,
		service:        service,
		repoManager:    repoManager,
	}, nil
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%s", s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Base().Info("Starting server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown drains HTTP, ends active calls and flushes telemetry.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			logger.Base().Warn("http shutdown incomplete", zap.Error(err))
		}
	}
	s.handlerManager.Close()
	if err := s.service.Close(); err != nil {
		logger.Base().Warn("call service shutdown incomplete", zap.Error(err))
	}
	if err := s.repoManager.Close(); err != nil {
		logger.Base().Warn("database close failed", zap.Error(err))
	}
}

func main() {
	// Load .env file for local development if it exists
	if err := godotenv.Load(); err != nil {
		log.Printf("Info: .env file not found or skipped (expected in production): %v", err)
	}

	cfg := config.LoadFromEnv()

	if _, err := logger.Init(os.Getenv("LOG_ENV")); err != nil {
		log.Printf("Failed to initialize zap logger: %v", err)
	}
	defer logger.Sync()

	server, err := NewServer(cfg)
	if err != nil {
		logger.Base().Fatal("Failed to create server", zap.Error(err))
	}
	logger.Base().Info("Server initialized successfully",
		zap.String("port", cfg.Port),
		zap.String("instance_id", cfg.InstanceID))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Base().Fatal("Server exited", zap.Error(err))
		}
	case sig := <-stop:
		logger.Base().Info("Shutdown signal received", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	server.Shutdown(ctx)
	logger.Base().Info("Server stopped")
}
