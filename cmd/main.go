package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/maswadkar/krishi/server/adapters/appconfig"
	"github.com/maswadkar/krishi/server/adapters/llm"
	"github.com/maswadkar/krishi/server/adapters/mongo"
	"github.com/maswadkar/krishi/server/adapters/stt"
	"github.com/maswadkar/krishi/server/internal/api"
	"github.com/maswadkar/krishi/server/internal/auth"
	"github.com/maswadkar/krishi/server/internal/config"
	"github.com/maswadkar/krishi/server/internal/pricesync"
	"github.com/maswadkar/krishi/server/internal/websocket"
	"github.com/maswadkar/krishi/server/usecase"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load .env for local development; production sets real env vars.
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	// MongoDB
	mongoClient, err := mongo.NewClient(cfg.MongoURI, cfg.MongoDatabase, logger)
	if err != nil {
		logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := mongoClient.Close(ctx); err != nil {
			logger.Error("Failed to close MongoDB connection", zap.Error(err))
		}
	}()

	db := mongoClient.Database
	usageRepo := mongo.NewUsageRepository(db)
	conversationRepo := mongo.NewConversationRepository(db)
	priceRepo := mongo.NewPriceRepository(db)
	clickRepo := mongo.NewClickRepository(db)
	imageStorage, err := mongo.NewGridFSStorage(db)
	if err != nil {
		logger.Fatal("Failed to initialize image storage", zap.Error(err))
	}

	// Gemini chat and live audio
	geminiLLM, err := llm.NewGeminiLLM(llm.GeminiConfig{
		APIKey:    cfg.GeminiAPIKey,
		Model:     cfg.GeminiModel,
		LiveModel: cfg.GeminiLiveModel,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Gemini client", zap.Error(err))
	}
	geminiLive := llm.NewGeminiLive(geminiLLM, logger)

	// Usecase services
	chatService := usecase.NewChatService(geminiLLM, conversationRepo, logger)
	quotaGate := usecase.NewQuotaGate(usageRepo, cfg.VoiceMinutesLimit, logger)
	clickTracker := usecase.NewClickTracker(clickRepo, logger)
	defer clickTracker.Close()

	// Auth
	authManager, err := auth.NewManager(cfg.JWTSecret)
	if err != nil {
		logger.Fatal("Failed to initialize auth", zap.Error(err))
	}

	// Daily mandi price sync
	priceSync := pricesync.NewService(pricesync.Config{
		APIURL: cfg.PriceAPIURL,
		APIKey: cfg.PriceAPIKey,
		States: cfg.PriceStates,
	}, priceRepo, logger)
	priceSync.Start()
	defer priceSync.Stop()

	// WebSocket hub for live voice and chat
	hub := websocket.NewHub(chatService, quotaGate, geminiLive, logger)
	go hub.Run()

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Initialize API routes
	api.InitRoutes(e, api.Deps{
		Hub:           hub,
		Auth:          authManager,
		Conversations: conversationRepo,
		Gate:          quotaGate,
		Prices:        priceRepo,
		PriceSync:     priceSync,
		Clicks:        clickTracker,
		AppConfig:     appconfig.NewStore(db, logger),
		STT:           &stt.GoogleSpeechToText{},
		Images:        imageStorage,
		Logger:        logger,
	})

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("port", cfg.Port))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
