package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/maswadkar/krishi/server/domain/entities"
	"github.com/maswadkar/krishi/server/domain/repositories"
	"github.com/maswadkar/krishi/server/internal/auth"
	"github.com/maswadkar/krishi/server/internal/pricesync"
	"github.com/maswadkar/krishi/server/internal/websocket"
	"github.com/maswadkar/krishi/server/usecase"
)

const (
	// maxUploadBytes caps image and voice note uploads.
	maxUploadBytes = 10 * 1024 * 1024

	// syncTriggerTimeout bounds a manually triggered price sync.
	syncTriggerTimeout = 30 * time.Minute
)

// Deps carries everything the HTTP layer serves.
type Deps struct {
	Hub           *websocket.Hub
	Auth          *auth.Manager
	Conversations repositories.ConversationRepository
	Gate          *usecase.QuotaGate
	Prices        repositories.PriceRepository
	PriceSync     *pricesync.Service
	Clicks        *usecase.ClickTracker
	AppConfig     repositories.AppConfig
	STT           repositories.SpeechToText
	Images        repositories.ObjectStorage
	Logger        *zap.Logger
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Deps) {
	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "krishi-server",
		})
	})

	// API v1 routes
	v1 := e.Group("/api/v1")

	v1.POST("/auth/login", func(c echo.Context) error {
		return userLogin(c, deps)
	})

	authed := v1.Group("", jwtMiddleware(deps.Auth, deps.Logger))

	// Conversation history APIs
	authed.GET("/conversations", func(c echo.Context) error {
		return listConversations(c, deps)
	})
	authed.GET("/conversations/:id", func(c echo.Context) error {
		return getConversation(c, deps)
	})
	authed.DELETE("/conversations/:id", func(c echo.Context) error {
		return deleteConversation(c, deps)
	})

	// Voice quota API
	authed.GET("/usage", func(c echo.Context) error {
		return getUsage(c, deps)
	})

	// Mandi price APIs
	authed.GET("/prices", func(c echo.Context) error {
		return queryPrices(c, deps)
	})
	authed.POST("/prices/sync", func(c echo.Context) error {
		return triggerPriceSync(c, deps)
	})

	// Supplier click telemetry
	authed.POST("/clicks", func(c echo.Context) error {
		return recordClick(c, deps)
	})

	// Remote app configuration
	authed.GET("/config", func(c echo.Context) error {
		return getAppConfig(c, deps)
	})

	// Voice note transcription
	authed.POST("/transcribe", func(c echo.Context) error {
		return transcribeAudio(c, deps)
	})

	// Chat image attachments
	authed.POST("/images/:conversationId/:filename", func(c echo.Context) error {
		return uploadImage(c, deps)
	})
	authed.GET("/images/:conversationId/:filename", func(c echo.Context) error {
		return downloadImage(c, deps)
	})

	// WebSocket endpoint with JWT validation
	e.GET("/ws", func(c echo.Context) error {
		return websocketWithAuth(c, deps)
	})
}

// jwtMiddleware authenticates requests and stashes the user ID in the context.
func jwtMiddleware(manager *auth.Manager, logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := bearerToken(c)
			if token == "" {
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "missing_token",
					Message: "JWT token is required",
				})
			}

			claims, err := manager.ValidateToken(token)
			if err != nil {
				logger.Warn("Request rejected: invalid token", zap.Error(err))
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "invalid_token",
					Message: "Invalid or expired JWT token",
				})
			}
			if claims.UserID == "" {
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "invalid_token_claims",
					Message: "User ID not found in token",
				})
			}

			c.Set("user_id", claims.UserID)
			return next(c)
		}
	}
}

// bearerToken extracts the JWT from the Authorization header, falling back to
// the token query parameter for websocket and direct-link clients.
func bearerToken(c echo.Context) string {
	authHeader := c.Request().Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return c.QueryParam("token")
}

func requestUserID(c echo.Context) string {
	userID, _ := c.Get("user_id").(string)
	return userID
}

func userLogin(c echo.Context, deps Deps) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		deps.Logger.Error("Failed to bind login request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	if req.UserID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "user_id is required",
		})
	}

	token, err := deps.Auth.GenerateUserToken(req.UserID)
	if err != nil {
		deps.Logger.Error("Failed to generate user token",
			zap.String("user_id", req.UserID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	return c.JSON(http.StatusOK, LoginResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(auth.UserTokenTTL),
		UserID:    req.UserID,
	})
}

func listConversations(c echo.Context, deps Deps) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	conversations, err := deps.Conversations.ListByUser(c.Request().Context(), requestUserID(c), limit)
	if err != nil {
		deps.Logger.Error("Failed to list conversations", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to list conversations",
		})
	}

	return c.JSON(http.StatusOK, conversations)
}

func getConversation(c echo.Context, deps Deps) error {
	conversation, err := deps.Conversations.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil || conversation.UserID != requestUserID(c) {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Conversation not found",
		})
	}

	return c.JSON(http.StatusOK, conversation)
}

func deleteConversation(c echo.Context, deps Deps) error {
	ctx := c.Request().Context()

	conversation, err := deps.Conversations.GetByID(ctx, c.Param("id"))
	if err != nil || conversation.UserID != requestUserID(c) {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Conversation not found",
		})
	}

	if err := deps.Conversations.Delete(ctx, conversation.ID); err != nil {
		deps.Logger.Error("Failed to delete conversation",
			zap.String("conversation_id", conversation.ID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to delete conversation",
		})
	}

	return c.NoContent(http.StatusNoContent)
}

func getUsage(c echo.Context, deps Deps) error {
	ctx := c.Request().Context()
	userID := requestUserID(c)

	usage, err := deps.Gate.EffectiveUsage(ctx, userID)
	if err != nil {
		deps.Logger.Error("Failed to read voice usage",
			zap.String("user_id", userID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to read usage",
		})
	}

	return c.JSON(http.StatusOK, UsageResponse{
		MinutesUsed:  usage.MinutesUsed,
		MinutesLimit: deps.Gate.Limit(),
		SessionsUsed: usage.SessionsUsed,
		CanStart:     deps.Gate.CanStartSession(ctx, userID),
	})
}

func queryPrices(c echo.Context, deps Deps) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	prices, err := deps.Prices.Query(c.Request().Context(),
		c.QueryParam("commodity"), c.QueryParam("district"), limit)
	if err != nil {
		deps.Logger.Error("Failed to query prices", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to query prices",
		})
	}

	return c.JSON(http.StatusOK, prices)
}

func triggerPriceSync(c echo.Context, deps Deps) error {
	// The full sync scans every configured state; run it detached and let the
	// caller poll the price endpoints.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), syncTriggerTimeout)
		defer cancel()

		if result, err := deps.PriceSync.SyncOnce(ctx); err != nil {
			deps.Logger.Error("Manually triggered price sync failed", zap.Error(err))
		} else {
			deps.Logger.Info("Manually triggered price sync completed",
				zap.Int("records_written", result.RecordsWritten),
				zap.Int64("records_purged", result.RecordsPurged))
		}
	}()

	return c.JSON(http.StatusAccepted, map[string]string{
		"status": "sync started",
	})
}

func recordClick(c echo.Context, deps Deps) error {
	var req ClickRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	if req.SupplierID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "supplier_id is required",
		})
	}

	clickType := entities.ClickType(req.ClickType)
	switch clickType {
	case entities.ClickTypeWhatsApp, entities.ClickTypeCall:
	default:
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_click_type",
			Message: "click_type must be whatsapp or call",
		})
	}

	deps.Clicks.Record(requestUserID(c), req.SupplierID, req.OfferID, clickType)
	return c.NoContent(http.StatusAccepted)
}

func getAppConfig(c echo.Context, deps Deps) error {
	return c.JSON(http.StatusOK, ConfigResponse{
		SupplierWhatsAppNumber: deps.AppConfig.SupplierContactNumber(c.Request().Context()),
	})
}

func transcribeAudio(c echo.Context, deps Deps) error {
	audioData, err := io.ReadAll(io.LimitReader(c.Request().Body, maxUploadBytes))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Failed to read audio body",
		})
	}
	if len(audioData) == 0 {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_audio",
			Message: "Request body must contain audio data",
		})
	}

	sampleRate, _ := strconv.Atoi(c.QueryParam("sample_rate"))
	transcript, err := deps.STT.TranscribeAudio(c.Request().Context(), audioData, repositories.AudioConfig{
		SampleRate: sampleRate,
		Encoding:   c.QueryParam("encoding"),
		Language:   c.QueryParam("language"),
	})
	if err != nil {
		deps.Logger.Warn("Transcription failed", zap.Error(err))
		return c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "transcription_failed",
			Message: err.Error(),
		})
	}

	return c.JSON(http.StatusOK, TranscribeResponse{Transcript: transcript})
}

func uploadImage(c echo.Context, deps Deps) error {
	key := imageKey(requestUserID(c), c.Param("conversationId"), c.Param("filename"))

	body := io.LimitReader(c.Request().Body, maxUploadBytes)
	if err := deps.Images.Upload(c.Request().Context(), key, body); err != nil {
		deps.Logger.Error("Failed to upload image",
			zap.String("key", key),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "upload_failed",
			Message: "Failed to store image",
		})
	}

	return c.JSON(http.StatusCreated, map[string]string{"key": key})
}

func downloadImage(c echo.Context, deps Deps) error {
	key := imageKey(requestUserID(c), c.Param("conversationId"), c.Param("filename"))

	var buf bytes.Buffer
	if err := deps.Images.Download(c.Request().Context(), key, &buf); err != nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Image not found",
		})
	}

	return c.Blob(http.StatusOK, "application/octet-stream", buf.Bytes())
}

// imageKey shapes storage keys as user_images/{userId}/{conversationId}/{filename}.
func imageKey(userID, conversationID, filename string) string {
	return fmt.Sprintf("user_images/%s/%s/%s", userID, conversationID, filename)
}

// websocketWithAuth handles WebSocket connections with JWT authentication
func websocketWithAuth(c echo.Context, deps Deps) error {
	token := bearerToken(c)
	if token == "" {
		deps.Logger.Warn("WebSocket connection rejected: missing token")
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "JWT token is required",
		})
	}

	claims, err := deps.Auth.ValidateToken(token)
	if err != nil {
		deps.Logger.Warn("WebSocket connection rejected: invalid token", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired JWT token",
		})
	}

	if claims.UserID == "" {
		deps.Logger.Error("WebSocket connection rejected: missing user ID in token")
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_token_claims",
			Message: "User ID not found in token",
		})
	}

	deps.Logger.Info("WebSocket connection authenticated",
		zap.String("user_id", claims.UserID))

	return websocket.HandleWebSocketWithAuth(deps.Hub, c, claims.UserID, deps.Logger)
}
