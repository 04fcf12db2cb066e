package api

import "time"

// LoginRequest represents the request payload for user login
type LoginRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

// LoginResponse represents the response payload for user login
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
}

// UsageResponse reports the caller's voice quota standing for the current
// month.
type UsageResponse struct {
	MinutesUsed  float64 `json:"minutes_used"`
	MinutesLimit float64 `json:"minutes_limit"`
	SessionsUsed int     `json:"sessions_used"`
	CanStart     bool    `json:"can_start"`
}

// ClickRequest records one supplier contact event
type ClickRequest struct {
	SupplierID string `json:"supplier_id" validate:"required"`
	OfferID    string `json:"offer_id"`
	ClickType  string `json:"click_type" validate:"required,oneof=whatsapp call"`
}

// TranscribeResponse carries the voice note transcript
type TranscribeResponse struct {
	Transcript string `json:"transcript"`
}

// ConfigResponse carries remotely managed app configuration
type ConfigResponse struct {
	SupplierWhatsAppNumber string `json:"supplier_whatsapp_number"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
