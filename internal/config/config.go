package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config carries everything the server reads from the environment.
type Config struct {
	Port string

	MongoURI      string
	MongoDatabase string

	GeminiAPIKey    string
	GeminiModel     string
	GeminiLiveModel string

	JWTSecret string

	PriceAPIKey string
	PriceAPIURL string
	// PriceStates optionally narrows the price sync to a few states,
	// comma-separated. Empty syncs all of India.
	PriceStates []string

	// VoiceMinutesLimit is the monthly free voice quota per user.
	VoiceMinutesLimit float64
}

// Load reads configuration from environment variables. Only the secrets are
// mandatory; everything else has a development default.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		MongoURI:        getEnv("MONGODB_URI", "mongodb://localhost:27017"),
		MongoDatabase:   getEnv("MONGODB_DATABASE", "krishi"),
		GeminiAPIKey:    os.Getenv("GEMINI_API_KEY"),
		GeminiModel:     os.Getenv("GEMINI_MODEL"),
		GeminiLiveModel: os.Getenv("GEMINI_LIVE_MODEL"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		PriceAPIKey:     os.Getenv("DATA_GOV_API_KEY"),
		PriceAPIURL:     os.Getenv("DATA_GOV_API_URL"),
	}

	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	if states := os.Getenv("PRICE_SYNC_STATES"); states != "" {
		for _, state := range strings.Split(states, ",") {
			if state = strings.TrimSpace(state); state != "" {
				cfg.PriceStates = append(cfg.PriceStates, state)
			}
		}
	}

	limit := getEnv("VOICE_MINUTES_LIMIT", "5.0")
	parsed, err := strconv.ParseFloat(limit, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid VOICE_MINUTES_LIMIT %q: %w", limit, err)
	}
	cfg.VoiceMinutesLimit = parsed

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
