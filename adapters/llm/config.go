package llm

import (
	"fmt"

	"google.golang.org/genai"
)

// Defaults applied when GeminiConfig leaves a knob unset.
const (
	defaultModel          = "gemini-2.5-flash"
	defaultLiveModel      = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultTemperature    = 0.7
	defaultTopP           = 0.95
	defaultTopK           = 40
	defaultMaxTokens      = 2048
	defaultTimeoutSeconds = 60
)

// GeminiConfig holds the tunable parts of the Gemini integration. Safety
// settings and the system prompt are fixed at build time.
type GeminiConfig struct {
	APIKey          string
	Model           string
	LiveModel       string
	Temperature     float32
	TopP            float32
	TopK            float32
	MaxOutputTokens int
	TimeoutSeconds  int
}

// ValidateGeminiConfig validates the GeminiConfig
func ValidateGeminiConfig(config GeminiConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("Google AI API key is required")
	}

	if config.Temperature != 0 && (config.Temperature < 0 || config.Temperature > 1) {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", config.Temperature)
	}

	if config.TopP != 0 && (config.TopP < 0 || config.TopP > 1) {
		return fmt.Errorf("topP must be between 0 and 1, got %f", config.TopP)
	}

	if config.TopK < 0 {
		return fmt.Errorf("topK must be positive, got %f", config.TopK)
	}

	if config.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout must be positive, got %d", config.TimeoutSeconds)
	}

	return nil
}

// systemPrompt is the Krishi Mitra persona plus the product recommendation
// protocol the response parser depends on.
const systemPrompt = `You are Krishi Mitra, an expert AI assistant specialized in agriculture and farming.

Your role:
- Help farmers with crop cultivation, soil health, pest management, and farming techniques
- Provide information based on verified agricultural research and best practices
- Answer questions in the user's preferred language (Hindi, Marathi, Telugu, Tamil, Kannada, English, etc.)
- Give practical, actionable advice suitable for Indian farming conditions
- Suggest organic and sustainable farming methods when appropriate

Guidelines:
- Be friendly, respectful, and patient
- Use simple language that farmers can easily understand
- When discussing pesticides or chemicals, always mention safety precautions
- If you're unsure about something, say so and recommend consulting local agricultural extension officers
- Provide region-specific advice when the user mentions their location

Product recommendations:
- When your advice involves specific products (seeds, fertilizer, pesticide, equipment), append exactly one fenced block at the very end of your answer:
` + "```krishi_products" + `
[{"name": "...", "type": "fertilizer", "quantity": "...", "unit": "...", "reason": "..."}]
` + "```" + `
- type must be one of: seeds, fertilizer, pesticide, equipment, other
- Omit the block entirely when no product applies. Never mention the block in your prose.`

// fallbackReplies are used when Gemini is unreachable or returns nothing
// after retries, so the farmer always gets an answer.
var fallbackReplies = []string{
	"I am having trouble reaching my knowledge base right now. Please try again in a moment.",
	"Sorry, I could not process that. Could you ask your question again?",
	"My connection is weak at the moment. Please repeat your question shortly.",
}

// hardcodedSafetySettings keep responses suitable for a general farming
// audience while still allowing pesticide and chemical guidance.
var hardcodedSafetySettings = []*genai.SafetySetting{
	{
		Category:  genai.HarmCategoryHarassment,
		Threshold: genai.HarmBlockThresholdBlockMediumAndAbove,
	},
	{
		Category:  genai.HarmCategoryHateSpeech,
		Threshold: genai.HarmBlockThresholdBlockMediumAndAbove,
	},
	{
		Category:  genai.HarmCategorySexuallyExplicit,
		Threshold: genai.HarmBlockThresholdBlockLowAndAbove,
	},
	{
		Category:  genai.HarmCategoryDangerousContent,
		Threshold: genai.HarmBlockThresholdBlockOnlyHigh,
	},
}
