// Package recommend extracts product recommendations from AI replies.
//
// The model is instructed to append suggestions in a fenced block:
//
//	```krishi_products
//	[{"name": "...", "type": "pesticide", "quantity": "...", "unit": "...", "reason": "..."}]
//	```
//
// Parse strips the block from the display text and deserializes the JSON,
// tolerating absence or malformed payloads by returning an empty list.
package recommend

import (
	"encoding/json"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/maswadkar/krishi/server/domain/entities"
)

var productsBlockRe = regexp.MustCompile("```krishi_products\\s*\\n([\\s\\S]*?)\\n?```")

// Result of parsing an AI response.
type Result struct {
	// DisplayText is the reply with the product block removed.
	DisplayText string
	// Recommendations is empty when no block exists or parsing failed.
	Recommendations []entities.ProductRecommendation
}

// Parse extracts product recommendations from a raw AI reply. It never fails:
// a malformed payload yields the stripped text and an empty list.
func Parse(responseText string, logger *zap.Logger) Result {
	match := productsBlockRe.FindStringSubmatchIndex(responseText)
	if match == nil {
		return Result{DisplayText: responseText}
	}

	jsonContent := strings.TrimSpace(responseText[match[2]:match[3]])
	displayText := strings.TrimSpace(responseText[:match[0]] + responseText[match[1]:])

	var recommendations []entities.ProductRecommendation
	if err := json.Unmarshal([]byte(jsonContent), &recommendations); err != nil {
		logger.Warn("Failed to parse product recommendations",
			zap.Error(err),
			zap.Int("payload_bytes", len(jsonContent)))
		recommendations = nil
	}

	return Result{
		DisplayText:     displayText,
		Recommendations: recommendations,
	}
}

// HasRecommendations reports whether a reply carries a product block without
// fully parsing it.
func HasRecommendations(responseText string) bool {
	return productsBlockRe.MatchString(responseText)
}
