package tiers

import (
	"fmt"

	"github.com/ternarybob/venator/internal/challenge"
	"github.com/ternarybob/venator/internal/models"
)

// classifyResponse turns a body and status into a tier result. Shared by
// every tier: content signatures win over status codes, and a clean
// sub-400 response is a success.
func classifyResponse(detector *challenge.Detector, level models.TierLevel, content string, statusCode int) *models.TierResult {
	detected := detector.Detect(content, statusCode)
	if detected == models.ChallengeNone && statusCode < 400 {
		return &models.TierResult{
			Success:           true,
			Content:           content,
			StatusCode:        statusCode,
			TierUsed:          level,
			ResponseSizeBytes: len(content),
			ErrorType:         models.ErrorNone,
		}
	}

	errType := detector.ClassifyError(detected, statusCode)
	result := models.Failure(level, errType, failureMessage(detected, statusCode))
	result.Content = content
	result.StatusCode = statusCode
	result.ResponseSizeBytes = len(content)
	result.DetectedChallenge = detected
	return result
}

func failureMessage(detected models.ChallengeType, statusCode int) string {
	if detected != models.ChallengeNone {
		return fmt.Sprintf("challenge detected: %s (status %d)", detected, statusCode)
	}
	return fmt.Sprintf("unexpected status %d", statusCode)
}
