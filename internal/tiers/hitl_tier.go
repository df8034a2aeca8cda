package tiers

import (
	"context"
	"time"

	"github.com/ternarybob/venator/internal/interfaces"
	"github.com/ternarybob/venator/internal/models"
)

// HITLTier is tier 7: the last rung. It hands the fetch to the
// human-in-the-loop service, which either replays a cached golden ticket
// or opens a streamed browser session for an operator.
type HITLTier struct {
	service interfaces.HITLService
}

// NewHITLTier creates the tier 7 executor.
func NewHITLTier(service interfaces.HITLService) *HITLTier {
	return &HITLTier{service: service}
}

var _ interfaces.TierExecutor = (*HITLTier)(nil)

func (t *HITLTier) Level() models.TierLevel { return models.TierHITL }
func (t *HITLTier) Name() string            { return models.TierHITL.String() }

// Execute delegates to the HITL service. There is nowhere to escalate
// from here, so the result never asks for it.
func (t *HITLTier) Execute(ctx context.Context, targetURL string, options *models.FetchOptions) *models.TierResult {
	start := time.Now()
	result := t.service.Resolve(ctx, targetURL, options)
	result.TierUsed = t.Level()
	result.ShouldEscalate = false
	if result.ExecutionTimeMs == 0 {
		result.ExecutionTimeMs = time.Since(start).Milliseconds()
	}
	return result
}

// Cleanup is a no-op: the HITL service owns its browser.
func (t *HITLTier) Cleanup() error { return nil }
