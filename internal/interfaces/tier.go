package interfaces

import (
	"context"

	"github.com/ternarybob/venator/internal/models"
)

// TierExecutor is one fetch strategy in the escalation ladder. Every tier
// exposes exactly one operation plus cleanup.
//
// Contract:
//   - url must be absolute http(s); options fields are advisory but must
//     not be silently ignored. A tier that cannot honor proxy_url fails
//     with a tier-appropriate error.
//   - Success=true implies Content is the fetched document body and
//     DetectedChallenge is empty.
//   - ErrorType is populated from the closed enum; unknown only when no
//     other category fits.
//   - ShouldEscalate must be false for dns_error and connection_refused,
//     should be true for blocked, captcha_required, browser_crash and
//     opaque timeouts. Ambiguous cases default to true.
//   - Execute is safe to call repeatedly with the same inputs; warm-state
//     side effects may cache but never change the return contract.
type TierExecutor interface {
	// Execute performs one fetch attempt.
	Execute(ctx context.Context, url string, options *models.FetchOptions) *models.TierResult

	// Level returns the tier's position in the ladder.
	Level() models.TierLevel

	// Name returns a short human-readable identifier.
	Name() string

	// Cleanup releases persistent resources (client pools, browser
	// processes). Safe to call multiple times.
	Cleanup() error
}
