package orchestrator

import (
	"sync"

	"github.com/ternarybob/venator/internal/models"
)

// TierMetrics are the per-tier counters kept for tuning. Purely
// observational: nothing reads them on the escalation path.
type TierMetrics struct {
	Attempts    int64 `json:"attempts"`
	Successes   int64 `json:"successes"`
	Escalations int64 `json:"escalations"`
}

// Metrics aggregates counters across tiers. Safe for concurrent use.
type Metrics struct {
	mu      sync.Mutex
	perTier map[models.TierLevel]*TierMetrics
}

// NewMetrics creates an empty counter set.
func NewMetrics() *Metrics {
	return &Metrics{perTier: make(map[models.TierLevel]*TierMetrics)}
}

func (m *Metrics) tier(level models.TierLevel) *TierMetrics {
	tm, ok := m.perTier[level]
	if !ok {
		tm = &TierMetrics{}
		m.perTier[level] = tm
	}
	return tm
}

// RecordAttempt counts one execution of a tier.
func (m *Metrics) RecordAttempt(level models.TierLevel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tier(level).Attempts++
}

// RecordSuccess counts one successful tier result.
func (m *Metrics) RecordSuccess(level models.TierLevel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tier(level).Successes++
}

// RecordEscalation counts one escalation away from a tier.
func (m *Metrics) RecordEscalation(level models.TierLevel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tier(level).Escalations++
}

// Snapshot returns a copy keyed by tier name.
func (m *Metrics) Snapshot() map[string]TierMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]TierMetrics, len(m.perTier))
	for level, tm := range m.perTier {
		out[level.String()] = *tm
	}
	return out
}
