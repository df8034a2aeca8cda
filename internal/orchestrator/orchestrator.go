// Package orchestrator drives the escalation ladder: it sequences tier
// attempts for a fetch, applies fail-fast and skip rules, injects cached
// golden tickets, and short-circuits CAPTCHA walls to the HITL tier.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venator/internal/common"
	"github.com/ternarybob/venator/internal/interfaces"
	"github.com/ternarybob/venator/internal/models"
)

// ticketProvider is the slice of the ticket service the orchestrator
// needs: lookup on entry, invalidation when a replayed ticket bounces.
type ticketProvider interface {
	Get(ctx context.Context, domain string) (*models.GoldenTicket, error)
	Invalidate(ctx context.Context, domain, reason string) error
}

// Orchestrator owns the registered tier ladder. Execute calls are
// independent; all escalation state is local to one call.
type Orchestrator struct {
	executors map[models.TierLevel]interfaces.TierExecutor
	ladder    []models.TierLevel
	tickets   ticketProvider
	logger    arbor.ILogger
	metrics   *Metrics
}

// New creates an orchestrator with no tiers registered.
func New(tickets ticketProvider, logger arbor.ILogger) *Orchestrator {
	return &Orchestrator{
		executors: make(map[models.TierLevel]interfaces.TierExecutor),
		tickets:   tickets,
		logger:    logger,
		metrics:   NewMetrics(),
	}
}

// Register adds a tier executor to the ladder. Pluggable slots (CDP
// solver, non-webdriver) simply stay unregistered when not built in.
func (o *Orchestrator) Register(executor interfaces.TierExecutor) {
	level := executor.Level()
	o.executors[level] = executor

	o.ladder = o.ladder[:0]
	for l := range o.executors {
		o.ladder = append(o.ladder, l)
	}
	sort.Slice(o.ladder, func(i, j int) bool { return o.ladder[i] < o.ladder[j] })

	o.logger.Debug().
		Int("level", int(level)).
		Str("tier", executor.Name()).
		Msg("Tier registered")
}

// Metrics exposes the per-tier counters.
func (o *Orchestrator) Metrics() *Metrics { return o.metrics }

// Ladder returns the registered tier levels in order.
func (o *Orchestrator) Ladder() []models.TierLevel {
	out := make([]models.TierLevel, len(o.ladder))
	copy(out, o.ladder)
	return out
}

// Execute runs the full ladder for a request with default bounds.
func (o *Orchestrator) Execute(ctx context.Context, url string, options *models.FetchOptions, strategy models.Strategy) *models.TierResult {
	return o.ExecuteRange(ctx, url, options, strategy, 0, 0)
}

// ExecuteRange runs the ladder between explicit bounds. Zero bounds mean
// the first and last registered tiers.
func (o *Orchestrator) ExecuteRange(ctx context.Context, url string, options *models.FetchOptions, strategy models.Strategy, startTier, maxTier models.TierLevel) *models.TierResult {
	start := time.Now()

	if len(o.ladder) == 0 {
		return models.Failure(0, models.ErrorUnknown, "no tiers registered")
	}

	if startTier == 0 {
		startTier = o.ladder[0]
	}
	if maxTier == 0 {
		maxTier = o.ladder[len(o.ladder)-1]
	}
	switch strategy {
	case models.StrategyRequestOnly:
		startTier, maxTier = models.TierRequest, models.TierRequest
	case models.StrategyBrowserOnly:
		if first := o.firstBrowserTier(); first > startTier {
			startTier = first
		}
	}

	domain := common.Domain(url)
	opts := options.Clone()

	// A fresh cached ticket rides on the lightest attempt first.
	var injectedCookies []string
	ticketInjected := false
	if ticket, err := o.tickets.Get(ctx, domain); err == nil && ticket != nil {
		injectedCookies = injectTicket(opts, ticket)
		ticketInjected = len(injectedCookies) > 0
		o.logger.Info().
			Str("domain", domain).
			Int("cookies", len(injectedCookies)).
			Msg("Golden ticket injected")
	}

	current, ok := o.firstRegisteredAtOrAbove(startTier)
	if !ok || current > maxTier {
		return models.Failure(0, models.ErrorUnknown,
			fmt.Sprintf("no registered tier in range [%d, %d]", startTier, maxTier))
	}

	var history []string
	for {
		executor := o.executors[current]
		o.metrics.RecordAttempt(current)

		o.logger.Info().
			Str("url", url).
			Str("domain", domain).
			Str("tier", executor.Name()).
			Msg("Executing tier")

		result := executor.Execute(ctx, url, opts)

		if result.Success {
			o.metrics.RecordSuccess(current)
			return o.finish(result, domain, history, ticketInjected, start)
		}

		// A replayed ticket that bounces is stale: invalidate it and strip
		// its cookies before any stronger tier runs.
		if len(injectedCookies) > 0 && isBlockedResult(result) {
			if err := o.tickets.Invalidate(ctx, domain, "rejected by origin"); err != nil {
				o.logger.Warn().Err(err).Str("domain", domain).Msg("Failed to invalidate ticket")
			}
			stripCookies(opts, injectedCookies)
			opts.UserAgent = ""
			injectedCookies = nil
		}

		if result.ErrorType.IsFailFast() {
			return o.finish(result, domain, history, ticketInjected, start)
		}

		// A CAPTCHA wall is unsolvable by any automated tier: hand it
		// straight to the human.
		if result.ErrorType == models.ErrorCaptchaRequired && current < models.TierHITL {
			if hitl, ok := o.executors[models.TierHITL]; ok {
				history = append(history, tierNote(current, result))
				o.metrics.RecordEscalation(current)
				o.metrics.RecordAttempt(models.TierHITL)

				hitlResult := hitl.Execute(ctx, url, opts)
				if hitlResult.Success {
					o.metrics.RecordSuccess(models.TierHITL)
				}
				return o.finish(hitlResult, domain, history, ticketInjected, start)
			}
		}

		if current == maxTier || !result.ShouldEscalate {
			return o.finish(result, domain, history, ticketInjected, start)
		}

		next, ok := o.nextRegisteredAbove(current)
		if !ok || next > maxTier {
			return o.finish(result, domain, history, ticketInjected, start)
		}

		history = append(history, tierNote(current, result))

		// Skip rule: tier 2 avoids JS rendering by construction, so a JS
		// challenge seen at tier 1 jumps straight to a full browser.
		if current == models.TierRequest && result.DetectedChallenge.RequiresJS() && next == models.TierWarmHTTP {
			if browser, ok := o.firstRegisteredAtOrAbove(models.TierBrowser); ok && browser <= maxTier {
				history = append(history, fmt.Sprintf("%d: skipped", models.TierWarmHTTP))
				next = browser
			}
		}

		o.metrics.RecordEscalation(current)
		o.logger.Info().
			Str("domain", domain).
			Str("from", current.String()).
			Str("to", next.String()).
			Str("reason", string(result.ErrorType)).
			Msg("Escalating")

		current = next
	}
}

// finish annotates the terminal result with the escalation trace.
func (o *Orchestrator) finish(result *models.TierResult, domain string, history []string, ticketInjected bool, start time.Time) *models.TierResult {
	result.SetMeta("domain", domain)
	if len(history) > 0 {
		result.SetMeta("escalation_history", history)
	}
	if ticketInjected {
		result.SetMeta("ticket_injected", true)
	}
	result.SetMeta("orchestration_time_ms", time.Since(start).Milliseconds())
	return result
}

func tierNote(level models.TierLevel, result *models.TierResult) string {
	if result.DetectedChallenge != models.ChallengeNone {
		return fmt.Sprintf("%d: %s", level, result.DetectedChallenge)
	}
	return fmt.Sprintf("%d: %s", level, result.ErrorType)
}

// isBlockedResult reports whether the origin actively rejected the
// request, as opposed to failing on its own.
func isBlockedResult(result *models.TierResult) bool {
	return result.ErrorType == models.ErrorBlocked || result.ErrorType == models.ErrorCaptchaRequired
}

func (o *Orchestrator) firstBrowserTier() models.TierLevel {
	for _, level := range o.ladder {
		if level.IsBrowser() {
			return level
		}
	}
	return models.TierBrowser
}

func (o *Orchestrator) firstRegisteredAtOrAbove(level models.TierLevel) (models.TierLevel, bool) {
	for _, l := range o.ladder {
		if l >= level {
			return l, true
		}
	}
	return 0, false
}

func (o *Orchestrator) nextRegisteredAbove(level models.TierLevel) (models.TierLevel, bool) {
	for _, l := range o.ladder {
		if l > level {
			return l, true
		}
	}
	return 0, false
}

// Cleanup releases every registered tier.
func (o *Orchestrator) Cleanup() error {
	var firstErr error
	for _, level := range o.ladder {
		if err := o.executors[level].Cleanup(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
