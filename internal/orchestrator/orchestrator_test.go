package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/ternarybob/venator/internal/common"
	"github.com/ternarybob/venator/internal/interfaces"
	"github.com/ternarybob/venator/internal/models"
)

// fakeTier returns scripted results and records the options it saw.
type fakeTier struct {
	level   models.TierLevel
	results []*models.TierResult
	calls   int
	seen    []*models.FetchOptions
}

func (f *fakeTier) Execute(ctx context.Context, url string, options *models.FetchOptions) *models.TierResult {
	f.seen = append(f.seen, options.Clone())
	var result *models.TierResult
	if f.calls < len(f.results) {
		result = f.results[f.calls]
	} else {
		result = f.results[len(f.results)-1]
	}
	f.calls++
	result.TierUsed = f.level
	return result
}

func (f *fakeTier) Level() models.TierLevel { return f.level }
func (f *fakeTier) Name() string            { return f.level.String() }
func (f *fakeTier) Cleanup() error          { return nil }

// fakeTickets is a scripted ticket provider.
type fakeTickets struct {
	ticket       *models.GoldenTicket
	invalidated  []string
	invalidCause string
}

func (f *fakeTickets) Get(ctx context.Context, domain string) (*models.GoldenTicket, error) {
	if f.ticket != nil && f.ticket.Domain == domain && !f.ticket.IsExpired() {
		return f.ticket, nil
	}
	return nil, nil
}

func (f *fakeTickets) Invalidate(ctx context.Context, domain, reason string) error {
	f.invalidated = append(f.invalidated, domain)
	f.invalidCause = reason
	f.ticket = nil
	return nil
}

func success() *models.TierResult {
	return &models.TierResult{Success: true, Content: "<html>ok</html>", StatusCode: 200}
}

func blocked(challenge models.ChallengeType) *models.TierResult {
	r := models.Failure(0, models.ErrorBlocked, "blocked")
	r.DetectedChallenge = challenge
	r.StatusCode = 403
	return r
}

func captchaWall() *models.TierResult {
	r := models.Failure(0, models.ErrorCaptchaRequired, "captcha wall")
	r.DetectedChallenge = models.ChallengeTurnstile
	return r
}

func newOrchestrator(tickets *fakeTickets, tiers ...*fakeTier) *Orchestrator {
	o := New(tickets, common.GetLogger())
	for _, tier := range tiers {
		o.Register(tier)
	}
	return o
}

func TestFirstTierSuccess(t *testing.T) {
	tier1 := &fakeTier{level: models.TierRequest, results: []*models.TierResult{success()}}
	tier2 := &fakeTier{level: models.TierWarmHTTP, results: []*models.TierResult{success()}}
	o := newOrchestrator(&fakeTickets{}, tier1, tier2)

	result := o.Execute(context.Background(), "https://example.com/x", nil, models.StrategyAuto)

	if !result.Success || result.TierUsed != models.TierRequest {
		t.Fatalf("result: success=%v tier=%v", result.Success, result.TierUsed)
	}
	if tier2.calls != 0 {
		t.Error("tier 2 ran after tier 1 succeeded")
	}

	metrics := o.Metrics().Snapshot()
	if m := metrics["request"]; m.Attempts != 1 || m.Successes != 1 || m.Escalations != 0 {
		t.Errorf("request metrics = %+v", m)
	}
}

func TestEscalationThroughLadder(t *testing.T) {
	tier1 := &fakeTier{level: models.TierRequest, results: []*models.TierResult{blocked(models.ChallengeAccessDenied)}}
	tier2 := &fakeTier{level: models.TierWarmHTTP, results: []*models.TierResult{blocked(models.ChallengeAccessDenied)}}
	tier3 := &fakeTier{level: models.TierBrowser, results: []*models.TierResult{success()}}
	o := newOrchestrator(&fakeTickets{}, tier1, tier2, tier3)

	result := o.Execute(context.Background(), "https://example.com/x", nil, models.StrategyAuto)

	if !result.Success || result.TierUsed != models.TierBrowser {
		t.Fatalf("result: success=%v tier=%v", result.Success, result.TierUsed)
	}
	if tier1.calls != 1 || tier2.calls != 1 || tier3.calls != 1 {
		t.Errorf("calls = %d/%d/%d", tier1.calls, tier2.calls, tier3.calls)
	}

	history, ok := result.Metadata["escalation_history"].([]string)
	if !ok || len(history) != 2 {
		t.Fatalf("escalation_history = %v", result.Metadata["escalation_history"])
	}

	metrics := o.Metrics().Snapshot()
	if m := metrics["request"]; m.Escalations != 1 {
		t.Errorf("request escalations = %d", m.Escalations)
	}
	if m := metrics["browser"]; m.Successes != 1 {
		t.Errorf("browser successes = %d", m.Successes)
	}
}

// A JS challenge at tier 1 must skip warm HTTP entirely.
func TestSkipRuleOnJSChallenge(t *testing.T) {
	tier1 := &fakeTier{level: models.TierRequest, results: []*models.TierResult{blocked(models.ChallengeCloudflare)}}
	tier2 := &fakeTier{level: models.TierWarmHTTP, results: []*models.TierResult{success()}}
	tier3 := &fakeTier{level: models.TierBrowser, results: []*models.TierResult{success()}}
	o := newOrchestrator(&fakeTickets{}, tier1, tier2, tier3)

	result := o.Execute(context.Background(), "https://example.com/x", nil, models.StrategyAuto)

	if !result.Success || result.TierUsed != models.TierBrowser {
		t.Fatalf("result: success=%v tier=%v", result.Success, result.TierUsed)
	}
	if tier2.calls != 0 {
		t.Error("tier 2 ran despite a JS challenge at tier 1")
	}

	history, _ := result.Metadata["escalation_history"].([]string)
	found := false
	for _, note := range history {
		if note == "2: skipped" {
			found = true
		}
	}
	if !found {
		t.Errorf("history missing skip note: %v", history)
	}
}

// A non-JS denial at tier 1 still tries warm HTTP.
func TestNoSkipOnPlainDenial(t *testing.T) {
	tier1 := &fakeTier{level: models.TierRequest, results: []*models.TierResult{blocked(models.ChallengeAccessDenied)}}
	tier2 := &fakeTier{level: models.TierWarmHTTP, results: []*models.TierResult{success()}}
	o := newOrchestrator(&fakeTickets{}, tier1, tier2)

	result := o.Execute(context.Background(), "https://example.com/x", nil, models.StrategyAuto)

	if !result.Success || result.TierUsed != models.TierWarmHTTP {
		t.Fatalf("result: success=%v tier=%v", result.Success, result.TierUsed)
	}
}

func TestFailFastOnDNS(t *testing.T) {
	tier1 := &fakeTier{level: models.TierRequest, results: []*models.TierResult{
		models.Failure(0, models.ErrorDNS, "no such host"),
	}}
	tier2 := &fakeTier{level: models.TierWarmHTTP, results: []*models.TierResult{success()}}
	o := newOrchestrator(&fakeTickets{}, tier1, tier2)

	result := o.Execute(context.Background(), "https://nope.invalid/", nil, models.StrategyAuto)

	if result.Success {
		t.Fatal("dns failure must not succeed")
	}
	if result.ErrorType != models.ErrorDNS {
		t.Errorf("error_type = %q", result.ErrorType)
	}
	if tier2.calls != 0 {
		t.Error("escalated past a dns failure")
	}
}

func TestCaptchaShortCircuitsToHITL(t *testing.T) {
	tier1 := &fakeTier{level: models.TierRequest, results: []*models.TierResult{captchaWall()}}
	tier2 := &fakeTier{level: models.TierWarmHTTP, results: []*models.TierResult{success()}}
	tier3 := &fakeTier{level: models.TierBrowser, results: []*models.TierResult{success()}}
	hitl := &fakeTier{level: models.TierHITL, results: []*models.TierResult{success()}}
	o := newOrchestrator(&fakeTickets{}, tier1, tier2, tier3, hitl)

	result := o.Execute(context.Background(), "https://example.com/x", nil, models.StrategyAuto)

	if !result.Success || result.TierUsed != models.TierHITL {
		t.Fatalf("result: success=%v tier=%v", result.Success, result.TierUsed)
	}
	if tier2.calls != 0 || tier3.calls != 0 {
		t.Error("intermediate tiers ran on a captcha short-circuit")
	}

	metrics := o.Metrics().Snapshot()
	if m := metrics["hitl"]; m.Attempts != 1 || m.Successes != 1 {
		t.Errorf("hitl metrics = %+v", m)
	}
}

func TestRequestOnlyNeverEscalates(t *testing.T) {
	tier1 := &fakeTier{level: models.TierRequest, results: []*models.TierResult{blocked(models.ChallengeAccessDenied)}}
	tier2 := &fakeTier{level: models.TierWarmHTTP, results: []*models.TierResult{success()}}
	o := newOrchestrator(&fakeTickets{}, tier1, tier2)

	result := o.Execute(context.Background(), "https://example.com/x", nil, models.StrategyRequestOnly)

	if result.Success {
		t.Fatal("request_only should report the tier 1 failure")
	}
	if tier2.calls != 0 {
		t.Error("request_only escalated")
	}
}

func TestBrowserOnlyStartsAtBrowserTier(t *testing.T) {
	tier1 := &fakeTier{level: models.TierRequest, results: []*models.TierResult{success()}}
	tier2 := &fakeTier{level: models.TierWarmHTTP, results: []*models.TierResult{success()}}
	tier3 := &fakeTier{level: models.TierBrowser, results: []*models.TierResult{success()}}
	o := newOrchestrator(&fakeTickets{}, tier1, tier2, tier3)

	result := o.Execute(context.Background(), "https://example.com/x", nil, models.StrategyBrowserOnly)

	if !result.Success || result.TierUsed != models.TierBrowser {
		t.Fatalf("result: success=%v tier=%v", result.Success, result.TierUsed)
	}
	if tier1.calls != 0 || tier2.calls != 0 {
		t.Error("browser_only ran HTTP tiers")
	}
}

func TestExhaustedLadderReturnsLastFailure(t *testing.T) {
	tier1 := &fakeTier{level: models.TierRequest, results: []*models.TierResult{blocked(models.ChallengeAccessDenied)}}
	tier2 := &fakeTier{level: models.TierWarmHTTP, results: []*models.TierResult{blocked(models.ChallengeAccessDenied)}}
	o := newOrchestrator(&fakeTickets{}, tier1, tier2)

	result := o.Execute(context.Background(), "https://example.com/x", nil, models.StrategyAuto)

	if result.Success {
		t.Fatal("exhausted ladder should fail")
	}
	if result.TierUsed != models.TierWarmHTTP {
		t.Errorf("tier_used = %v", result.TierUsed)
	}
	if result.DerivedStatus() != "blocked" {
		t.Errorf("derived status = %q", result.DerivedStatus())
	}
}

func freshTicket(domain string) *models.GoldenTicket {
	return &models.GoldenTicket{
		Domain:      domain,
		HarvestedAt: time.Now(),
		TTLSeconds:  1500,
		UserAgent:   "Harvested/1.0",
		Cookies: []models.Cookie{
			{Name: models.CloudflareClearanceCookie, Value: "tok", Domain: "." + domain, Path: "/"},
		},
	}
}

func TestTicketInjectedIntoLightestTier(t *testing.T) {
	tickets := &fakeTickets{ticket: freshTicket("example.com")}
	tier1 := &fakeTier{level: models.TierRequest, results: []*models.TierResult{success()}}
	o := newOrchestrator(tickets, tier1)

	result := o.Execute(context.Background(), "https://example.com/x", nil, models.StrategyAuto)

	if !result.Success {
		t.Fatal("fetch failed")
	}
	if len(tier1.seen) != 1 {
		t.Fatalf("tier 1 saw %d calls", len(tier1.seen))
	}
	opts := tier1.seen[0]
	if opts.ExtraCookies[models.CloudflareClearanceCookie] != "tok" {
		t.Error("ticket cookie not injected")
	}
	if opts.UserAgent != "Harvested/1.0" {
		t.Errorf("harvested user agent not applied: %q", opts.UserAgent)
	}
	if result.Metadata["ticket_injected"] != true {
		t.Error("ticket_injected metadata missing")
	}
}

func TestRejectedTicketInvalidatedBeforeEscalation(t *testing.T) {
	tickets := &fakeTickets{ticket: freshTicket("example.com")}
	tier1 := &fakeTier{level: models.TierRequest, results: []*models.TierResult{blocked(models.ChallengeCloudflare)}}
	tier3 := &fakeTier{level: models.TierBrowser, results: []*models.TierResult{success()}}
	o := newOrchestrator(tickets, tier1, tier3)

	result := o.Execute(context.Background(), "https://example.com/x", nil, models.StrategyAuto)

	if !result.Success || result.TierUsed != models.TierBrowser {
		t.Fatalf("result: success=%v tier=%v", result.Success, result.TierUsed)
	}
	if len(tickets.invalidated) != 1 || tickets.invalidated[0] != "example.com" {
		t.Errorf("invalidations = %v", tickets.invalidated)
	}

	// The browser tier must not replay the rejected session.
	browserOpts := tier3.seen[0]
	if _, present := browserOpts.ExtraCookies[models.CloudflareClearanceCookie]; present {
		t.Error("rejected ticket cookie replayed at a stronger tier")
	}
	if browserOpts.UserAgent != "" {
		t.Errorf("stale user agent kept: %q", browserOpts.UserAgent)
	}
}

func TestExpiredTicketNotInjected(t *testing.T) {
	stale := freshTicket("example.com")
	stale.HarvestedAt = time.Now().Add(-time.Hour)
	tickets := &fakeTickets{ticket: stale}
	tier1 := &fakeTier{level: models.TierRequest, results: []*models.TierResult{success()}}
	o := newOrchestrator(tickets, tier1)

	o.Execute(context.Background(), "https://example.com/x", nil, models.StrategyAuto)

	if len(tier1.seen[0].ExtraCookies) != 0 {
		t.Error("expired ticket cookies injected")
	}
}

func TestCallerOptionsNotMutated(t *testing.T) {
	tickets := &fakeTickets{ticket: freshTicket("example.com")}
	tier1 := &fakeTier{level: models.TierRequest, results: []*models.TierResult{success()}}
	o := newOrchestrator(tickets, tier1)

	original := &models.FetchOptions{ExtraHeaders: map[string]string{"X-A": "1"}}
	o.Execute(context.Background(), "https://example.com/x", original, models.StrategyAuto)

	if len(original.ExtraCookies) != 0 || original.UserAgent != "" {
		t.Error("orchestrator mutated caller options")
	}
}

func TestUnregisteredPluggableTiersAreSkipped(t *testing.T) {
	// Tiers 5 and 6 are not registered: escalation from 4 lands on 7.
	tier4 := &fakeTier{level: models.TierStealthBrowser, results: []*models.TierResult{blocked(models.ChallengeCloudflare)}}
	hitl := &fakeTier{level: models.TierHITL, results: []*models.TierResult{success()}}
	o := newOrchestrator(&fakeTickets{}, tier4, hitl)

	result := o.Execute(context.Background(), "https://example.com/x", nil, models.StrategyAuto)

	if !result.Success || result.TierUsed != models.TierHITL {
		t.Fatalf("result: success=%v tier=%v", result.Success, result.TierUsed)
	}
}

var _ interfaces.TierExecutor = (*fakeTier)(nil)
