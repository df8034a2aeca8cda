package tiers

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venator/internal/challenge"
	"github.com/ternarybob/venator/internal/common"
	"github.com/ternarybob/venator/internal/interfaces"
	"github.com/ternarybob/venator/internal/models"
)

// stealthJS patches the fingerprint surfaces automation detectors probe.
// Installed on every new document before any page script runs.
const stealthJS = `
(() => {
	Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
	Object.defineProperty(navigator, 'plugins', {
		get: () => [
			{ name: 'Chrome PDF Plugin', filename: 'internal-pdf-viewer' },
			{ name: 'Chrome PDF Viewer', filename: 'mhjfbmdgcfjbbpaeojofohoefgiehjai' },
			{ name: 'Native Client', filename: 'internal-nacl-plugin' },
		],
	});
	Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
	window.chrome = window.chrome || { runtime: {} };
	const originalQuery = window.navigator.permissions.query;
	window.navigator.permissions.query = (parameters) =>
		parameters.name === 'notifications'
			? Promise.resolve({ state: Notification.permission })
			: originalQuery(parameters);
})();
`

// settlePollInterval is how often the stealth tier re-reads the page while
// waiting for a JavaScript challenge to clear.
const settlePollInterval = 2 * time.Second

// StealthTier is tier 4: a browser render with fingerprint patching and a
// settle loop that waits out JavaScript challenges. Cloudflare's managed
// challenge typically clears within a few seconds once the patched
// fingerprint passes.
type StealthTier struct {
	pool     *BrowserPool
	detector *challenge.Detector
	logger   arbor.ILogger
	timeout  time.Duration
	settle   time.Duration
}

// NewStealthTier creates the tier 4 executor.
func NewStealthTier(pool *BrowserPool, cfg *common.Config, detector *challenge.Detector, logger arbor.ILogger) *StealthTier {
	return &StealthTier{
		pool:     pool,
		detector: detector,
		logger:   logger,
		timeout:  cfg.TierBrowserTimeout(),
		settle:   cfg.TierChallengeSettle(),
	}
}

var _ interfaces.TierExecutor = (*StealthTier)(nil)

func (t *StealthTier) Level() models.TierLevel { return models.TierStealthBrowser }
func (t *StealthTier) Name() string            { return models.TierStealthBrowser.String() }

// Execute renders the page with the stealth patches installed, then polls
// until the challenge clears or the settle window runs out.
func (t *StealthTier) Execute(ctx context.Context, targetURL string, options *models.FetchOptions) *models.TierResult {
	start := time.Now()
	result := t.render(ctx, targetURL, options)
	result.TierUsed = t.Level()
	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	return result
}

func (t *StealthTier) render(ctx context.Context, targetURL string, options *models.FetchOptions) *models.TierResult {
	if options != nil && options.ProxyURL != "" {
		return models.Failure(t.Level(), models.ErrorNetwork, "stealth tier cannot apply a per-request proxy")
	}

	domain := common.Domain(targetURL)
	browserCtx, release, err := t.pool.Acquire(domain)
	if err != nil {
		return models.Failure(t.Level(), models.ErrorBrowserCrash, "failed to acquire browser: "+err.Error())
	}
	defer release()

	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, t.timeout+t.settle)
	defer cancelTimeout()

	go func() {
		select {
		case <-ctx.Done():
			cancelTimeout()
		case <-tabCtx.Done():
		}
	}()

	// Challenge interstitials reload the page, so keep the latest
	// document status rather than the first.
	var statusCode atomic.Int64
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		if e, ok := ev.(*network.EventResponseReceived); ok {
			if e.Type == network.ResourceTypeDocument {
				statusCode.Store(e.Response.Status)
			}
		}
	})

	actions := []chromedp.Action{
		network.Enable(),
		installStealthPatches(),
	}
	if options != nil && len(options.ExtraCookies) > 0 {
		actions = append(actions, setCookies(domain, options.ExtraCookies))
	}
	actions = append(actions, navigate(targetURL, options))
	actions = append(actions, waitReady(options))

	var html string
	actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return classifyBrowserError(t.pool, t.logger, t.Level(), err, domain, targetURL)
	}

	// Settle loop: while the page still shows a JS challenge, give the
	// interstitial time to solve itself and re-read.
	deadline := time.Now().Add(t.settle)
	for {
		detected := t.detector.Detect(html, int(statusCode.Load()))
		if !detected.RequiresJS() || time.Now().After(deadline) {
			break
		}

		t.logger.Debug().
			Str("domain", domain).
			Str("challenge", string(detected)).
			Msg("Waiting for challenge to settle")

		select {
		case <-tabCtx.Done():
			return models.Failure(t.Level(), models.ErrorTimeout, "challenge settle interrupted")
		case <-time.After(settlePollInterval):
		}

		if err := chromedp.Run(tabCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
			return classifyBrowserError(t.pool, t.logger, t.Level(), err, domain, targetURL)
		}
	}

	return classifyResponse(t.detector, t.Level(), html, int(statusCode.Load()))
}

// Cleanup is a no-op: the pool owns the browsers.
func (t *StealthTier) Cleanup() error { return nil }

// installStealthPatches registers the fingerprint script to run on every
// new document, including challenge reloads.
func installStealthPatches() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(stealthJS).Do(ctx)
		return err
	})
}
