package tiers

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venator/internal/challenge"
	"github.com/ternarybob/venator/internal/common"
	"github.com/ternarybob/venator/internal/interfaces"
	"github.com/ternarybob/venator/internal/models"
)

// BrowserTier is tier 3: a full browser render through the domain's pooled
// browser profile. JavaScript runs, cookies persist, and the page is read
// back after load.
type BrowserTier struct {
	pool     *BrowserPool
	detector *challenge.Detector
	logger   arbor.ILogger
	timeout  time.Duration
}

// NewBrowserTier creates the tier 3 executor.
func NewBrowserTier(pool *BrowserPool, cfg *common.Config, detector *challenge.Detector, logger arbor.ILogger) *BrowserTier {
	return &BrowserTier{
		pool:     pool,
		detector: detector,
		logger:   logger,
		timeout:  cfg.TierBrowserTimeout(),
	}
}

var _ interfaces.TierExecutor = (*BrowserTier)(nil)

func (t *BrowserTier) Level() models.TierLevel { return models.TierBrowser }
func (t *BrowserTier) Name() string            { return models.TierBrowser.String() }

// Execute renders the page in a fresh tab of the domain's browser.
func (t *BrowserTier) Execute(ctx context.Context, targetURL string, options *models.FetchOptions) *models.TierResult {
	start := time.Now()
	result := t.render(ctx, targetURL, options, nil)
	result.TierUsed = t.Level()
	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	return result
}

// render is the shared navigation path for the browser tiers. extraSetup
// actions run after network enable and cookie injection, before navigation.
func (t *BrowserTier) render(ctx context.Context, targetURL string, options *models.FetchOptions, extraSetup []chromedp.Action) *models.TierResult {
	// The proxy is fixed at browser launch; a per-request proxy cannot be
	// honored here and must not be silently dropped.
	if options != nil && options.ProxyURL != "" {
		return models.Failure(t.Level(), models.ErrorNetwork, "browser tier cannot apply a per-request proxy")
	}

	domain := common.Domain(targetURL)
	browserCtx, release, err := t.pool.Acquire(domain)
	if err != nil {
		return models.Failure(t.Level(), models.ErrorBrowserCrash, "failed to acquire browser: "+err.Error())
	}
	defer release()

	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, t.timeout)
	defer cancelTimeout()

	// Propagate caller cancellation into the tab
	go func() {
		select {
		case <-ctx.Done():
			cancelTimeout()
		case <-tabCtx.Done():
		}
	}()

	var statusCode atomic.Int64
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		if e, ok := ev.(*network.EventResponseReceived); ok {
			if e.Type == network.ResourceTypeDocument && statusCode.Load() == 0 {
				statusCode.Store(e.Response.Status)
			}
		}
	})

	actions := []chromedp.Action{network.Enable()}
	if options != nil && len(options.ExtraCookies) > 0 {
		actions = append(actions, setCookies(domain, options.ExtraCookies))
	}
	actions = append(actions, extraSetup...)
	actions = append(actions, navigate(targetURL, options))
	actions = append(actions, waitReady(options))

	var html string
	actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return classifyBrowserError(t.pool, t.logger, t.Level(), err, domain, targetURL)
	}

	return classifyResponse(t.detector, t.Level(), html, int(statusCode.Load()))
}

// Cleanup is a no-op: the pool owns the browsers.
func (t *BrowserTier) Cleanup() error { return nil }

// classifyBrowserError maps a chromedp failure onto the error enum. A dead
// browser context poisons the pooled instance, so it is invalidated.
func classifyBrowserError(pool *BrowserPool, logger arbor.ILogger, level models.TierLevel, err error, domain, targetURL string) *models.TierResult {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.Failure(level, models.ErrorTimeout, "navigation timed out: "+targetURL)
	}

	msg := strings.ToLower(err.Error())
	if errors.Is(err, context.Canceled) ||
		strings.Contains(msg, "browser") || strings.Contains(msg, "websocket") ||
		strings.Contains(msg, "target closed") || strings.Contains(msg, "connection closed") {
		logger.Warn().Err(err).Str("domain", domain).Msg("Browser context lost, invalidating instance")
		pool.Invalidate(domain)
		return models.Failure(level, models.ErrorBrowserCrash, err.Error())
	}

	if strings.Contains(msg, "net::err_name_not_resolved") {
		return models.Failure(level, models.ErrorDNS, err.Error())
	}
	if strings.Contains(msg, "net::err_connection_refused") {
		return models.Failure(level, models.ErrorConnectionRefused, err.Error())
	}
	if strings.Contains(msg, "net::err_cert") || strings.Contains(msg, "net::err_ssl") {
		return models.Failure(level, models.ErrorSSL, err.Error())
	}

	return models.Failure(level, models.ErrorNetwork, err.Error())
}

// setCookies injects per-request cookies into the browser before
// navigation so they ride along on the document request.
func setCookies(domain string, cookies map[string]string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		expires := cdp.TimeSinceEpoch(time.Now().Add(30 * time.Minute))
		for name, value := range cookies {
			err := network.SetCookie(name, value).
				WithDomain(domain).
				WithPath("/").
				WithExpires(&expires).
				Do(ctx)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// navigate loads the target, with a search-engine referer when stealth
// navigation is requested. Sites that gate on traffic source treat a
// referred visit as organic.
func navigate(targetURL string, options *models.FetchOptions) chromedp.Action {
	if options != nil && options.UseStealthNavigation {
		return chromedp.ActionFunc(func(ctx context.Context) error {
			_, _, _, _, err := page.Navigate(targetURL).
				WithReferrer("https://www.google.com/").
				Do(ctx)
			return err
		})
	}
	return chromedp.Navigate(targetURL)
}

// waitReady blocks until the requested selector is visible, or gives the
// page a short settle window when none was given.
func waitReady(options *models.FetchOptions) chromedp.Action {
	if options != nil && options.WaitSelector != "" {
		return chromedp.WaitVisible(options.WaitSelector, chromedp.ByQuery)
	}
	return chromedp.Sleep(2 * time.Second)
}
