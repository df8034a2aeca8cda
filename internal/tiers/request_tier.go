package tiers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/venator/internal/challenge"
	"github.com/ternarybob/venator/internal/common"
	"github.com/ternarybob/venator/internal/interfaces"
	"github.com/ternarybob/venator/internal/models"
)

// perDomainRate is the politeness ceiling for the HTTP tiers. Two requests
// per second with a small burst keeps repeated escalation attempts from
// hammering one origin.
const (
	perDomainRate  = 2
	perDomainBurst = 4
)

// RequestTier is tier 1: a plain HTTP client dressed up with a realistic
// browser header set. Cheapest by two orders of magnitude, so every auto
// fetch starts here.
type RequestTier struct {
	client        *http.Client
	detector      *challenge.Detector
	logger        arbor.ILogger
	userAgent     string
	maxBodySize   int
	rateLimitWait time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRequestTier creates the tier 1 executor.
func NewRequestTier(cfg *common.Config, detector *challenge.Detector, logger arbor.ILogger) *RequestTier {
	return &RequestTier{
		client: &http.Client{
			Timeout: cfg.TierRequestTimeout(),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after %d redirects", len(via))
				}
				return nil
			},
		},
		detector:      detector,
		logger:        logger,
		userAgent:     cfg.Tiers.UserAgent,
		maxBodySize:   cfg.Tiers.MaxBodySize,
		rateLimitWait: cfg.TierRateLimitWait(),
		limiters:      make(map[string]*rate.Limiter),
	}
}

var _ interfaces.TierExecutor = (*RequestTier)(nil)

func (t *RequestTier) Level() models.TierLevel { return models.TierRequest }
func (t *RequestTier) Name() string            { return models.TierRequest.String() }

// Execute performs one HTTP fetch with challenge detection on the body.
// A 429 gets exactly one retry after the configured wait; anything else
// maps straight onto the result contract.
func (t *RequestTier) Execute(ctx context.Context, targetURL string, options *models.FetchOptions) *models.TierResult {
	start := time.Now()
	result := t.fetch(ctx, targetURL, options)

	if !result.Success && result.ErrorType == models.ErrorRateLimit {
		select {
		case <-ctx.Done():
		case <-time.After(t.rateLimitWait):
			t.logger.Debug().Str("url", targetURL).Msg("Retrying after rate limit")
			result = t.fetch(ctx, targetURL, options)
		}
	}

	result.TierUsed = t.Level()
	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	return result
}

func (t *RequestTier) fetch(ctx context.Context, targetURL string, options *models.FetchOptions) *models.TierResult {
	if err := t.limiter(targetURL).Wait(ctx); err != nil {
		return models.Failure(t.Level(), models.ErrorTimeout, "rate limiter wait aborted: "+err.Error())
	}

	client := t.client
	if options != nil && options.ProxyURL != "" {
		proxied, err := t.proxiedClient(options.ProxyURL)
		if err != nil {
			return models.Failure(t.Level(), models.ErrorNetwork, "invalid proxy url: "+err.Error())
		}
		client = proxied
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return models.Failure(t.Level(), models.ErrorUnknown, "failed to build request: "+err.Error())
	}
	t.applyHeaders(req, options)

	resp, err := client.Do(req)
	if err != nil {
		errType := classifyNetError(err)
		return models.Failure(t.Level(), errType, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.maxBodySize)))
	if err != nil {
		errType := classifyNetError(err)
		return models.Failure(t.Level(), errType, "failed to read body: "+err.Error())
	}

	return classifyResponse(t.detector, t.Level(), string(body), resp.StatusCode)
}

// applyHeaders sets a realistic browser header set, then layers per-request
// cookies and headers on top. The harvested user agent wins when a golden
// ticket was injected.
func (t *RequestTier) applyHeaders(req *http.Request, options *models.FetchOptions) {
	userAgent := t.userAgent
	if options != nil && options.UserAgent != "" {
		userAgent = options.UserAgent
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	// Accept-Encoding is left to the transport so gzip bodies come back
	// decompressed for challenge detection.
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Site", "none")
	req.Header.Set("Upgrade-Insecure-Requests", "1")

	if options == nil {
		return
	}
	for name, value := range options.ExtraHeaders {
		req.Header.Set(name, value)
	}
	for name, value := range options.ExtraCookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
}

func (t *RequestTier) proxiedClient(proxyURL string) (*http.Client, error) {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("proxy url %q is not absolute", proxyURL)
	}
	return &http.Client{
		Timeout:   t.client.Timeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(parsed)},
	}, nil
}

// limiter returns the per-domain politeness limiter, creating it on first
// use. Unparseable URLs share one bucket under the empty key.
func (t *RequestTier) limiter(targetURL string) *rate.Limiter {
	domain := common.Domain(targetURL)

	t.mu.Lock()
	defer t.mu.Unlock()
	lim, ok := t.limiters[domain]
	if !ok {
		lim = rate.NewLimiter(perDomainRate, perDomainBurst)
		t.limiters[domain] = lim
	}
	return lim
}

// Cleanup closes idle connections.
func (t *RequestTier) Cleanup() error {
	t.client.CloseIdleConnections()
	return nil
}
