package tiers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/net/publicsuffix"

	"github.com/ternarybob/venator/internal/challenge"
	"github.com/ternarybob/venator/internal/common"
	"github.com/ternarybob/venator/internal/interfaces"
	"github.com/ternarybob/venator/internal/models"
)

// WarmTier is tier 2: the same HTTP fetch as tier 1, but with a per-domain
// cookie jar that survives across requests. Sites that set session cookies
// on the first visit and gate content on them clear here without a browser.
type WarmTier struct {
	detector    *challenge.Detector
	logger      arbor.ILogger
	userAgent   string
	maxBodySize int
	timeout     time.Duration

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewWarmTier creates the tier 2 executor.
func NewWarmTier(cfg *common.Config, detector *challenge.Detector, logger arbor.ILogger) *WarmTier {
	return &WarmTier{
		detector:    detector,
		logger:      logger,
		userAgent:   cfg.Tiers.UserAgent,
		maxBodySize: cfg.Tiers.MaxBodySize,
		timeout:     cfg.TierRequestTimeout(),
		clients:     make(map[string]*http.Client),
	}
}

var _ interfaces.TierExecutor = (*WarmTier)(nil)

func (t *WarmTier) Level() models.TierLevel { return models.TierWarmHTTP }
func (t *WarmTier) Name() string            { return models.TierWarmHTTP.String() }

// Execute warms the domain session if needed, then fetches the target.
// The warm-up hits the site root once per fresh jar to collect whatever
// cookies the server hands out; its result is discarded.
func (t *WarmTier) Execute(ctx context.Context, targetURL string, options *models.FetchOptions) *models.TierResult {
	start := time.Now()

	parsed, err := url.Parse(targetURL)
	if err != nil || parsed.Host == "" {
		r := models.Failure(t.Level(), models.ErrorUnknown, "invalid url: "+targetURL)
		r.ExecutionTimeMs = time.Since(start).Milliseconds()
		return r
	}

	sessionKey := common.Domain(targetURL)
	if options != nil && options.ProfileID != "" {
		sessionKey = sessionKey + ":" + options.ProfileID
	}

	client, fresh, err := t.clientFor(sessionKey, options)
	if err != nil {
		r := models.Failure(t.Level(), models.ErrorNetwork, err.Error())
		r.ExecutionTimeMs = time.Since(start).Milliseconds()
		return r
	}

	if fresh {
		t.warm(ctx, client, parsed, options)
	}

	result := t.fetch(ctx, client, targetURL, options)
	result.TierUsed = t.Level()
	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	return result
}

// warm performs the throwaway root request that seeds the cookie jar.
func (t *WarmTier) warm(ctx context.Context, client *http.Client, target *url.URL, options *models.FetchOptions) {
	rootURL := target.Scheme + "://" + target.Host + "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rootURL, nil)
	if err != nil {
		return
	}
	t.applyHeaders(req, options)

	resp, err := client.Do(req)
	if err != nil {
		t.logger.Debug().Err(err).Str("url", rootURL).Msg("Session warm-up request failed")
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, int64(t.maxBodySize)))
	resp.Body.Close()
}

func (t *WarmTier) fetch(ctx context.Context, client *http.Client, targetURL string, options *models.FetchOptions) *models.TierResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return models.Failure(t.Level(), models.ErrorUnknown, "failed to build request: "+err.Error())
	}
	t.applyHeaders(req, options)

	resp, err := client.Do(req)
	if err != nil {
		return models.Failure(t.Level(), classifyNetError(err), err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.maxBodySize)))
	if err != nil {
		return models.Failure(t.Level(), classifyNetError(err), "failed to read body: "+err.Error())
	}

	return classifyResponse(t.detector, t.Level(), string(body), resp.StatusCode)
}

func (t *WarmTier) applyHeaders(req *http.Request, options *models.FetchOptions) {
	userAgent := t.userAgent
	if options != nil && options.UserAgent != "" {
		userAgent = options.UserAgent
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
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

// clientFor returns the session client for the key, creating jar and
// client on first use. The bool reports whether the jar is fresh and needs
// warming.
func (t *WarmTier) clientFor(sessionKey string, options *models.FetchOptions) (*http.Client, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if client, ok := t.clients[sessionKey]; ok {
		return client, false, nil
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	client := &http.Client{
		Jar:     jar,
		Timeout: t.timeout,
	}
	if options != nil && options.ProxyURL != "" {
		parsed, err := url.Parse(options.ProxyURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, false, fmt.Errorf("invalid proxy url %q", options.ProxyURL)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
	}

	t.clients[sessionKey] = client
	return client, true, nil
}

// Cleanup drops all warm sessions.
func (t *WarmTier) Cleanup() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, client := range t.clients {
		client.CloseIdleConnections()
		delete(t.clients, key)
	}
	return nil
}
