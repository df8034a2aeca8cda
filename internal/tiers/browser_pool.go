package tiers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venator/internal/common"
)

// BrowserPool manages chromedp browser contexts keyed by domain profile.
// Each profile gets its own user-data directory so cookies, local storage
// and TLS session state persist across fetches to the same domain. The
// pool holds at most `size` live browsers; an idle one is evicted when a
// new profile needs a slot.
type BrowserPool struct {
	logger      arbor.ILogger
	size        int
	headless    bool
	profileDir  string
	profileSalt string
	userAgent   string
	width       int
	height      int

	mu        sync.Mutex
	instances map[string]*browserInstance
	closed    bool
}

type browserInstance struct {
	profileKey string
	allocCtx   context.Context
	allocStop  context.CancelFunc
	browserCtx context.Context
	browserStop context.CancelFunc
	refs       int
	lastUsed   time.Time
}

// NewBrowserPool creates the pool. Browsers start lazily on first use.
func NewBrowserPool(cfg *common.Config, logger arbor.ILogger) *BrowserPool {
	size := cfg.Tiers.BrowserPoolSize
	if size <= 0 {
		size = 2
	}
	return &BrowserPool{
		logger:      logger,
		size:        size,
		headless:    cfg.Tiers.Headless,
		profileDir:  cfg.Tiers.ProfileDir,
		profileSalt: cfg.Tiers.ProfileSalt,
		userAgent:   cfg.Tiers.UserAgent,
		width:       cfg.HITL.ViewportWidth,
		height:      cfg.HITL.ViewportHeight,
		instances:   make(map[string]*browserInstance),
	}
}

// Acquire returns a browser context bound to the domain's profile. The
// release function must be called when the caller is done; the browser
// stays warm for the next fetch to the same domain.
func (p *BrowserPool) Acquire(domain string) (context.Context, func(), error) {
	profileKey := common.ProfileHash(domain, p.profileSalt)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, nil, fmt.Errorf("browser pool is closed")
	}

	inst, ok := p.instances[profileKey]
	if !ok {
		if len(p.instances) >= p.size {
			if err := p.evictIdleLocked(); err != nil {
				return nil, nil, err
			}
		}
		created, err := p.startInstanceLocked(profileKey)
		if err != nil {
			return nil, nil, err
		}
		inst = created
		p.instances[profileKey] = inst
	}

	inst.refs++
	inst.lastUsed = time.Now()

	release := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		inst.refs--
		inst.lastUsed = time.Now()
	}
	return inst.browserCtx, release, nil
}

// Invalidate tears down the browser for a domain. Used when a browser
// context crashes or its session is poisoned.
func (p *BrowserPool) Invalidate(domain string) {
	profileKey := common.ProfileHash(domain, p.profileSalt)

	p.mu.Lock()
	defer p.mu.Unlock()
	if inst, ok := p.instances[profileKey]; ok {
		p.stopInstanceLocked(inst)
		delete(p.instances, profileKey)
	}
}

// startInstanceLocked launches a browser with the profile's own user-data
// directory and verifies it responds before handing it out.
func (p *BrowserPool) startInstanceLocked(profileKey string) (*browserInstance, error) {
	dataDir := filepath.Join(p.profileDir, profileKey)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create profile dir: %w", err)
	}

	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.UserAgent(p.userAgent),
		chromedp.UserDataDir(dataDir),
		chromedp.WindowSize(p.width, p.height),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("disable-popup-blocking", true),
		chromedp.Flag("excludeSwitches", "enable-automation"),
		chromedp.Flag("useAutomationExtension", false),
		chromedp.Flag("no-sandbox", true),
	}
	if p.headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	}

	allocCtx, allocStop := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserStop := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) {
			p.logger.Debug().Msg(fmt.Sprintf("chromedp: "+format, args...))
		}),
	)

	// Startup probe so a broken Chrome install fails here, not mid-fetch
	probeCtx, cancel := context.WithTimeout(browserCtx, 15*time.Second)
	defer cancel()
	if err := chromedp.Run(probeCtx, chromedp.Navigate("about:blank")); err != nil {
		browserStop()
		allocStop()
		return nil, fmt.Errorf("browser failed to start: %w", err)
	}

	p.logger.Info().
		Str("profile", profileKey).
		Bool("headless", p.headless).
		Msg("Browser instance started")

	return &browserInstance{
		profileKey:  profileKey,
		allocCtx:    allocCtx,
		allocStop:   allocStop,
		browserCtx:  browserCtx,
		browserStop: browserStop,
	}, nil
}

// evictIdleLocked removes the least recently used unreferenced instance.
func (p *BrowserPool) evictIdleLocked() error {
	var victim *browserInstance
	for _, inst := range p.instances {
		if inst.refs > 0 {
			continue
		}
		if victim == nil || inst.lastUsed.Before(victim.lastUsed) {
			victim = inst
		}
	}
	if victim == nil {
		return fmt.Errorf("browser pool exhausted: all %d instances busy", p.size)
	}

	p.logger.Debug().Str("profile", victim.profileKey).Msg("Evicting idle browser instance")
	p.stopInstanceLocked(victim)
	delete(p.instances, victim.profileKey)
	return nil
}

func (p *BrowserPool) stopInstanceLocked(inst *browserInstance) {
	inst.browserStop()
	inst.allocStop()
}

// Shutdown stops every browser, waiting up to 30 seconds.
func (p *BrowserPool) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	instances := make([]*browserInstance, 0, len(p.instances))
	for key, inst := range p.instances {
		instances = append(instances, inst)
		delete(p.instances, key)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, inst := range instances {
			inst.browserStop()
			inst.allocStop()
		}
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info().Int("count", len(instances)).Msg("Browser pool shut down")
		return nil
	case <-time.After(30 * time.Second):
		return fmt.Errorf("browser pool shutdown timed out")
	}
}
