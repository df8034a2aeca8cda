package hitl

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/ternarybob/venator/internal/common"
	"github.com/ternarybob/venator/internal/interfaces"
	"github.com/ternarybob/venator/internal/models"
	"github.com/ternarybob/venator/internal/tiers"
)

// chromedpSession is the production browserSession: one dedicated tab in
// the domain's pooled browser, held for the whole HITL session.
type chromedpSession struct {
	tabCtx      context.Context
	cancelTab   context.CancelFunc
	release     func()
	jpegQuality int64
	status      atomic.Int64
	closeOnce   atomic.Bool
}

// NewBrowserLauncher builds the production launcher on top of the shared
// browser pool, so HITL sessions inherit the domain's profile and the
// harvested state lands where the browser tiers will find it.
func NewBrowserLauncher(pool *tiers.BrowserPool, cfg *common.Config) browserLauncher {
	quality := int64(cfg.HITL.JPEGQuality)
	return func(ctx context.Context, domain string) (browserSession, error) {
		browserCtx, release, err := pool.Acquire(domain)
		if err != nil {
			return nil, err
		}

		tabCtx, cancelTab := chromedp.NewContext(browserCtx)
		sess := &chromedpSession{
			tabCtx:      tabCtx,
			cancelTab:   cancelTab,
			release:     release,
			jpegQuality: quality,
		}

		chromedp.ListenTarget(tabCtx, func(ev interface{}) {
			if e, ok := ev.(*network.EventResponseReceived); ok {
				if e.Type == network.ResourceTypeDocument {
					sess.status.Store(e.Response.Status)
				}
			}
		})

		if err := chromedp.Run(tabCtx, network.Enable()); err != nil {
			sess.Close()
			return nil, fmt.Errorf("failed to open hitl tab: %w", err)
		}
		return sess, nil
	}
}

func (s *chromedpSession) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := context.WithTimeout(s.tabCtx, 60*time.Second)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.Navigate(url))
}

func (s *chromedpSession) Page(ctx context.Context) (string, int, error) {
	runCtx, cancel := context.WithTimeout(s.tabCtx, 10*time.Second)
	defer cancel()

	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", 0, err
	}
	return html, int(s.status.Load()), nil
}

func (s *chromedpSession) Cookies(ctx context.Context) ([]models.Cookie, error) {
	runCtx, cancel := context.WithTimeout(s.tabCtx, 10*time.Second)
	defer cancel()

	var cookies []models.Cookie
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(cdpCtx context.Context) error {
		raw, err := network.GetCookies().Do(cdpCtx)
		if err != nil {
			return err
		}
		for _, c := range raw {
			cookies = append(cookies, models.Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Expires:  c.Expires,
				HTTPOnly: c.HTTPOnly,
				Secure:   c.Secure,
				SameSite: string(c.SameSite),
			})
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return cookies, nil
}

func (s *chromedpSession) UserAgent(ctx context.Context) (string, error) {
	runCtx, cancel := context.WithTimeout(s.tabCtx, 5*time.Second)
	defer cancel()

	var userAgent string
	if err := chromedp.Run(runCtx, chromedp.Evaluate("navigator.userAgent", &userAgent)); err != nil {
		return "", err
	}
	return userAgent, nil
}

func (s *chromedpSession) Screenshot(ctx context.Context) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(s.tabCtx, 5*time.Second)
	defer cancel()

	var frame []byte
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(cdpCtx context.Context) error {
		var err error
		frame, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatJpeg).
			WithQuality(s.jpegQuality).
			Do(cdpCtx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	return frame, nil
}

// DispatchInput translates one operator input event into CDP input
// commands.
func (s *chromedpSession) DispatchInput(ctx context.Context, event interfaces.InputEvent) error {
	runCtx, cancel := context.WithTimeout(s.tabCtx, 5*time.Second)
	defer cancel()

	return chromedp.Run(runCtx, chromedp.ActionFunc(func(cdpCtx context.Context) error {
		switch event.Type {
		case "mouse_move":
			return input.DispatchMouseEvent(input.MouseMoved, event.X, event.Y).Do(cdpCtx)

		case "mouse_click":
			button := mouseButton(event.Button)
			clicks := int64(event.ClickCount)
			if clicks == 0 {
				clicks = 1
			}
			if err := input.DispatchMouseEvent(input.MousePressed, event.X, event.Y).
				WithButton(button).
				WithClickCount(clicks).
				Do(cdpCtx); err != nil {
				return err
			}
			return input.DispatchMouseEvent(input.MouseReleased, event.X, event.Y).
				WithButton(button).
				WithClickCount(clicks).
				Do(cdpCtx)

		case "mouse_down":
			return input.DispatchMouseEvent(input.MousePressed, event.X, event.Y).
				WithButton(mouseButton(event.Button)).
				WithClickCount(1).
				Do(cdpCtx)

		case "mouse_up":
			return input.DispatchMouseEvent(input.MouseReleased, event.X, event.Y).
				WithButton(mouseButton(event.Button)).
				WithClickCount(1).
				Do(cdpCtx)

		case "key_down":
			return input.DispatchKeyEvent(input.KeyDown).
				WithKey(event.Key).
				WithCode(event.Code).
				WithText(event.Text).
				WithModifiers(input.Modifier(event.Modifiers)).
				Do(cdpCtx)

		case "key_up":
			return input.DispatchKeyEvent(input.KeyUp).
				WithKey(event.Key).
				WithCode(event.Code).
				WithModifiers(input.Modifier(event.Modifiers)).
				Do(cdpCtx)

		case "key_press":
			return input.DispatchKeyEvent(input.KeyChar).
				WithKey(event.Key).
				WithText(event.Text).
				WithModifiers(input.Modifier(event.Modifiers)).
				Do(cdpCtx)

		case "scroll":
			return input.DispatchMouseEvent(input.MouseWheel, event.X, event.Y).
				WithDeltaX(event.DeltaX).
				WithDeltaY(event.DeltaY).
				Do(cdpCtx)

		case "ping":
			return nil

		default:
			return fmt.Errorf("unknown input event type %q", event.Type)
		}
	}))
}

func (s *chromedpSession) Close() {
	if s.closeOnce.Swap(true) {
		return
	}
	s.cancelTab()
	s.release()
}

func mouseButton(name string) input.MouseButton {
	switch name {
	case "right":
		return input.Right
	case "middle":
		return input.Middle
	default:
		return input.Left
	}
}
