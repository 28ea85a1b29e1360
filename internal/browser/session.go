// internal/browser/session.go
package browser

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
)

// chromeHandle implements Handle for one isolated browsing context and its
// primary page.
type chromeHandle struct {
	engine           *ChromeEngine
	sessionID        string
	browserContextID cdp.BrowserContextID
	targetID         target.ID
	tabCtx           context.Context
	tabCancel        context.CancelFunc
	actionTimeout    time.Duration
	navTimeout       time.Duration
	logger           *zap.Logger

	mu     sync.Mutex
	closed bool
}

var _ Handle = (*chromeHandle)(nil)

// runActions executes chromedp actions on the tab, bounded by the smaller of
// the caller's deadline and the given timeout.
func (h *chromeHandle) runActions(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("session %q handle closed", h.sessionID)
	}
	tabCtx := h.tabCtx
	h.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()

	// Propagate the caller's cancellation into the tab-scoped context.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(opCtx, actions...); err != nil {
		if opCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("browser action timed out after %v: %w", timeout, opCtx.Err())
		}
		return err
	}
	return nil
}

func (h *chromeHandle) applyFingerprint(ctx context.Context, fp schemas.Fingerprint) error {
	return h.runActions(ctx, h.actionTimeout,
		chromedp.EmulateViewport(fp.ViewportWidth, fp.ViewportHeight),
		chromedp.ActionFunc(func(c context.Context) error {
			return emulation.SetLocaleOverride().WithLocale(fp.Locale).Do(c)
		}),
		chromedp.ActionFunc(func(c context.Context) error {
			return emulation.SetTimezoneOverride(fp.Timezone).Do(c)
		}),
		chromedp.ActionFunc(func(c context.Context) error {
			return emulation.SetGeolocationOverride().
				WithLatitude(fp.Latitude).
				WithLongitude(fp.Longitude).
				WithAccuracy(1).
				Do(c)
		}),
	)
}

// ContextAlive probes the browsing context through the browser connection,
// independently of the page.
func (h *chromeHandle) ContextAlive(ctx context.Context) error {
	exec, err := h.engine.browserExecutor(ctx)
	if err != nil {
		return err
	}
	probeCtx, cancel := context.WithTimeout(exec, healthProbeTimeout)
	defer cancel()

	info, err := target.GetTargetInfo().WithTargetID(h.targetID).Do(probeCtx)
	if err != nil {
		return fmt.Errorf("context liveness probe failed: %w", err)
	}
	if info == nil {
		return fmt.Errorf("target %s no longer exists", h.targetID)
	}
	return nil
}

// PageAlive verifies the page's JS runtime still answers.
func (h *chromeHandle) PageAlive(ctx context.Context) error {
	var one int
	if err := h.runActions(ctx, healthProbeTimeout, chromedp.Evaluate("1", &one)); err != nil {
		return fmt.Errorf("page liveness probe failed: %w", err)
	}
	return nil
}

func (h *chromeHandle) Navigate(ctx context.Context, url string) error {
	h.logger.Debug("Navigating.", zap.String("url", url))
	return h.runActions(ctx, h.navTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// Evaluate runs a JS expression and unmarshals its value into out. Promises
// are awaited; exceptions surface as errors.
func (h *chromeHandle) Evaluate(ctx context.Context, expr string, out interface{}) error {
	return h.runActions(ctx, h.actionTimeout,
		chromedp.Evaluate(expr, out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
		}),
	)
}

func (h *chromeHandle) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := h.runActions(ctx, h.actionTimeout, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

// Cookies reads all cookies of this browsing context via CDP.
func (h *chromeHandle) Cookies(ctx context.Context) ([]schemas.Credential, error) {
	exec, err := h.engine.browserExecutor(ctx)
	if err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(exec, h.actionTimeout)
	defer cancel()

	cookies, err := storage.GetCookies().WithBrowserContextID(h.browserContextID).Do(opCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}

	creds := make([]schemas.Credential, 0, len(cookies))
	for _, c := range cookies {
		creds = append(creds, schemas.Credential{
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
	return creds, nil
}

// SetCookies restores persisted credentials into this browsing context.
func (h *chromeHandle) SetCookies(ctx context.Context, creds []schemas.Credential) error {
	if len(creds) == 0 {
		return nil
	}

	params := make([]*network.CookieParam, 0, len(creds))
	for _, c := range creds {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != "" {
			p.SameSite = network.CookieSameSite(c.SameSite)
		}
		if c.Expires > 0 {
			t := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			p.Expires = &t
		}
		params = append(params, p)
	}

	exec, err := h.engine.browserExecutor(ctx)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(exec, h.actionTimeout)
	defer cancel()

	if err := storage.SetCookies(params).WithBrowserContextID(h.browserContextID).Do(opCtx); err != nil {
		return fmt.Errorf("failed to set cookies: %w", err)
	}
	return nil
}

// TailSnapshot evaluates the extraction function against the page and
// normalizes the result. The script must be a JS function of one argument
// (the tail limit) returning an array of {id, role, text} objects.
func (h *chromeHandle) TailSnapshot(ctx context.Context, script string, limit int) ([]schemas.TailItem, error) {
	expr := fmt.Sprintf("(%s)(%d)", script, limit)

	var raw json.RawMessage
	if err := h.Evaluate(ctx, expr, &raw); err != nil {
		return nil, fmt.Errorf("tail extraction failed: %w", err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var items []schemas.TailItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("tail extraction returned malformed items: %w (payload: %s)", err, string(raw))
	}

	for i := range items {
		if items[i].Role == "" {
			items[i].Role = schemas.RoleUnknown
		}
		items[i].Text = strings.TrimSpace(items[i].Text)
		if items[i].ID == "" {
			// No stable identifier from the page; fall back to a content digest
			// so identical text maps to an identical id across snapshots.
			sum := sha1.Sum([]byte(string(items[i].Role) + "\x00" + items[i].Text))
			items[i].ID = "txt-" + hex.EncodeToString(sum[:8])
		}
	}
	return items, nil
}

// Close tears the page and browsing context down, ignoring errors. Idempotent.
func (h *chromeHandle) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.logger.Debug("Closing session handle.")
	h.tabCancel()
	h.engine.disposeContext(h.browserContextID)
	return nil
}
