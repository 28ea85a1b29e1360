// internal/browser/engine.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
	"github.com/xkilldash9x/marionette-cli/internal/config"
)

const (
	healthProbeTimeout = 5 * time.Second
	disposeTimeout     = 10 * time.Second
)

// Engine abstracts the single shared automation-engine process. The pool is
// the only component that mutates it; everything else reaches the browser
// through session handles.
type Engine interface {
	// Start launches the engine process. Idempotent while running.
	Start(ctx context.Context) error
	// Healthy performs a cheap round-trip against the engine process.
	Healthy(ctx context.Context) error
	// NewSession creates an isolated browsing context with its primary page.
	NewSession(ctx context.Context, sessionID string) (Handle, error)
	// Close tears the engine down. Safe to call when not started; Start may be
	// called again afterwards.
	Close(ctx context.Context) error
}

// Handle is one isolated browsing context plus its primary page, exposing the
// typed automation operations the rest of the system composes. There is no
// caller-supplied script execution beyond the tail extraction expression.
type Handle interface {
	ContextAlive(ctx context.Context) error
	PageAlive(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	Evaluate(ctx context.Context, expr string, out interface{}) error
	Screenshot(ctx context.Context) ([]byte, error)
	Cookies(ctx context.Context) ([]schemas.Credential, error)
	SetCookies(ctx context.Context, creds []schemas.Credential) error
	TailSnapshot(ctx context.Context, script string, limit int) ([]schemas.TailItem, error)
	Close(ctx context.Context) error
}

// ChromeEngine drives a headless Chromium through chromedp. One ChromeEngine
// exists per process; all browsing contexts share its browser.
type ChromeEngine struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	// browserCtx is the long-lived controller tab. It anchors the browser
	// process and carries the executor for browser-domain CDP calls.
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

var _ Engine = (*ChromeEngine)(nil)

// NewChromeEngine creates the engine without launching anything. Launch is
// deferred to the first Start so a missing binary surfaces on first use.
func NewChromeEngine(cfg config.BrowserConfig, logger *zap.Logger) *ChromeEngine {
	return &ChromeEngine{
		cfg:    cfg,
		logger: logger.Named("engine"),
	}
}

// Start launches the browser process and verifies it responds.
func (e *ChromeEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.browserCtx != nil {
		return nil
	}

	e.logger.Info("Launching browser engine...")

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), e.buildAllocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	launchTimeout := e.cfg.LaunchTimeout
	if launchTimeout <= 0 {
		launchTimeout = 60 * time.Second
	}
	launchCtx, cancelLaunch := context.WithTimeout(browserCtx, launchTimeout)
	defer cancelLaunch()

	// The first Run spawns the process. Anything beyond a trivial navigation
	// is unnecessary here; the liveness probe covers the rest.
	if err := chromedp.Run(launchCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocCancel()

		if isBinaryMissing(err) {
			return &schemas.EngineUnavailableError{
				Hint: "install Chrome/Chromium or set browser.args exec-path",
				Err:  err,
			}
		}
		return fmt.Errorf("browser failed to start or respond: %w", err)
	}

	e.allocCtx = allocCtx
	e.allocCancel = allocCancel
	e.browserCtx = browserCtx
	e.browserCancel = browserCancel

	e.logger.Info("Browser engine launched and responsive.")
	return nil
}

// Healthy round-trips a Target.getTargets call over the browser connection.
func (e *ChromeEngine) Healthy(ctx context.Context) error {
	exec, err := e.browserExecutor(ctx)
	if err != nil {
		return err
	}

	probeCtx, cancel := context.WithTimeout(exec, healthProbeTimeout)
	defer cancel()

	if _, err := target.GetTargets().Do(probeCtx); err != nil {
		return fmt.Errorf("engine liveness probe failed: %w", err)
	}
	return nil
}

// NewSession creates an isolated browsing context, opens its primary page and
// applies the deterministic fingerprint.
func (e *ChromeEngine) NewSession(ctx context.Context, sessionID string) (Handle, error) {
	e.mu.Lock()
	parent := e.browserCtx
	e.mu.Unlock()
	if parent == nil {
		return nil, errors.New("engine not started")
	}

	exec, err := e.browserExecutor(ctx)
	if err != nil {
		return nil, err
	}

	browserContextID, err := target.CreateBrowserContext().Do(exec)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	targetID, err := target.CreateTarget("about:blank").
		WithBrowserContextID(browserContextID).
		Do(exec)
	if err != nil {
		e.disposeContext(browserContextID)
		return nil, fmt.Errorf("failed to create target: %w", err)
	}

	tabCtx, tabCancel := chromedp.NewContext(parent, chromedp.WithTargetID(targetID))

	h := &chromeHandle{
		engine:           e,
		sessionID:        sessionID,
		browserContextID: browserContextID,
		targetID:         targetID,
		tabCtx:           tabCtx,
		tabCancel:        tabCancel,
		actionTimeout:    e.cfg.ActionTimeout,
		navTimeout:       e.cfg.NavigationTimeout,
		logger:           e.logger.With(zap.String("session_id", sessionID)),
	}

	if err := h.applyFingerprint(ctx, e.cfg.Fingerprint); err != nil {
		h.Close(context.Background())
		return nil, fmt.Errorf("failed to apply fingerprint: %w", err)
	}

	return h, nil
}

// Close terminates the browser process, ignoring per-resource errors.
func (e *ChromeEngine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.browserCtx == nil {
		return nil
	}

	e.logger.Info("Shutting down browser engine.")

	e.browserCancel()
	e.allocCancel()

	// Wait for the allocator to confirm process termination, bounded by the
	// caller's deadline.
	select {
	case <-e.allocCtx.Done():
	case <-ctx.Done():
		e.logger.Warn("Timeout waiting for browser process to exit.", zap.Error(ctx.Err()))
	}

	e.allocCtx = nil
	e.allocCancel = nil
	e.browserCtx = nil
	e.browserCancel = nil
	return nil
}

// browserExecutor returns the given context bound to the browser-domain CDP
// executor, so Target/Storage commands run over the browser connection rather
// than a tab session.
func (e *ChromeEngine) browserExecutor(ctx context.Context) (context.Context, error) {
	e.mu.Lock()
	browserCtx := e.browserCtx
	e.mu.Unlock()

	if browserCtx == nil {
		return nil, errors.New("engine not started")
	}
	if err := browserCtx.Err(); err != nil {
		return nil, fmt.Errorf("engine context dead: %w", err)
	}

	c := chromedp.FromContext(browserCtx)
	if c == nil || c.Browser == nil {
		return nil, errors.New("engine browser connection not established")
	}
	return cdp.WithExecutor(ctx, c.Browser), nil
}

// disposeContext is best-effort cleanup of a half-created browsing context.
func (e *ChromeEngine) disposeContext(id cdp.BrowserContextID) {
	exec, err := e.browserExecutor(context.Background())
	if err != nil {
		return
	}
	disposeCtx, cancel := context.WithTimeout(exec, disposeTimeout)
	defer cancel()
	if err := target.DisposeBrowserContext(id).Do(disposeCtx); err != nil {
		e.logger.Debug("Failed to dispose browser context.", zap.Error(err))
	}
}

func (e *ChromeEngine) buildAllocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-extensions", true),
	)

	if e.cfg.Headless {
		opts = append(opts, chromedp.Headless, chromedp.DisableGPU)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	if runtime.GOOS == "linux" {
		opts = append(opts, chromedp.Flag("disable-setuid-sandbox", true))
	}

	// Extra flags from config, both bare and key=value forms.
	for _, arg := range e.cfg.Args {
		arg = strings.TrimPrefix(arg, "--")
		if k, v, ok := strings.Cut(arg, "="); ok {
			opts = append(opts, chromedp.Flag(k, v))
		} else {
			opts = append(opts, chromedp.Flag(arg, true))
		}
	}

	return opts
}

// isBinaryMissing reports whether the launch failure means there is no browser
// binary to run, as opposed to a crash of an existing one.
func isBinaryMissing(err error) bool {
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "executable file not found") ||
		strings.Contains(msg, "no such file or directory")
}
