// internal/service/service.go

// Package service wires the session core together and exposes the
// caller-facing surface: session acquisition, serialized in-session actions,
// credential operations, watchers, and the auth probe.
package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
	"github.com/xkilldash9x/marionette-cli/internal/authprobe"
	"github.com/xkilldash9x/marionette-cli/internal/browser"
	"github.com/xkilldash9x/marionette-cli/internal/config"
	"github.com/xkilldash9x/marionette-cli/internal/credstore"
	"github.com/xkilldash9x/marionette-cli/internal/llmclient"
	"github.com/xkilldash9x/marionette-cli/internal/serializer"
	"github.com/xkilldash9x/marionette-cli/internal/watcher"
)

// DefaultExtractScript snapshots generic list-item structures. Site-specific
// extraction belongs in watcher.extract_script configuration.
const DefaultExtractScript = `(limit) => {
	const root = document.querySelector('[role="log"], [role="feed"], main ul, main ol, ul, ol') || document.body;
	const nodes = Array.from(root.querySelectorAll('li, [role="listitem"], article'));
	return nodes.slice(-limit).map((el) => ({
		id: el.id || el.getAttribute('data-id') || '',
		role: (el.getAttribute('data-self') === 'true' || el.classList.contains('self') || el.classList.contains('outgoing')) ? 'self'
			: (el.classList.contains('incoming') || el.classList.contains('external')) ? 'external'
			: 'unknown',
		text: (el.innerText || '').trim(),
	})).filter((x) => x.text.length > 0);
}`

// Service is the session core facade. All session-scoped operations go
// through the per-session serializer; watchers reuse the same pool and
// serializer so they never interleave with caller actions.
type Service struct {
	cfg    *config.Config
	logger *zap.Logger

	engine   browser.Engine
	pool     *browser.Pool
	store    *credstore.Store
	actions  *serializer.Serializer
	watchers *watcher.Manager
	probe    *authprobe.Probe
}

// New builds and starts the full session core.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Service, error) {
	backend, err := credstore.NewBackend(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing credential backend: %w", err)
	}
	store := credstore.New(cfg.Store, backend, logger)

	engine := browser.NewChromeEngine(cfg.Browser, logger)
	pool := browser.NewPool(engine, store, cfg.Browser.KeepaliveInterval, logger)
	pool.Start()

	var vision llmclient.VisionClient
	if cfg.Vision.Enabled {
		vision, err = llmclient.NewClient(cfg.Vision, logger)
		if err != nil {
			logger.Error("Failed to initialize vision client. The auth probe will run without its vision tier.", zap.Error(err))
			vision = nil
		}
	}

	return &Service{
		cfg:      cfg,
		logger:   logger.Named("service"),
		engine:   engine,
		pool:     pool,
		store:    store,
		actions:  serializer.New(),
		watchers: watcher.NewManager(cfg.Watcher, logger),
		probe:    authprobe.New(store, vision, cfg.Vision, cfg.Store.MarkerCredential, logger),
	}, nil
}

// newWithComponents is the seam used by tests.
func newWithComponents(cfg *config.Config, engine browser.Engine, pool *browser.Pool, store *credstore.Store, probe *authprobe.Probe, logger *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		logger:   logger.Named("service"),
		engine:   engine,
		pool:     pool,
		store:    store,
		actions:  serializer.New(),
		watchers: watcher.NewManager(cfg.Watcher, logger),
		probe:    probe,
	}
}

// AcquireSession ensures a live session exists for sessionID and returns its
// observable state.
func (s *Service) AcquireSession(ctx context.Context, sessionID string) (schemas.SessionInfo, error) {
	var info schemas.SessionInfo
	err := s.actions.Do(ctx, sessionID, func(ctx context.Context) error {
		session, err := s.pool.Acquire(ctx, sessionID)
		if err != nil {
			return err
		}
		info = session.Info()
		return nil
	})
	return info, err
}

// RunInSession executes fn against the session's handle, serialized with all
// other operations on the same session. A failing fn does not poison the
// session; subsequent calls proceed normally. After fn returns, the current
// cookies are opportunistically persisted.
func (s *Service) RunInSession(ctx context.Context, sessionID string, fn func(ctx context.Context, h browser.Handle) error) error {
	return s.actions.Do(ctx, sessionID, func(ctx context.Context) error {
		session, err := s.pool.Acquire(ctx, sessionID)
		if err != nil {
			return err
		}

		opErr := fn(ctx, session.Handle())
		session.Touch()

		// Any action may have changed auth state; persist what we can. A
		// failed save never affects the operation's result.
		s.saveSnapshot(ctx, sessionID, session.Handle())
		return opErr
	})
}

// StopSession tears down the session's browsing context. Credentials stay
// stored; the next acquire restores them into a fresh context.
func (s *Service) StopSession(ctx context.Context, sessionID string) error {
	return s.actions.Do(ctx, sessionID, func(ctx context.Context) error {
		s.pool.Stop(ctx, sessionID)
		return nil
	})
}

// ListSessions snapshots the live sessions.
func (s *Service) ListSessions() []schemas.SessionInfo {
	return s.pool.ListActive()
}

// SaveCredentials forces a credential snapshot of the live session.
func (s *Service) SaveCredentials(ctx context.Context, sessionID string) error {
	return s.actions.Do(ctx, sessionID, func(ctx context.Context) error {
		session, err := s.pool.Acquire(ctx, sessionID)
		if err != nil {
			return err
		}
		cookies, err := session.Handle().Cookies(ctx)
		if err != nil {
			return err
		}
		for domain, creds := range groupByDomain(cookies) {
			if err := s.store.Save(ctx, sessionID, domain, creds); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadCredentials returns the stored record for (sessionID, domain), nil when
// absent or expired.
func (s *Service) LoadCredentials(ctx context.Context, sessionID, domain string) (*schemas.CredentialRecord, error) {
	return s.store.Load(ctx, sessionID, domain)
}

// ClearCredentials removes the stored record for (sessionID, domain).
func (s *Service) ClearCredentials(ctx context.Context, sessionID, domain string) error {
	return s.store.Clear(ctx, sessionID, domain)
}

// ListCredentials summarizes all stored records.
func (s *Service) ListCredentials(ctx context.Context) ([]schemas.SessionSummary, error) {
	return s.store.List(ctx)
}

// StartWatcher navigates the session to targetURL and starts a standing
// change-detection loop for the pair. Starting an already-watched pair
// returns the running watcher's id with schemas.ErrWatcherAlreadyRunning and
// must not touch the session: the live loop keeps polling the page it is on.
func (s *Service) StartWatcher(ctx context.Context, sessionID, targetURL string, opts watcher.Options) (string, error) {
	if id, running := s.watchers.Running(sessionID, targetURL); running {
		return id, schemas.ErrWatcherAlreadyRunning
	}

	err := s.RunInSession(ctx, sessionID, func(ctx context.Context, h browser.Handle) error {
		return h.Navigate(ctx, targetURL)
	})
	if err != nil {
		return "", fmt.Errorf("navigating watcher target: %w", err)
	}

	return s.watchers.Start(sessionID, targetURL, s.snapshotter(sessionID), opts)
}

// StopWatcher cancels the watcher and waits for its loop to exit.
func (s *Service) StopWatcher(watcherID string) error {
	return s.watchers.Stop(watcherID)
}

// ListWatchers snapshots all standing watchers.
func (s *Service) ListWatchers() []schemas.WatcherInfo {
	return s.watchers.List()
}

// IsAuthenticated reports whether the session currently appears authenticated
// for domain.
func (s *Service) IsAuthenticated(ctx context.Context, sessionID, domain string) (bool, error) {
	var authenticated bool
	err := s.actions.Do(ctx, sessionID, func(ctx context.Context) error {
		session, err := s.pool.Acquire(ctx, sessionID)
		if err != nil {
			return err
		}
		authenticated, err = s.probe.IsAuthenticated(ctx, sessionID, domain, session.Handle())
		return err
	})
	return authenticated, err
}

// Shutdown tears the core down in dependency order: watchers first (they use
// sessions), then the pool and engine, then the store.
func (s *Service) Shutdown(ctx context.Context) error {
	s.watchers.StopAll(ctx)

	var firstErr error
	if err := s.pool.Shutdown(ctx); err != nil {
		firstErr = err
		s.logger.Error("Error shutting down session pool.", zap.Error(err))
	}
	if err := s.store.Close(); err != nil {
		if firstErr == nil {
			firstErr = err
		}
		s.logger.Error("Error closing credential store.", zap.Error(err))
	}
	return firstErr
}

// snapshotter adapts a session's tail extraction into the watcher's
// Snapshotter, routed through the serializer so a watcher tick never
// interleaves with a caller action on the same session.
func (s *Service) snapshotter(sessionID string) watcher.Snapshotter {
	script := s.cfg.Watcher.ExtractScript
	if strings.TrimSpace(script) == "" {
		script = DefaultExtractScript
	}
	limit := s.cfg.Watcher.TailSize

	return watcher.SnapshotFunc(func(ctx context.Context) ([]schemas.TailItem, error) {
		var items []schemas.TailItem
		err := s.actions.Do(ctx, sessionID, func(ctx context.Context) error {
			session, err := s.pool.Acquire(ctx, sessionID)
			if err != nil {
				return err
			}
			items, err = session.Handle().TailSnapshot(ctx, script, limit)
			return err
		})
		return items, err
	})
}

// saveSnapshot persists the session's current cookies, best effort.
func (s *Service) saveSnapshot(ctx context.Context, sessionID string, h browser.Handle) {
	cookies, err := h.Cookies(ctx)
	if err != nil {
		s.logger.Debug("Skipping opportunistic save; cookie read failed.",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	for domain, creds := range groupByDomain(cookies) {
		if err := s.store.Save(ctx, sessionID, domain, creds); err != nil {
			s.logger.Warn("Opportunistic credential save failed.",
				zap.String("session_id", sessionID), zap.String("domain", domain), zap.Error(err))
		}
	}
}

// groupByDomain buckets cookies by their registrable domain key.
func groupByDomain(cookies []schemas.Credential) map[string][]schemas.Credential {
	grouped := make(map[string][]schemas.Credential)
	for _, c := range cookies {
		domain := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(c.Domain)), ".")
		if domain == "" {
			continue
		}
		grouped[domain] = append(grouped[domain], c)
	}
	return grouped
}

// DomainOf extracts the host from a URL for credential scoping.
func DomainOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing target URL: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		// Allow bare hosts like "example.com".
		if !strings.Contains(rawURL, "/") && rawURL != "" {
			return strings.ToLower(rawURL), nil
		}
		return "", fmt.Errorf("URL %q has no host", rawURL)
	}
	return strings.ToLower(host), nil
}
