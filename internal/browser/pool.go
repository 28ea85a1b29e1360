// internal/browser/pool.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
)

// CredentialSource is the slice of the credential store the pool needs to
// restore authentication state into freshly created contexts.
type CredentialSource interface {
	LoadAll(ctx context.Context, sessionID string) ([]schemas.Credential, error)
}

// Session is one pooled automation identity: an isolated browsing context plus
// bookkeeping. Exactly one live Session exists per session id; the pool
// replaces, never duplicates, a dead entry.
type Session struct {
	ID        string
	CreatedAt time.Time

	handle Handle

	mu         sync.Mutex
	lastUsedAt time.Time
}

// Handle exposes the session's typed automation operations.
func (s *Session) Handle() Handle { return s.handle }

// Touch records a successful use.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastUsedAt = time.Now()
	s.mu.Unlock()
}

// LastUsedAt returns the time of the last successful use.
func (s *Session) LastUsedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsedAt
}

// Info snapshots the session for observability.
func (s *Session) Info() schemas.SessionInfo {
	return schemas.SessionInfo{
		SessionID:  s.ID,
		CreatedAt:  s.CreatedAt,
		LastUsedAt: s.LastUsedAt(),
	}
}

// Pool owns the shared Engine and the map of live Sessions. It creates
// contexts on demand, restores credentials into them, sweeps dead ones on a
// keepalive interval, and replaces a dead engine on the next acquire.
type Pool struct {
	engine Engine
	creds  CredentialSource
	logger *zap.Logger

	keepaliveInterval time.Duration

	mu       sync.Mutex
	started  bool
	sessions map[string]*Session
	// creationLock serializes browsing-context creation; concurrent CDP
	// context creation is the known failure mode under engine churn.
	creationLock sync.Mutex

	restarts int

	stopKeepalive context.CancelFunc
	keepaliveDone chan struct{}
}

// NewPool wires the pool. Start must be called before Acquire.
func NewPool(engine Engine, creds CredentialSource, keepaliveInterval time.Duration, logger *zap.Logger) *Pool {
	if keepaliveInterval <= 0 {
		keepaliveInterval = 30 * time.Second
	}
	return &Pool{
		engine:            engine,
		creds:             creds,
		logger:            logger.Named("session_pool"),
		keepaliveInterval: keepaliveInterval,
		sessions:          make(map[string]*Session),
	}
}

// Start launches the background keepalive sweep.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.stopKeepalive = cancel
	p.keepaliveDone = done
	// The loop gets its own reference; Shutdown nils the field before the
	// goroutine is guaranteed to have run.
	go p.keepaliveLoop(ctx, done)
}

// Acquire returns the live Session for sessionID, creating or recreating it
// as needed. The engine is verified (and relaunched if dead) first.
func (p *Pool) Acquire(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, errors.New("session id must not be empty")
	}

	p.creationLock.Lock()
	defer p.creationLock.Unlock()

	// Checked under creationLock so concurrent acquires observing the same
	// dead engine relaunch it once, not once each.
	if err := p.ensureEngine(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	existing := p.sessions[sessionID]
	p.mu.Unlock()

	if existing != nil {
		if err := p.verifySession(ctx, existing); err == nil {
			existing.Touch()
			return existing, nil
		}
		p.logger.Warn("Session failed liveness verification; recreating.",
			zap.String("session_id", sessionID))
		p.evict(ctx, sessionID, existing)
	}

	session, err := p.createSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.sessions[sessionID] = session
	p.mu.Unlock()

	p.logger.Info("Session created.", zap.String("session_id", sessionID))
	return session, nil
}

// Stop closes and evicts the session for sessionID. Unknown ids are a no-op.
func (p *Pool) Stop(ctx context.Context, sessionID string) {
	p.mu.Lock()
	session := p.sessions[sessionID]
	p.mu.Unlock()
	if session == nil {
		return
	}
	p.evict(ctx, sessionID, session)
	p.logger.Info("Session stopped.", zap.String("session_id", sessionID))
}

// ListActive snapshots the live sessions, most recently used first.
func (p *Pool) ListActive() []schemas.SessionInfo {
	p.mu.Lock()
	infos := make([]schemas.SessionInfo, 0, len(p.sessions))
	for _, s := range p.sessions {
		infos = append(infos, s.Info())
	}
	p.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastUsedAt.After(infos[j].LastUsedAt)
	})
	return infos
}

// Restarts reports how many times the engine was relaunched after a failed
// liveness probe.
func (p *Pool) Restarts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restarts
}

// Shutdown stops keepalive, closes all sessions, then the engine.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.stopKeepalive
	done := p.keepaliveDone
	p.stopKeepalive = nil
	p.keepaliveDone = nil
	p.started = false

	sessions := make(map[string]*Session, len(p.sessions))
	for id, s := range p.sessions {
		sessions[id] = s
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	for id, s := range sessions {
		if err := s.handle.Close(ctx); err != nil {
			p.logger.Warn("Error closing session during shutdown.",
				zap.String("session_id", id), zap.Error(err))
		}
	}

	return p.engine.Close(ctx)
}

// ensureEngine lazily starts the engine, or relaunches it after a failed
// liveness probe. Relaunch invalidates every tracked session; acquire
// recreates them lazily.
func (p *Pool) ensureEngine(ctx context.Context) error {
	if err := p.engine.Start(ctx); err != nil {
		return err
	}

	if err := p.engine.Healthy(ctx); err == nil {
		return nil
	}

	p.logger.Warn("Engine liveness probe failed; relaunching.")

	p.mu.Lock()
	dead := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		dead = append(dead, s)
	}
	p.sessions = make(map[string]*Session)
	p.restarts++
	p.mu.Unlock()

	for _, s := range dead {
		// The engine is gone; closing handles is best-effort bookkeeping.
		_ = s.handle.Close(ctx)
	}

	if err := p.engine.Close(ctx); err != nil {
		p.logger.Warn("Error closing dead engine.", zap.Error(err))
	}
	if err := p.engine.Start(ctx); err != nil {
		return err
	}
	return nil
}

// createSession builds a new isolated context, retrying exactly once through
// an engine relaunch if creation races a mid-flight engine crash.
func (p *Pool) createSession(ctx context.Context, sessionID string) (*Session, error) {
	handle, err := p.engine.NewSession(ctx, sessionID)
	if err != nil {
		if p.engine.Healthy(ctx) == nil {
			return nil, &schemas.SessionCreationError{SessionID: sessionID, Err: err}
		}

		p.logger.Warn("Engine died during context creation; relaunching and retrying once.",
			zap.String("session_id", sessionID), zap.Error(err))

		if err := p.ensureEngine(ctx); err != nil {
			return nil, err
		}
		handle, err = p.engine.NewSession(ctx, sessionID)
		if err != nil {
			return nil, &schemas.SessionCreationError{SessionID: sessionID, Err: err}
		}
	}

	now := time.Now()
	session := &Session{
		ID:        sessionID,
		CreatedAt: now,
		handle:    handle,
	}
	session.lastUsedAt = now

	p.restoreCredentials(ctx, session)
	return session, nil
}

// restoreCredentials loads any persisted credentials for the session into the
// fresh context. Absence is not an error; failures are logged and ignored.
func (p *Pool) restoreCredentials(ctx context.Context, session *Session) {
	if p.creds == nil {
		return
	}
	creds, err := p.creds.LoadAll(ctx, session.ID)
	if err != nil {
		p.logger.Warn("Failed to load stored credentials; continuing without.",
			zap.String("session_id", session.ID), zap.Error(err))
		return
	}
	if len(creds) == 0 {
		return
	}
	if err := session.handle.SetCookies(ctx, creds); err != nil {
		p.logger.Warn("Failed to restore credentials into context.",
			zap.String("session_id", session.ID), zap.Error(err))
		return
	}
	p.logger.Debug("Restored credentials into context.",
		zap.String("session_id", session.ID), zap.Int("count", len(creds)))
}

// verifySession runs the independent context and page liveness probes.
func (p *Pool) verifySession(ctx context.Context, s *Session) error {
	if err := s.handle.ContextAlive(ctx); err != nil {
		return err
	}
	return s.handle.PageAlive(ctx)
}

func (p *Pool) evict(ctx context.Context, sessionID string, s *Session) {
	p.mu.Lock()
	if p.sessions[sessionID] == s {
		delete(p.sessions, sessionID)
	}
	p.mu.Unlock()
	_ = s.handle.Close(ctx)
}

// keepaliveLoop periodically re-validates the engine and sweeps dead sessions.
// Pure cleanup: it never recreates anything; Acquire does that on next use.
func (p *Pool) keepaliveLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Pool) sweep(ctx context.Context) {
	if err := p.engine.Healthy(ctx); err != nil {
		p.logger.Warn("Keepalive: engine unhealthy; all sessions are stale.", zap.Error(err))
		// Leave relaunch to the next acquire; evict everything now so stale
		// handles are not reported active.
		p.mu.Lock()
		dead := p.sessions
		p.sessions = make(map[string]*Session)
		p.mu.Unlock()
		for _, s := range dead {
			_ = s.handle.Close(ctx)
		}
		return
	}

	p.mu.Lock()
	candidates := make(map[string]*Session, len(p.sessions))
	for id, s := range p.sessions {
		candidates[id] = s
	}
	p.mu.Unlock()

	for id, s := range candidates {
		if err := p.verifySession(ctx, s); err != nil {
			p.logger.Info("Keepalive: evicting dead session.",
				zap.String("session_id", id), zap.Error(err))
			p.evict(ctx, id, s)
		}
	}
}

// String implements fmt.Stringer for debug logging.
func (p *Pool) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("Pool(sessions=%d, restarts=%d)", len(p.sessions), p.restarts)
}
