// internal/watcher/manager.go
package watcher

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
	"github.com/xkilldash9x/marionette-cli/internal/config"
)

// Options tunes one standing watcher.
type Options struct {
	// BaselineText anchors the first run; empty means "start from the
	// current tail".
	BaselineText string
	// ArmFromCurrent re-anchors on the latest item when BaselineText is no
	// longer visible, instead of reporting immediately.
	ArmFromCurrent bool
	// ContinueAfterNovel keeps the loop running after a detection, with the
	// baseline advanced past the detected item.
	ContinueAfterNovel bool
	// OnResult, when set, is invoked with every finished run's result.
	OnResult func(schemas.WatchResult)
}

// Watcher is one standing change-detection loop.
type Watcher struct {
	id        string
	sessionID string
	targetURL string
	startedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	runs       int
	detections int
}

func (w *Watcher) info(running bool) schemas.WatcherInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return schemas.WatcherInfo{
		WatcherID:  w.id,
		SessionID:  w.sessionID,
		TargetURL:  w.targetURL,
		Running:    running,
		Runs:       w.runs,
		Detections: w.detections,
		StartedAt:  w.startedAt,
	}
}

// Manager owns all standing watchers. Starting the same (session, target)
// pair twice while the first loop is alive is a no-op.
type Manager struct {
	cfg    config.WatcherConfig
	logger *zap.Logger

	mu       sync.Mutex
	watchers map[string]*Watcher
}

// NewManager wires an empty Manager.
func NewManager(cfg config.WatcherConfig, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger.Named("watcher"),
		watchers: make(map[string]*Watcher),
	}
}

// WatcherID derives the deterministic id for a (session, target) pair.
func WatcherID(sessionID, targetURL string) string {
	sum := sha1.Sum([]byte(sessionID + "\x00" + targetURL))
	return hex.EncodeToString(sum[:8])
}

// Running reports the id a watcher for (sessionID, targetURL) has or would
// have, and whether one is currently live.
func (m *Manager) Running(sessionID, targetURL string) (string, bool) {
	id := WatcherID(sessionID, targetURL)
	m.mu.Lock()
	_, ok := m.watchers[id]
	m.mu.Unlock()
	return id, ok
}

// Start launches a standing watcher for (sessionID, targetURL). If one is
// already running for the pair, its id is returned along with
// ErrWatcherAlreadyRunning and no second loop is created.
func (m *Manager) Start(sessionID, targetURL string, snap Snapshotter, opts Options) (string, error) {
	id := WatcherID(sessionID, targetURL)

	m.mu.Lock()
	if _, exists := m.watchers[id]; exists {
		m.mu.Unlock()
		return id, schemas.ErrWatcherAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		id:        id,
		sessionID: sessionID,
		targetURL: targetURL,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.watchers[id] = w
	m.mu.Unlock()

	go m.loop(ctx, w, snap, opts)

	m.logger.Info("Watcher started.",
		zap.String("watcher_id", id),
		zap.String("session_id", sessionID),
		zap.String("target_url", targetURL))
	return id, nil
}

// Stop requests cooperative cancellation and waits for the loop to exit.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	w := m.watchers[id]
	m.mu.Unlock()
	if w == nil {
		return schemas.ErrWatcherNotFound
	}
	w.cancel()
	<-w.done
	return nil
}

// StopAll cancels every watcher and waits for the loops, bounded by ctx.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	for _, w := range watchers {
		w.cancel()
	}
	for _, w := range watchers {
		select {
		case <-w.done:
		case <-ctx.Done():
			return
		}
	}
}

// List snapshots every live watcher's counters.
func (m *Manager) List() []schemas.WatcherInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]schemas.WatcherInfo, 0, len(m.watchers))
	for _, w := range m.watchers {
		infos = append(infos, w.info(true))
	}
	return infos
}

// loop repeats bounded runs until cancelled or a detection completes the
// watcher. Timeouts advance the baseline as a heartbeat; errors back off
// before the next attempt.
func (m *Manager) loop(ctx context.Context, w *Watcher, snap Snapshotter, opts Options) {
	defer close(w.done)
	defer m.remove(w.id)

	log := m.logger.With(zap.String("watcher_id", w.id), zap.String("session_id", w.sessionID))
	runner := &runner{snap: snap, cfg: m.cfg, logger: log}

	baseline := opts.BaselineText
	armFromCurrent := opts.ArmFromCurrent
	attempt := 0

	for ctx.Err() == nil {
		attempt++
		result, runErr := runner.run(ctx, baseline, armFromCurrent)

		w.mu.Lock()
		w.runs++
		if result.Outcome == schemas.OutcomeNovel {
			w.detections++
		}
		w.mu.Unlock()

		if ctx.Err() != nil {
			// A cancelled run reports nothing.
			return
		}
		if opts.OnResult != nil {
			opts.OnResult(*result)
		}

		switch result.Outcome {
		case schemas.OutcomeNovel:
			log.Info("Novel content detected.",
				zap.Int("polls", result.Polls),
				zap.Duration("elapsed", result.Elapsed))
			if !opts.ContinueAfterNovel {
				return
			}
			baseline = result.Baseline
			armFromCurrent = true

		case schemas.OutcomeTimeout:
			log.Debug("Run exhausted poll budget; continuing with advanced baseline.",
				zap.Int("polls", result.Polls))
			if result.Baseline != "" {
				baseline = result.Baseline
			}
			armFromCurrent = true

		case schemas.OutcomeError:
			wrapped := &schemas.WatcherRunError{WatcherID: w.id, Attempt: attempt, Err: runErr}
			log.Warn("Run failed; backing off.",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", m.cfg.ErrorBackoff),
				zap.Error(wrapped))
			if !sleepCtx(ctx, m.cfg.ErrorBackoff) {
				return
			}
		}
	}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.watchers, id)
	m.mu.Unlock()
}
