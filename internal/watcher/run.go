// internal/watcher/run.go

// Package watcher polls a live UI region for the appearance of genuinely new
// content, distinguishing novelty from rendering flicker and reordering. Each
// standing watcher repeats bounded runs against one (session, target) pair.
package watcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
	"github.com/xkilldash9x/marionette-cli/internal/config"
)

// Snapshotter produces the current tail of the watched region, oldest first.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]schemas.TailItem, error)
}

// SnapshotFunc adapts a function to the Snapshotter interface.
type SnapshotFunc func(ctx context.Context) ([]schemas.TailItem, error)

func (f SnapshotFunc) Snapshot(ctx context.Context) ([]schemas.TailItem, error) { return f(ctx) }

// runner executes one bounded novelty-detection run.
type runner struct {
	snap   Snapshotter
	cfg    config.WatcherConfig
	logger *zap.Logger
}

// run polls until new content appears, the poll budget runs out, the context
// is cancelled, or a snapshot fails. baseline is the caller's reference text;
// armFromCurrent controls what happens when it no longer appears in the tail.
// The error is non-nil exactly when the result's outcome is OutcomeError.
func (r *runner) run(ctx context.Context, baseline string, armFromCurrent bool) (*schemas.WatchResult, error) {
	started := time.Now()

	tail, err := r.stabilizedSnapshot(ctx)
	if err != nil {
		return &schemas.WatchResult{Outcome: schemas.OutcomeError, Elapsed: time.Since(started)}, err
	}

	seen := make(map[string]bool, len(tail))
	switch {
	case baseline == "" || anchorIndex(tail, baseline) >= 0:
		// Anchored: everything at or before the matching item has been seen.
		// An empty baseline means the whole current tail is the starting point.
		idx := len(tail) - 1
		if baseline != "" {
			idx = anchorIndex(tail, baseline)
		}
		for _, item := range tail[:idx+1] {
			seen[item.ID] = true
		}
	case armFromCurrent:
		for _, item := range tail {
			seen[item.ID] = true
		}
	default:
		// The reference text scrolled out of the tail and the caller did not
		// allow re-arming: the content has already moved past the baseline.
		result := &schemas.WatchResult{
			Outcome: schemas.OutcomeNovel,
			Elapsed: time.Since(started),
		}
		if last := lastItem(tail); last != nil {
			item := *last
			result.Item = &item
			result.Baseline = item.Text
		}
		return result, nil
	}

	// Items already past the anchor count as new on the first tick.
	lastBaseline := baseline
	if last := lastItem(tail); last != nil && seen[last.ID] {
		lastBaseline = last.Text
	}

	for poll := 1; poll <= r.cfg.PollBudget; poll++ {
		if !sleepCtx(ctx, r.cfg.PollInterval) {
			return &schemas.WatchResult{
				Outcome: schemas.OutcomeError, Polls: poll - 1, Elapsed: time.Since(started),
			}, ctx.Err()
		}

		tail, err = r.snap.Snapshot(ctx)
		if err != nil {
			r.logger.Warn("Tail snapshot failed mid-run.", zap.Int("poll", poll), zap.Error(err))
			return &schemas.WatchResult{
				Outcome: schemas.OutcomeError, Polls: poll, Elapsed: time.Since(started),
			}, err
		}
		if last := lastItem(tail); last != nil {
			lastBaseline = last.Text
		}

		candidate := pickCandidate(tail, seen)
		for _, item := range tail {
			seen[item.ID] = true
		}
		if candidate == nil {
			continue
		}

		confirmed, err := r.confirm(ctx, candidate.ID)
		if err != nil {
			return &schemas.WatchResult{
				Outcome: schemas.OutcomeError, Polls: poll, Elapsed: time.Since(started),
			}, err
		}
		if !confirmed {
			// The item rendered and vanished. Forget it so a stable
			// reappearance can still fire.
			delete(seen, candidate.ID)
			r.logger.Debug("Candidate failed debounce confirmation.",
				zap.String("item_id", candidate.ID))
			continue
		}

		item := *candidate
		return &schemas.WatchResult{
			Outcome:  schemas.OutcomeNovel,
			Item:     &item,
			Baseline: item.Text,
			Polls:    poll,
			Elapsed:  time.Since(started),
		}, nil
	}

	return &schemas.WatchResult{
		Outcome:  schemas.OutcomeTimeout,
		Baseline: lastBaseline,
		Polls:    r.cfg.PollBudget,
		Elapsed:  time.Since(started),
	}, nil
}

// stabilizedSnapshot re-reads the tail with short delays until two
// consecutive reads agree, absorbing rendering reflow. After the retry
// budget, the last read wins.
func (r *runner) stabilizedSnapshot(ctx context.Context) ([]schemas.TailItem, error) {
	prev, err := r.snap.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	for i := 0; i < r.cfg.StabilizeRetries; i++ {
		if !sleepCtx(ctx, r.cfg.StabilizeDelay) {
			return nil, ctx.Err()
		}
		cur, err := r.snap.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		if tailsEqual(prev, cur) {
			return cur, nil
		}
		prev = cur
	}
	return prev, nil
}

// confirm re-checks that the candidate is still present after the debounce
// delay.
func (r *runner) confirm(ctx context.Context, id string) (bool, error) {
	if !sleepCtx(ctx, r.cfg.DebounceDelay) {
		return false, ctx.Err()
	}
	tail, err := r.snap.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	for _, item := range tail {
		if item.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// pickCandidate returns the newest unseen item, preferring externally
// originated content over the session's own echoes.
func pickCandidate(tail []schemas.TailItem, seen map[string]bool) *schemas.TailItem {
	var external, fallback *schemas.TailItem
	for i := range tail {
		item := &tail[i]
		if seen[item.ID] {
			continue
		}
		if item.Role == schemas.RoleExternal {
			external = item
		}
		fallback = item
	}
	if external != nil {
		return external
	}
	return fallback
}

// anchorIndex finds the newest item whose text equals the baseline.
func anchorIndex(tail []schemas.TailItem, baseline string) int {
	for i := len(tail) - 1; i >= 0; i-- {
		if tail[i].Text == baseline {
			return i
		}
	}
	return -1
}

func lastItem(tail []schemas.TailItem) *schemas.TailItem {
	if len(tail) == 0 {
		return nil
	}
	return &tail[len(tail)-1]
}

func tailsEqual(a, b []schemas.TailItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Text != b[i].Text {
			return false
		}
	}
	return true
}

// sleepCtx sleeps for d unless ctx is done first, reporting whether the full
// sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
