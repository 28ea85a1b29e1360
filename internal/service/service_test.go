// internal/service/service_test.go
package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
	"github.com/xkilldash9x/marionette-cli/internal/authprobe"
	"github.com/xkilldash9x/marionette-cli/internal/browser"
	"github.com/xkilldash9x/marionette-cli/internal/config"
	"github.com/xkilldash9x/marionette-cli/internal/credstore"
	"github.com/xkilldash9x/marionette-cli/internal/watcher"
)

// -- Fakes --

type stubHandle struct {
	mu        sync.Mutex
	cookies   []schemas.Credential
	navigated []string
	tails     [][]schemas.TailItem
	tailIdx   int
}

func (h *stubHandle) ContextAlive(ctx context.Context) error { return nil }
func (h *stubHandle) PageAlive(ctx context.Context) error    { return nil }

func (h *stubHandle) Navigate(ctx context.Context, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.navigated = append(h.navigated, url)
	return nil
}

func (h *stubHandle) Evaluate(ctx context.Context, script string, out any) error { return nil }
func (h *stubHandle) Screenshot(ctx context.Context) ([]byte, error)             { return []byte{1}, nil }

func (h *stubHandle) Cookies(ctx context.Context) ([]schemas.Credential, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cookies, nil
}

func (h *stubHandle) SetCookies(ctx context.Context, creds []schemas.Credential) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cookies = append(h.cookies, creds...)
	return nil
}

func (h *stubHandle) TailSnapshot(ctx context.Context, script string, limit int) ([]schemas.TailItem, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.tails) == 0 {
		return nil, nil
	}
	tail := h.tails[h.tailIdx]
	if h.tailIdx < len(h.tails)-1 {
		h.tailIdx++
	}
	return tail, nil
}

func (h *stubHandle) Close(ctx context.Context) error { return nil }

type stubEngine struct {
	mu      sync.Mutex
	handles map[string]*stubHandle
}

func (e *stubEngine) Start(ctx context.Context) error   { return nil }
func (e *stubEngine) Healthy(ctx context.Context) error { return nil }
func (e *stubEngine) Close(ctx context.Context) error   { return nil }

func (e *stubEngine) NewSession(ctx context.Context, sessionID string) (browser.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[sessionID]
	if !ok {
		h = &stubHandle{}
		if e.handles == nil {
			e.handles = make(map[string]*stubHandle)
		}
		e.handles[sessionID] = h
	}
	return h, nil
}

func newTestService(t *testing.T) (*Service, *stubEngine) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	cfg := &config.Config{
		Browser: config.BrowserConfig{KeepaliveInterval: time.Hour},
		Store: config.StoreConfig{
			Dir:          t.TempDir(),
			MaxAge:       24 * time.Hour,
			WriteTimeout: 5 * time.Second,
		},
		Watcher: config.WatcherConfig{
			PollInterval:     2 * time.Millisecond,
			PollBudget:       10,
			DebounceDelay:    time.Millisecond,
			StabilizeDelay:   time.Millisecond,
			StabilizeRetries: 2,
			ErrorBackoff:     5 * time.Millisecond,
			TailSize:         20,
		},
	}

	backend, err := credstore.NewFileStore(cfg.Store.Dir, logger)
	require.NoError(t, err)
	store := credstore.New(cfg.Store, backend, logger)

	engine := &stubEngine{handles: make(map[string]*stubHandle)}
	pool := browser.NewPool(engine, store, cfg.Browser.KeepaliveInterval, logger)
	probe := authprobe.New(store, nil, cfg.Vision, "", logger)

	svc := newWithComponents(cfg, engine, pool, store, probe, logger)
	t.Cleanup(func() {
		require.NoError(t, svc.Shutdown(context.Background()))
	})
	return svc, engine
}

// -- Tests --

func TestAcquireSession(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc, _ := newTestService(t)

	info, err := svc.AcquireSession(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", info.SessionID)
	assert.Len(t, svc.ListSessions(), 1)
}

func TestRunInSessionSavesCookiesOpportunistically(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc, engine := newTestService(t)
	ctx := context.Background()

	err := svc.RunInSession(ctx, "alpha", func(ctx context.Context, h browser.Handle) error {
		return h.SetCookies(ctx, []schemas.Credential{
			{Name: "sid", Value: "v", Domain: ".example.com"},
		})
	})
	require.NoError(t, err)
	require.NotNil(t, engine.handles["alpha"])

	record, err := svc.LoadCredentials(ctx, "alpha", "example.com")
	require.NoError(t, err)
	require.NotNil(t, record, "cookies set during the action must be persisted afterwards")
	assert.True(t, record.HasCredential("sid"))
}

func TestRunInSessionErrorDoesNotPoisonSession(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc, _ := newTestService(t)
	ctx := context.Background()

	failure := errors.New("click missed")
	err := svc.RunInSession(ctx, "alpha", func(ctx context.Context, h browser.Handle) error {
		return failure
	})
	require.ErrorIs(t, err, failure)

	err = svc.RunInSession(ctx, "alpha", func(ctx context.Context, h browser.Handle) error {
		return nil
	})
	require.NoError(t, err)
}

func TestRunInSessionSerializesPerSession(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc, _ := newTestService(t)
	ctx := context.Background()

	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.RunInSession(ctx, "alpha", func(ctx context.Context, h browser.Handle) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "actions on one session must never overlap")
}

func TestStopSessionKeepsCredentials(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc, _ := newTestService(t)
	ctx := context.Background()

	err := svc.RunInSession(ctx, "alpha", func(ctx context.Context, h browser.Handle) error {
		return h.SetCookies(ctx, []schemas.Credential{
			{Name: "sid", Value: "v", Domain: ".example.com"},
		})
	})
	require.NoError(t, err)

	require.NoError(t, svc.StopSession(ctx, "alpha"))
	assert.Empty(t, svc.ListSessions())

	record, err := svc.LoadCredentials(ctx, "alpha", "example.com")
	require.NoError(t, err)
	assert.NotNil(t, record, "stopping a session must not clear stored credentials")
}

func TestStartWatcherNavigatesAndDetects(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc, engine := newTestService(t)
	ctx := context.Background()

	base := []schemas.TailItem{{ID: "a", Role: schemas.RoleExternal, Text: "first"}}
	grown := []schemas.TailItem{
		{ID: "a", Role: schemas.RoleExternal, Text: "first"},
		{ID: "b", Role: schemas.RoleExternal, Text: "incoming"},
	}

	// Pre-create the session so its tail script results can be scripted.
	_, err := svc.AcquireSession(ctx, "alpha")
	require.NoError(t, err)
	handle := engine.handles["alpha"]
	handle.mu.Lock()
	handle.tails = [][]schemas.TailItem{base, base, grown}
	handle.mu.Unlock()

	results := make(chan schemas.WatchResult, 1)
	id, err := svc.StartWatcher(ctx, "alpha", "https://example.com/inbox", watcher.Options{
		OnResult: func(r schemas.WatchResult) {
			if r.Outcome == schemas.OutcomeNovel {
				results <- r
			}
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	handle.mu.Lock()
	navigated := append([]string(nil), handle.navigated...)
	handle.mu.Unlock()
	assert.Contains(t, navigated, "https://example.com/inbox")

	select {
	case r := <-results:
		require.NotNil(t, r.Item)
		assert.Equal(t, "b", r.Item.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a detection")
	}
}

func TestStartWatcherIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc, engine := newTestService(t)
	ctx := context.Background()

	_, err := svc.AcquireSession(ctx, "alpha")
	require.NoError(t, err)
	engine.handles["alpha"].tails = [][]schemas.TailItem{
		{{ID: "a", Role: schemas.RoleExternal, Text: "first"}},
	}

	id, err := svc.StartWatcher(ctx, "alpha", "https://example.com", watcher.Options{})
	require.NoError(t, err)

	handle := engine.handles["alpha"]
	handle.mu.Lock()
	navigationsBefore := len(handle.navigated)
	handle.mu.Unlock()

	again, err := svc.StartWatcher(ctx, "alpha", "https://example.com", watcher.Options{})
	require.ErrorIs(t, err, schemas.ErrWatcherAlreadyRunning)
	assert.Equal(t, id, again)

	// The duplicate start must not reload the page under the live loop.
	handle.mu.Lock()
	navigationsAfter := len(handle.navigated)
	handle.mu.Unlock()
	assert.Equal(t, navigationsBefore, navigationsAfter,
		"a duplicate start must leave the watched session untouched")

	require.NoError(t, svc.StopWatcher(id))
	assert.Empty(t, svc.ListWatchers())
}

func TestIsAuthenticated(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc, engine := newTestService(t)
	ctx := context.Background()

	ok, err := svc.IsAuthenticated(ctx, "alpha", "example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	engine.mu.Lock()
	engine.handles["alpha"].cookies = []schemas.Credential{
		{Name: "sid", Value: "v", Domain: ".example.com"},
	}
	engine.mu.Unlock()

	ok, err = svc.IsAuthenticated(ctx, "alpha", "example.com")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDomainOf(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://example.com/inbox", "example.com", false},
		{"https://App.Example.com:8443/x?y=1", "app.example.com", false},
		{"example.com", "example.com", false},
		{"", "", true},
		{"/just/a/path", "", true},
	}
	for _, tc := range cases {
		got, err := DomainOf(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestGroupByDomain(t *testing.T) {
	grouped := groupByDomain([]schemas.Credential{
		{Name: "a", Domain: ".Example.com"},
		{Name: "b", Domain: "example.com"},
		{Name: "c", Domain: ".other.com"},
		{Name: "d", Domain: ""},
	})
	require.Len(t, grouped, 2)
	assert.Len(t, grouped["example.com"], 2)
	assert.Len(t, grouped["other.com"], 1)
}
