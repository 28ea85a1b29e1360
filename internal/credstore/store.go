// internal/credstore/store.go

// Package credstore persists browser credentials per (session, domain) so
// authenticated state survives context loss and process restarts. A Store
// layers write throttling, concurrent-save collapsing, and the marker
// overwrite policy over a pluggable Backend.
package credstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
	"github.com/xkilldash9x/marionette-cli/internal/config"
)

// Backend is the durable layer beneath a Store. Load returns (nil, nil) when
// no record exists; corrupt data is quarantined by the backend and also
// reported as absent.
type Backend interface {
	Save(ctx context.Context, record *schemas.CredentialRecord) error
	Load(ctx context.Context, sessionID, domain string) (*schemas.CredentialRecord, error)
	Delete(ctx context.Context, sessionID, domain string) error
	List(ctx context.Context) ([]*schemas.CredentialRecord, error)
	Close() error
}

// Store is the credential persistence facade used by the session pool, the
// auth probe, and the CLI.
type Store struct {
	backend Backend
	logger  *zap.Logger

	minSaveInterval time.Duration
	maxAge          time.Duration
	marker          string
	writeTimeout    time.Duration

	group singleflight.Group

	mu        sync.Mutex
	lastSaved map[string]time.Time
}

// New builds a Store over the given backend. Use NewBackend to select the
// backend from configuration.
func New(cfg config.StoreConfig, backend Backend, logger *zap.Logger) *Store {
	return &Store{
		backend:         backend,
		logger:          logger.Named("credstore"),
		minSaveInterval: cfg.MinSaveInterval,
		maxAge:          cfg.MaxAge,
		marker:          cfg.MarkerCredential,
		writeTimeout:    cfg.WriteTimeout,
		lastSaved:       make(map[string]time.Time),
	}
}

func saveKey(sessionID, domain string) string {
	return sessionID + "\x00" + domain
}

// Save persists creds for (sessionID, domain). Writes within the throttle
// window of the previous attempt are skipped silently, and concurrent saves
// for the same key collapse into one write. The throttle timestamp is
// recorded before the write so a failing backend cannot cause a tight retry
// storm.
func (s *Store) Save(ctx context.Context, sessionID, domain string, creds []schemas.Credential) error {
	if sessionID == "" || domain == "" {
		return fmt.Errorf("save requires a session id and domain")
	}

	key := saveKey(sessionID, domain)

	s.mu.Lock()
	last, seen := s.lastSaved[key]
	if seen && time.Since(last) < s.minSaveInterval {
		s.mu.Unlock()
		s.logger.Debug("Save throttled.",
			zap.String("session_id", sessionID), zap.String("domain", domain))
		return nil
	}
	s.lastSaved[key] = time.Now()
	s.mu.Unlock()

	_, err, _ := s.group.Do(key, func() (any, error) {
		return nil, s.doSave(ctx, sessionID, domain, creds)
	})
	if err != nil {
		return &schemas.CredentialWriteError{SessionID: sessionID, Domain: domain, Err: err}
	}
	return nil
}

func (s *Store) doSave(ctx context.Context, sessionID, domain string, creds []schemas.Credential) error {
	if s.marker != "" {
		keep, err := s.markerProtects(ctx, sessionID, domain, creds)
		if err != nil {
			return err
		}
		if keep {
			s.logger.Info("Refusing to overwrite marked record with unmarked credentials.",
				zap.String("session_id", sessionID), zap.String("domain", domain),
				zap.String("marker", s.marker))
			return nil
		}
	}

	record := &schemas.CredentialRecord{
		SessionID:   sessionID,
		Domain:      domain,
		Timestamp:   time.Now().UTC(),
		Credentials: creds,
	}

	writeCtx := ctx
	if s.writeTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
	}

	if err := s.backend.Save(writeCtx, record); err != nil {
		return err
	}

	s.logger.Debug("Credentials saved.",
		zap.String("session_id", sessionID), zap.String("domain", domain),
		zap.Int("count", len(creds)))
	return nil
}

// markerProtects reports whether the existing record carries the marker
// credential while the incoming set does not. Such a downgrade usually means
// the browser was mid-logout or mid-redirect when the snapshot was taken.
func (s *Store) markerProtects(ctx context.Context, sessionID, domain string, incoming []schemas.Credential) (bool, error) {
	existing, err := s.backend.Load(ctx, sessionID, domain)
	if err != nil || existing == nil {
		return false, err
	}
	if !existing.HasCredential(s.marker) {
		return false, nil
	}
	for _, c := range incoming {
		if c.Name == s.marker {
			return false, nil
		}
	}
	return true, nil
}

// Load returns the stored record for (sessionID, domain), or (nil, nil) when
// none exists or the stored record is older than the configured max age.
func (s *Store) Load(ctx context.Context, sessionID, domain string) (*schemas.CredentialRecord, error) {
	record, err := s.backend.Load(ctx, sessionID, domain)
	if err != nil || record == nil {
		return nil, err
	}
	if s.expired(record) {
		s.logger.Debug("Stored record past max age; treating as absent.",
			zap.String("session_id", sessionID), zap.String("domain", domain),
			zap.Time("saved_at", record.Timestamp))
		return nil, nil
	}
	return record, nil
}

// LoadAll merges every unexpired record for sessionID across domains, for
// restoring a recreated browsing context in one shot.
func (s *Store) LoadAll(ctx context.Context, sessionID string) ([]schemas.Credential, error) {
	records, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	var creds []schemas.Credential
	for _, r := range records {
		if r.SessionID != sessionID || s.expired(r) {
			continue
		}
		creds = append(creds, r.Credentials...)
	}
	return creds, nil
}

// Clear removes the stored record for (sessionID, domain). Clearing an absent
// record is not an error.
func (s *Store) Clear(ctx context.Context, sessionID, domain string) error {
	s.mu.Lock()
	delete(s.lastSaved, saveKey(sessionID, domain))
	s.mu.Unlock()
	return s.backend.Delete(ctx, sessionID, domain)
}

// List summarizes every stored record, newest first. Expired records are
// included so operators can see (and clear) stale state.
func (s *Store) List(ctx context.Context) ([]schemas.SessionSummary, error) {
	records, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]schemas.SessionSummary, 0, len(records))
	for _, r := range records {
		summaries = append(summaries, schemas.SessionSummary{
			SessionID: r.SessionID,
			Domain:    r.Domain,
			SavedAt:   r.Timestamp,
			HasMarker: s.marker != "" && r.HasCredential(s.marker),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].SavedAt.After(summaries[j].SavedAt)
	})
	return summaries, nil
}

// Close releases backend resources.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) expired(r *schemas.CredentialRecord) bool {
	return s.maxAge > 0 && time.Since(r.Timestamp) > s.maxAge
}

// NewBackend selects the backend from configuration: a Postgres DSN takes
// precedence over the default file backend.
func NewBackend(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Backend, error) {
	if strings.TrimSpace(cfg.DSN) != "" {
		return NewPGStore(ctx, cfg.DSN, logger)
	}
	return NewFileStore(cfg.Dir, logger)
}
