// api/schemas/schemas.go
package schemas

import (
	"time"
)

// Credential is one browser credential entry (a cookie or token cookie) as
// persisted by the credential store and restored into browsing contexts.
type Credential struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"` // Seconds since epoch; <= 0 means session cookie.
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// CredentialRecord is the durable per-(session, domain) snapshot written by the
// credential store. Readers treat records older than the configured max age as absent.
type CredentialRecord struct {
	SessionID   string       `json:"session_id"`
	Domain      string       `json:"domain"`
	Timestamp   time.Time    `json:"timestamp"`
	Credentials []Credential `json:"credentials"`
}

// HasCredential reports whether the record contains a credential with the given name.
func (r *CredentialRecord) HasCredential(name string) bool {
	for _, c := range r.Credentials {
		if c.Name == name {
			return true
		}
	}
	return false
}

// SessionSummary describes one stored credential record, as returned by the
// store's List operation.
type SessionSummary struct {
	SessionID string    `json:"session_id"`
	Domain    string    `json:"domain"`
	SavedAt   time.Time `json:"saved_at"`
	HasMarker bool      `json:"has_marker"`
}

// ItemRole classifies where a tail item originated.
type ItemRole string

const (
	// RoleExternal marks content produced by the remote party.
	RoleExternal ItemRole = "external"
	// RoleSelf marks content produced by the automated identity itself.
	RoleSelf ItemRole = "self"
	// RoleUnknown is used when the extraction strategy cannot classify the item.
	RoleUnknown ItemRole = "unknown"
)

// TailItem is one content item from a tail snapshot of the watched UI region.
// ID must be stable across re-renders of the same logical item; the extraction
// strategy is responsible for providing it (falling back to a text digest).
type TailItem struct {
	ID   string   `json:"id"`
	Role ItemRole `json:"role"`
	Text string   `json:"text"`
}

// WatchOutcome is the terminal state of a single bounded watcher run.
type WatchOutcome string

const (
	OutcomeNovel   WatchOutcome = "novel"
	OutcomeTimeout WatchOutcome = "timeout"
	OutcomeError   WatchOutcome = "error"
)

// WatchResult reports how a bounded watcher run ended.
type WatchResult struct {
	Outcome WatchOutcome `json:"outcome"`
	// Item is set when Outcome is OutcomeNovel.
	Item *TailItem `json:"item,omitempty"`
	// Baseline is the text of the last item seen, usable as the next run's reference.
	Baseline string        `json:"baseline,omitempty"`
	Polls    int           `json:"polls"`
	Elapsed  time.Duration `json:"elapsed"`
}

// WatcherInfo is the observable state of one standing watcher loop.
type WatcherInfo struct {
	WatcherID  string    `json:"watcher_id"`
	SessionID  string    `json:"session_id"`
	TargetURL  string    `json:"target_url"`
	Running    bool      `json:"running"`
	Runs       int       `json:"runs"`
	Detections int       `json:"detections"`
	StartedAt  time.Time `json:"started_at"`
}

// SessionInfo is the observable state of one pooled browsing session.
type SessionInfo struct {
	SessionID  string    `json:"session_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// Fingerprint is the deterministic browsing-context identity applied to every
// session so behavior is consistent across recreations.
type Fingerprint struct {
	ViewportWidth  int64   `mapstructure:"viewport_width" json:"viewport_width"`
	ViewportHeight int64   `mapstructure:"viewport_height" json:"viewport_height"`
	Locale         string  `mapstructure:"locale" json:"locale"`
	Timezone       string  `mapstructure:"timezone" json:"timezone"`
	Latitude       float64 `mapstructure:"latitude" json:"latitude"`
	Longitude      float64 `mapstructure:"longitude" json:"longitude"`
}

// DefaultFingerprint matches a commodity laptop profile.
var DefaultFingerprint = Fingerprint{
	ViewportWidth:  1366,
	ViewportHeight: 768,
	Locale:         "en-US",
	Timezone:       "UTC",
	Latitude:       40.7128,
	Longitude:      -74.0060,
}
