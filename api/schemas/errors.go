// api/schemas/errors.go
package schemas

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions callers branch on with errors.Is.
var (
	// ErrCredentialCorrupt marks a stored record that failed validation. The
	// store quarantines the file and treats the record as absent; this error is
	// logged, never returned to request paths.
	ErrCredentialCorrupt = errors.New("credential record corrupt")

	// ErrWatcherAlreadyRunning is returned by Start for a (session, target)
	// pair that already has a standing loop.
	ErrWatcherAlreadyRunning = errors.New("watcher already running")

	// ErrWatcherNotFound is returned by Stop for an unknown watcher id.
	ErrWatcherNotFound = errors.New("watcher not found")

	// ErrVisionInconclusive marks a vision probe whose output could not be
	// trusted (parse failure, rate limit, transport error). Callers fall back
	// to the next cheaper signal, never to an implicit "authenticated".
	ErrVisionInconclusive = errors.New("vision probe inconclusive")
)

// EngineUnavailableError reports that the shared browser process cannot be
// started at all. It is fatal until remediated by an operator; acquire does not
// retry it.
type EngineUnavailableError struct {
	Hint string
	Err  error
}

func (e *EngineUnavailableError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("browser engine unavailable: %v (%s)", e.Err, e.Hint)
	}
	return fmt.Sprintf("browser engine unavailable: %v", e.Err)
}

func (e *EngineUnavailableError) Unwrap() error { return e.Err }

// SessionCreationError reports that an isolated browsing context could not be
// created for a session after the internal retry.
type SessionCreationError struct {
	SessionID string
	Err       error
}

func (e *SessionCreationError) Error() string {
	return fmt.Sprintf("failed to create session %q: %v", e.SessionID, e.Err)
}

func (e *SessionCreationError) Unwrap() error { return e.Err }

// CredentialWriteError reports a failed durable save. It is logged and
// swallowed by the request path; the operation that triggered the save
// proceeds without persisted credentials.
type CredentialWriteError struct {
	SessionID string
	Domain    string
	Err       error
}

func (e *CredentialWriteError) Error() string {
	return fmt.Sprintf("failed to persist credentials for %q/%q: %v", e.SessionID, e.Domain, e.Err)
}

func (e *CredentialWriteError) Unwrap() error { return e.Err }

// WatcherRunError wraps a failure inside one bounded watcher run. The standing
// loop backs off and retries instead of terminating.
type WatcherRunError struct {
	WatcherID string
	Attempt   int
	Err       error
}

func (e *WatcherRunError) Error() string {
	return fmt.Sprintf("watcher %s run failed (attempt %d): %v", e.WatcherID, e.Attempt, e.Err)
}

func (e *WatcherRunError) Unwrap() error { return e.Err }
