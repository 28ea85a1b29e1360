// internal/credstore/filestore.go
package credstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FileStore keeps one JSON file per (session, domain) record under a flat
// directory. Writes go through a temp file and rename so readers never see a
// partial record; unreadable files are quarantined aside, never deleted.
type FileStore struct {
	dir    string
	logger *zap.Logger
}

// NewFileStore creates the storage directory if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("store directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return &FileStore{dir: dir, logger: logger.Named("filestore")}, nil
}

// sanitize maps identifier characters unsafe in filenames to underscores.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

func (f *FileStore) path(sessionID, domain string) string {
	return filepath.Join(f.dir, sanitize(sessionID)+"@"+sanitize(domain)+".json")
}

// Save writes the record atomically. A failed rename is retried once after
// removing the destination, which clears the common cross-device and
// stale-destination failure modes on network filesystems.
func (f *FileStore) Save(ctx context.Context, record *schemas.CredentialRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	dest := f.path(record.SessionID, record.Domain)
	tmp, err := os.CreateTemp(f.dir, ".cred-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(dest)
		if retryErr := os.Rename(tmpName, dest); retryErr != nil {
			os.Remove(tmpName)
			return fmt.Errorf("renaming into place: %w", retryErr)
		}
	}
	return nil
}

// Load reads the record for (sessionID, domain). Absence is (nil, nil). A
// file that cannot be parsed is renamed aside with a .corrupt suffix and
// reported as absent so the caller can re-authenticate.
func (f *FileStore) Load(ctx context.Context, sessionID, domain string) (*schemas.CredentialRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := f.path(sessionID, domain)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading record: %w", err)
	}

	var record schemas.CredentialRecord
	if err := json.Unmarshal(data, &record); err != nil {
		f.quarantine(path, err)
		return nil, nil
	}
	return &record, nil
}

// Delete removes the record file. Deleting an absent record succeeds.
func (f *FileStore) Delete(ctx context.Context, sessionID, domain string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(f.path(sessionID, domain))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing record: %w", err)
	}
	return nil
}

// List parses every record file in the directory, skipping (and
// quarantining) unreadable ones.
func (f *FileStore) List(ctx context.Context) ([]*schemas.CredentialRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("reading store directory: %w", err)
	}

	var records []*schemas.CredentialRecord
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(f.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			f.logger.Warn("Skipping unreadable record file.",
				zap.String("path", path), zap.Error(err))
			continue
		}
		var record schemas.CredentialRecord
		if err := json.Unmarshal(data, &record); err != nil {
			f.quarantine(path, err)
			continue
		}
		records = append(records, &record)
	}
	return records, nil
}

// Close is a no-op for the file backend.
func (f *FileStore) Close() error { return nil }

// quarantine renames a damaged file aside so the evidence survives while the
// slot is freed for a fresh save.
func (f *FileStore) quarantine(path string, cause error) {
	aside := path + ".corrupt." + time.Now().UTC().Format("20060102T150405")
	if err := os.Rename(path, aside); err != nil {
		f.logger.Error("Failed to quarantine corrupt record file.",
			zap.String("path", path), zap.Error(err))
		return
	}
	f.logger.Warn("Quarantined corrupt record file.",
		zap.String("path", path), zap.String("moved_to", aside),
		zap.NamedError("cause", fmt.Errorf("%w: %v", schemas.ErrCredentialCorrupt, cause)))
}
