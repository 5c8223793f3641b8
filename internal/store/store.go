package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"adguardsync/internal/rewrite"
	"adguardsync/pkg/logging"
)

// formatVersion is the persisted file format. Files with another version are
// treated as corrupt and recovered from backups.
const formatVersion = 1

// lockRetryInterval is how often an advisory lock acquisition is retried
// within the bounded wait.
const lockRetryInterval = 100 * time.Millisecond

// ErrLockTimeout is returned when the state file lock cannot be acquired
// within the configured wait.
var ErrLockTimeout = errors.New("timed out waiting for state file lock")

// stateFile is the on-disk representation of the managed rule set.
type stateFile struct {
	Version    int                     `json:"version"`
	Rules      []rewrite.ManagedRecord `json:"rules"`
	LastSyncAt time.Time               `json:"lastSyncAt"`
}

// Store persists the managed rule state as a JSON file.
//
// Saves are atomic: content is written to a temporary file in the same
// directory and renamed into place, so a crash mid-write leaves the
// previous file intact. Before each save the current file is rotated into
// numbered backups (<path>.1 newest through <path>.<maxBackups> oldest).
// Load fails soft: a missing or corrupt file falls back to the newest valid
// backup, or to empty state, and never crashes the process.
//
// An advisory file lock guards against a second writer, with a bounded wait
// so contention surfaces as ErrLockTimeout instead of blocking forever.
type Store struct {
	path        string
	maxBackups  int
	lockTimeout time.Duration
	lock        *flock.Flock
}

// New creates a store persisting to path.
func New(path string, maxBackups int, lockTimeout time.Duration) *Store {
	return &Store{
		path:        path,
		maxBackups:  maxBackups,
		lockTimeout: lockTimeout,
		lock:        flock.New(path + ".lock"),
	}
}

// Load reads the managed state. Missing and corrupt files degrade to backup
// recovery and finally to empty state; the only hard failure is lock
// contention.
func (s *Store) Load(ctx context.Context) (rewrite.ManagedState, error) {
	unlock, err := s.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	state, err := s.readFile(s.path)
	if err == nil {
		logging.Info("Store", "Loaded %d managed rules from %s", len(state), s.path)
		return state, nil
	}
	if os.IsNotExist(err) {
		logging.Info("Store", "No state file at %s, starting with empty managed state", s.path)
		return rewrite.ManagedState{}, nil
	}

	logging.Warn("Store", "State file %s unreadable (%v), trying backups", s.path, err)
	s.quarantine(s.path)

	for i := 1; i <= s.maxBackups; i++ {
		backup := s.backupPath(i)
		state, err := s.readFile(backup)
		if err != nil {
			if !os.IsNotExist(err) {
				logging.Warn("Store", "Backup %s unreadable: %v", backup, err)
			}
			continue
		}
		logging.Info("Store", "Recovered %d managed rules from backup %s", len(state), backup)
		return state, nil
	}

	logging.Warn("Store", "No valid state file or backup found, starting with empty managed state")
	return rewrite.ManagedState{}, nil
}

// Save writes the managed state atomically, rotating backups first.
func (s *Store) Save(ctx context.Context, state rewrite.ManagedState) error {
	unlock, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	if _, err := os.Stat(s.path); err == nil {
		s.rotateBackups()
	}

	file := stateFile{
		Version:    formatVersion,
		Rules:      make([]rewrite.ManagedRecord, 0, len(state)),
		LastSyncAt: time.Now().UTC(),
	}
	for _, record := range state {
		file.Rules = append(file.Rules, record)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	if err := s.writeAtomic(data); err != nil {
		return err
	}

	logging.Info("Store", "Saved %d managed rules to %s", len(state), s.path)
	return nil
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) acquireLock(ctx context.Context) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	ok, err := s.lock.TryLockContext(lockCtx, lockRetryInterval)
	if err != nil || !ok {
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("failed to acquire state file lock: %w", err)
		}
		return nil, ErrLockTimeout
	}

	return func() {
		if err := s.lock.Unlock(); err != nil {
			logging.Warn("Store", "Failed to release state file lock: %v", err)
		}
	}, nil
}

func (s *Store) readFile(path string) (rewrite.ManagedState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file stateFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("malformed state file: %w", err)
	}
	if file.Version != formatVersion {
		return nil, fmt.Errorf("unsupported state file version %d", file.Version)
	}

	state := make(rewrite.ManagedState, len(file.Rules))
	for _, record := range file.Rules {
		if record.Rule.Domain == "" {
			logging.Warn("Store", "Skipping state entry with empty domain")
			continue
		}
		state[record.Rule.Domain] = record
	}
	return state, nil
}

// quarantine moves a corrupt file aside so the next save starts clean while
// the bad content stays available for diagnosis.
func (s *Store) quarantine(path string) {
	target := fmt.Sprintf("%s.corrupt.%d", path, time.Now().Unix())
	if err := os.Rename(path, target); err != nil {
		logging.Warn("Store", "Failed to move corrupt file aside: %v", err)
		return
	}
	logging.Info("Store", "Moved corrupt state file to %s", target)
}

// rotateBackups shifts <path>.i to <path>.i+1, dropping the oldest, then
// copies the current file into slot 1.
func (s *Store) rotateBackups() {
	oldest := s.backupPath(s.maxBackups)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		logging.Warn("Store", "Failed to remove oldest backup %s: %v", oldest, err)
	}

	for i := s.maxBackups - 1; i >= 1; i-- {
		from := s.backupPath(i)
		to := s.backupPath(i + 1)
		if err := os.Rename(from, to); err != nil && !os.IsNotExist(err) {
			logging.Warn("Store", "Failed to rotate backup %s: %v", from, err)
		}
	}

	if err := copyFile(s.path, s.backupPath(1)); err != nil {
		logging.Warn("Store", "Failed to create backup of %s: %v", s.path, err)
	}
}

func (s *Store) backupPath(i int) string {
	return fmt.Sprintf("%s.%d", s.path, i)
}

// writeAtomic writes data to a temporary file in the target directory,
// fsyncs it and renames it into place.
func (s *Store) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary state file: %w", err)
	}
	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)
	if writeErr == nil {
		writeErr = tmp.Sync()
	}
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr == nil {
			writeErr = closeErr
		}
		return fmt.Errorf("failed to write temporary state file: %w", writeErr)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

func copyFile(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(to)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return dst.Sync()
}
