package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adguardsync/internal/rewrite"
	"adguardsync/pkg/logging"
)

func init() {
	logging.EnsureInitialized()
}

func testState(domains ...string) rewrite.ManagedState {
	now := time.Now().UTC()
	state := rewrite.ManagedState{}
	for _, domain := range domains {
		state[domain] = rewrite.ManagedRecord{
			Rule:       rewrite.Rule{Domain: domain, Answer: "10.0.0.1"},
			CreatedAt:  now,
			LastSeenAt: now,
		}
	}
	return state
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "managed_rules.json"), 3, time.Second)
}

func TestStore_LoadMissingFile(t *testing.T) {
	s := newTestStore(t)

	state, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, state)
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	saved := testState("a.example.com", "b.example.com")
	require.NoError(t, s.Save(ctx, saved))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "10.0.0.1", loaded["a.example.com"].Rule.Answer)
}

func TestStore_SaveIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, testState("a.example.com")))
	require.NoError(t, s.Save(ctx, testState("a.example.com", "b.example.com")))

	// No temporary files may survive a completed save.
	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ".tmp-", "stray temporary file %s", entry.Name())
	}
}

func TestStore_CrashBeforeRenameLeavesStateIntact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, testState("a.example.com")))

	// Simulate a crash between writing the temporary file and renaming it
	// into place: a half-written temp file sits next to the state file.
	stray := s.Path() + ".tmp-1234"
	require.NoError(t, os.WriteFile(stray, []byte(`{"version":1,"rules":[`), 0o644))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Contains(t, loaded, "a.example.com")
	assert.Equal(t, "10.0.0.1", loaded["a.example.com"].Rule.Answer)
}

func TestStore_CorruptFileFallsBackToBackup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, testState("a.example.com")))
	require.NoError(t, s.Save(ctx, testState("a.example.com", "b.example.com")))

	// Clobber the main file; the previous save is in backup slot 1.
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o644))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Contains(t, loaded, "a.example.com")

	// The corrupt file is quarantined, not deleted.
	matches, err := filepath.Glob(s.Path() + ".corrupt.*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestStore_CorruptFileNoBackupsYieldsEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))
	require.NoError(t, os.WriteFile(s.Path(), []byte("garbage"), 0o644))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestStore_UnsupportedVersionTreatedAsCorrupt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	file := map[string]interface{}{"version": 99, "rules": []interface{}{}}
	data, err := json.Marshal(file)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(), data, 0o644))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestStore_BackupRotationKeepsAtMostMax(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, s.Save(ctx, testState("a.example.com")))
	}

	for i := 1; i <= 3; i++ {
		_, err := os.Stat(fmt.Sprintf("%s.%d", s.Path(), i))
		assert.NoError(t, err, "expected backup slot %d to exist", i)
	}
	_, err := os.Stat(s.Path() + ".4")
	assert.True(t, os.IsNotExist(err), "backup slot beyond max must not exist")
}

func TestStore_LockContentionTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "managed_rules.json")
	first := New(path, 3, 50*time.Millisecond)
	second := New(path, 3, 50*time.Millisecond)
	ctx := context.Background()

	unlock, err := first.acquireLock(ctx)
	require.NoError(t, err)
	defer unlock()

	_, err = second.Load(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockTimeout), "expected ErrLockTimeout, got %v", err)
}

func TestStore_SkipsEntriesWithEmptyDomain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	file := stateFile{
		Version: formatVersion,
		Rules: []rewrite.ManagedRecord{
			{Rule: rewrite.Rule{Domain: "", Answer: "10.0.0.1"}, CreatedAt: now, LastSeenAt: now},
			{Rule: rewrite.Rule{Domain: "a.example.com", Answer: "10.0.0.2"}, CreatedAt: now, LastSeenAt: now},
		},
		LastSyncAt: now,
	}
	data, err := json.Marshal(file)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(), data, 0o644))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Contains(t, loaded, "a.example.com")
}
