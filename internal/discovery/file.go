package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"adguardsync/pkg/logging"
)

// endpointsDocument is the on-disk shape of a file-mode endpoint list.
type endpointsDocument struct {
	Endpoints []Endpoint `yaml:"endpoints"`
}

// FileSource reads endpoints from a YAML file and watches it for changes.
//
// Intended for development and for environments without cluster access. The
// file holds an `endpoints:` list with kind/hostname/address entries.
type FileSource struct {
	mu sync.RWMutex

	path string

	watcher *fsnotify.Watcher
	notify  chan<- struct{}

	cancelFunc context.CancelFunc
	running    bool
}

// NewFileSource creates a file-backed endpoint source.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Snapshot parses the endpoints file. A missing file yields an empty
// snapshot rather than an error, matching a cluster with no exposed
// services.
func (s *FileSource) Snapshot(ctx context.Context) ([]Endpoint, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Debug("Discovery", "Endpoints file %s does not exist, empty snapshot", s.path)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read endpoints file %s: %w", s.path, err)
	}

	var doc endpointsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse endpoints file %s: %w", s.path, err)
	}

	return doc.Endpoints, nil
}

// Start watches the directory containing the endpoints file. The directory
// is watched rather than the file itself so atomic replace (write temp,
// rename) is still observed.
func (s *FileSource) Start(ctx context.Context, notify chan<- struct{}) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		s.mu.Unlock()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	var watchCtx context.Context
	watchCtx, s.cancelFunc = context.WithCancel(ctx)
	s.watcher = watcher
	s.notify = notify
	s.running = true
	s.mu.Unlock()

	go s.watchLoop(watchCtx)

	logging.Info("Discovery", "Started watching endpoints file %s", s.path)
	return nil
}

func (s *FileSource) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			s.signal()

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("Discovery", "File watcher error: %v", err)
		}
	}
}

func (s *FileSource) signal() {
	s.mu.RLock()
	notify := s.notify
	running := s.running
	s.mu.RUnlock()

	if !running || notify == nil {
		return
	}

	select {
	case notify <- struct{}{}:
		logging.Debug("Discovery", "Endpoints file changed")
	default:
	}
}

// Stop closes the watcher.
func (s *FileSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}

	logging.Info("Discovery", "Stopped file source")
	return nil
}

// Check verifies the endpoints file location is accessible. A missing file
// is healthy; an unreadable parent directory is not.
func (s *FileSource) Check(ctx context.Context) error {
	if _, err := os.Stat(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("endpoints file inaccessible: %w", err)
	}
	return nil
}
