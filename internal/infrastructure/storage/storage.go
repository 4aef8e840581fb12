package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Storage configuration constants.
const (
	// dirPermissions is the permission mode for the .storage directory.
	dirPermissions = 0750

	// filePermissions is the permission mode for storage files.
	filePermissions = 0600

	// storageDirName is the directory under the data dir holding all
	// storage files.
	storageDirName = ".storage"
)

// Domain errors for the storage package.
var (
	// ErrClosed is returned when writing through a closed store.
	ErrClosed = errors.New("storage: store closed")

	// ErrCorrupt is returned when a storage file cannot be decoded.
	ErrCorrupt = errors.New("storage: corrupt file")
)

// Logger defines the logging interface used by the Store.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Stored is the decoded envelope of one storage file.
type Stored struct {
	Version      int             `json:"version"`
	MinorVersion int             `json:"minor_version"`
	Key          string          `json:"key"`
	Data         json.RawMessage `json:"data"`
}

// SaveProvider produces the current payload for a delayed save. It is
// called on the save goroutine when the debounce window elapses.
type SaveProvider func() (version, minorVersion int, data any)

// Store persists versioned JSON documents, one file per key.
//
// Thread Safety: all methods are safe for concurrent use. Writes to
// the same key are serialized; writes to different keys proceed
// independently.
type Store struct {
	dir    string
	logger Logger

	mu      sync.Mutex
	pending map[string]*pendingSave
	keyLock map[string]*sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

// pendingSave is a debounced save waiting for its window to elapse.
type pendingSave struct {
	timer    *time.Timer
	provider SaveProvider
}

// NewStore creates a store rooted at <dataDir>/.storage, creating the
// directory if needed.
func NewStore(dataDir string, logger Logger) (*Store, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	dir := filepath.Join(dataDir, storageDirName)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &Store{
		dir:     dir,
		logger:  logger,
		pending: make(map[string]*pendingSave),
		keyLock: make(map[string]*sync.Mutex),
	}, nil
}

// Load reads the stored envelope for key. A missing file is not an
// error: it returns (nil, nil) so callers treat it as empty.
func (s *Store) Load(key string) (*Stored, error) {
	raw, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}

	var stored Stored
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return &stored, nil
}

// Write persists data for key immediately and atomically. Any pending
// delayed save for the key is cancelled, since this write supersedes
// it.
func (s *Store) Write(key string, version, minorVersion int, data any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if p, ok := s.pending[key]; ok {
		p.timer.Stop()
		delete(s.pending, key)
	}
	lock := s.lockForKey(key)
	s.mu.Unlock()

	return s.writeLocked(lock, key, version, minorVersion, data)
}

// Delay schedules a debounced save for key. If a save for the same
// key is already queued, the new provider supersedes it and the
// window restarts. The provider runs when the window elapses, so it
// observes the latest data.
func (s *Store) Delay(key string, window time.Duration, provider SaveProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Warn("delayed save on closed store", "key", key)
		return
	}

	if p, ok := s.pending[key]; ok {
		p.timer.Stop()
		p.provider = provider
		p.timer.Reset(window)
		return
	}

	p := &pendingSave{provider: provider}
	p.timer = time.AfterFunc(window, func() {
		s.firePending(key)
	})
	s.pending[key] = p
}

// firePending performs the delayed save for key, if still queued.
func (s *Store) firePending(key string) {
	s.mu.Lock()
	p, ok := s.pending[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	lock := s.lockForKey(key)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	version, minor, data := p.provider()
	if err := s.writeLocked(lock, key, version, minor, data); err != nil {
		s.logger.Error("delayed save failed", "key", key, "error", err)
	}
}

// Close flushes every pending delayed save and rejects further
// writes.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var flush []struct {
		key  string
		p    *pendingSave
		lock *sync.Mutex
	}
	for key, p := range s.pending {
		p.timer.Stop()
		flush = append(flush, struct {
			key  string
			p    *pendingSave
			lock *sync.Mutex
		}{key, p, s.lockForKey(key)})
	}
	s.pending = make(map[string]*pendingSave)
	s.mu.Unlock()

	var firstErr error
	for _, f := range flush {
		version, minor, data := f.p.provider()
		if err := s.writeLocked(f.lock, f.key, version, minor, data); err != nil {
			s.logger.Error("flush on close failed", "key", f.key, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	// Wait for in-flight timer-driven saves.
	s.wg.Wait()
	return firstErr
}

// writeLocked serializes writes per key and performs the atomic
// write-fsync-rename sequence.
func (s *Store) writeLocked(lock *sync.Mutex, key string, version, minorVersion int, data any) error {
	lock.Lock()
	defer lock.Unlock()

	envelope := struct {
		Version      int    `json:"version"`
		MinorVersion int    `json:"minor_version"`
		Key          string `json:"key"`
		Data         any    `json:"data"`
	}{version, minorVersion, key, data}

	raw, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}

	path := s.path(key)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePermissions)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}

	s.logger.Debug("storage key written", "key", key, "bytes", len(raw))
	return nil
}

// lockForKey returns the per-key write mutex, creating it on first
// use. Caller must hold s.mu.
func (s *Store) lockForKey(key string) *sync.Mutex {
	lock, ok := s.keyLock[key]
	if !ok {
		lock = &sync.Mutex{}
		s.keyLock[key] = lock
	}
	return lock
}

// path maps a storage key to its file path.
func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key)
}
