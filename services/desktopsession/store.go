package desktopsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MarcGrol/callconsole/lib/mylog"
	"github.com/MarcGrol/callconsole/lib/mytime"
)

const (
	DefaultFileTimeout = 5 * time.Second
	fileMode           = 0o600
	dirMode            = 0o700
)

// SessionStore never returns errors: failures are logged and reported as false or nil
//
//go:generate mockgen -source=store.go -package desktopsession -destination store_mock.go SessionStore
type SessionStore interface {
	SaveSession(c context.Context, session StoredSession) bool
	GetSession(c context.Context) *StoredSession
	ClearSession(c context.Context) bool
}

type Config struct {
	Path    string
	Timeout time.Duration
}

// FileStore keeps a single session in a json file. Writes replace the file atomically.
type FileStore struct {
	mutex   sync.Mutex
	path    string
	timeout time.Duration
	nower   mytime.Nower
	logger  mylog.Logger
}

func NewFileStore(cfg Config, nower mytime.Nower, logger mylog.Logger) *FileStore {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultFileTimeout
	}
	return &FileStore{
		path:    cfg.Path,
		timeout: timeout,
		nower:   nower,
		logger:  logger,
	}
}

func (s *FileStore) SaveSession(c context.Context, session StoredSession) bool {
	if !session.valid() {
		s.logger.Log(c, "", mylog.SeverityWarn, "Refusing to save session without access- or refresh-token")
		return false
	}

	jsonBytes, err := json.Marshal(sessionRecord{
		Session: session,
		SavedAt: s.nower.Now().UTC(),
	})
	if err != nil {
		s.logger.Log(c, "", mylog.SeverityError, "Error marshalling session: %s", err)
		return false
	}

	_, err = bounded(c, s, "save", func() (struct{}, error) {
		return struct{}{}, writeAtomic(s.path, jsonBytes)
	})
	if err != nil {
		s.logger.Log(c, "", mylog.SeverityError, "Error saving session: %s", err)
		return false
	}

	return true
}

func (s *FileStore) GetSession(c context.Context) *StoredSession {
	session, err := bounded(c, s, "read", func() (*StoredSession, error) {
		return s.readLocked(c)
	})
	if err != nil {
		s.logger.Log(c, "", mylog.SeverityError, "Error reading session: %s", err)
		return nil
	}

	return session
}

// readLocked must run under the store lock: a save may not slip in between reading a stale record and removing it
func (s *FileStore) readLocked(c context.Context) (*StoredSession, error) {
	jsonBytes, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	record := sessionRecord{}
	err = json.Unmarshal(jsonBytes, &record)
	if err != nil || !record.Session.valid() {
		s.logger.Log(c, "", mylog.SeverityWarn, "Discarding unreadable session")
		return nil, removeIfExists(s.path)
	}

	if record.Session.expired(s.nower.Now()) {
		s.logger.Log(c, "", mylog.SeverityInfo, "Discarding session that expired at %s", time.Unix(*record.Session.ExpiresAt, 0).UTC().Format(time.RFC3339))
		return nil, removeIfExists(s.path)
	}

	return &record.Session, nil
}

func (s *FileStore) ClearSession(c context.Context) bool {
	_, err := bounded(c, s, "clear", func() (struct{}, error) {
		return struct{}{}, removeIfExists(s.path)
	})
	if err != nil {
		s.logger.Log(c, "", mylog.SeverityError, "Error clearing session: %s", err)
		return false
	}

	return true
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

type outcome[T any] struct {
	value T
	err   error
}

// bounded runs f under the store lock and gives up waiting after the store timeout.
// An abandoned f still holds the lock until it completes, so later operations queue behind it.
func bounded[T any](c context.Context, s *FileStore, operation string, f func() (T, error)) (T, error) {
	c, cancel := context.WithTimeout(c, s.timeout)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		s.mutex.Lock()
		defer s.mutex.Unlock()

		value, err := f()
		done <- outcome[T]{value: value, err: err}
	}()

	select {
	case result := <-done:
		return result.value, result.err
	case <-c.Done():
		var zero T
		return zero, fmt.Errorf("session %s timed out after %s: %w", operation, s.timeout, c.Err())
	}
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	err := os.MkdirAll(dir, dirMode)
	if err != nil {
		return fmt.Errorf("error creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("error creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err != nil {
		return fmt.Errorf("error writing temp file: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("error closing temp file: %w", closeErr)
	}

	err = os.Chmod(tmpName, fileMode)
	if err != nil {
		return fmt.Errorf("error restricting temp file: %w", err)
	}

	err = os.Rename(tmpName, path)
	if err != nil {
		return fmt.Errorf("error replacing session file: %w", err)
	}

	return nil
}
