package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockInfo is the content of a running server's lock file: enough for a
// CLI client to find and authenticate against the right instance.
type LockInfo struct {
	Port      int    `json:"port"`
	PID       int    `json:"pid"`
	AuthToken string `json:"authToken"`
	Root      string `json:"root"`
}

// LockFile guards one project root against more than one server instance,
// using the same github.com/gofrs/flock exclusive-lock idiom as
// internal/embed's model-download lock.
type LockFile struct {
	path  string
	flock *flock.Flock
}

// NewLockFile returns a LockFile for the given path (conventionally
// <root>/.osgrep/server.lock).
func NewLockFile(path string) *LockFile {
	return &LockFile{path: path, flock: flock.New(path)}
}

// Path returns the lock file's path.
func (l *LockFile) Path() string {
	return l.path
}

// TryAcquire attempts to take the exclusive lock without blocking, then
// writes info as the lock file's contents. Returns false without error if
// another process already holds the lock.
func (l *LockFile) TryAcquire(info LockInfo) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("create lock directory: %w", err)
	}

	acquired, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		return false, nil
	}

	if err := l.write(info); err != nil {
		_ = l.flock.Unlock()
		return false, err
	}
	return true, nil
}

func (l *LockFile) write(info LockInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("encode lock info: %w", err)
	}
	// Written in place, not via rename: the flock is held on this inode,
	// and swapping the file out from under it would let a second server
	// lock the replacement.
	if err := os.WriteFile(l.path, data, 0o600); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	return nil
}

// Release releases the lock and removes the lock file.
func (l *LockFile) Release() error {
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return os.Remove(l.path)
}

// ReadLockFile reads an existing lock file's contents without acquiring
// the lock, for a CLI client discovering a running server.
func ReadLockFile(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lock file: %w", err)
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode lock file: %w", err)
	}
	return &info, nil
}
