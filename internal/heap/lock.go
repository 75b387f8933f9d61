package heap

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// lockInfo is the JSON body of the lock file, enough to tell a live owner
// from a stale one and to identify the run in error messages.
type lockInfo struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
}

type lockFile struct {
	path string
}

// acquireLock claims <path>.lock with O_EXCL so a competing process opening
// the same heap fails fast instead of corrupting state. A lock whose owner
// process is gone (same host) is considered stale and broken.
func acquireLock(path string) (*lockFile, error) {
	lockPath := path + ".lock"

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			hostname, _ := os.Hostname()
			info := lockInfo{
				PID:       os.Getpid(),
				Hostname:  hostname,
				RunID:     uuid.NewString(),
				StartedAt: time.Now().UTC(),
			}
			enc := json.NewEncoder(f)
			if err := enc.Encode(info); err != nil {
				f.Close()
				os.Remove(lockPath)
				return nil, fmt.Errorf("write lock file: %w", err)
			}
			if err := f.Close(); err != nil {
				os.Remove(lockPath)
				return nil, fmt.Errorf("close lock file: %w", err)
			}
			return &lockFile{path: lockPath}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		info, readErr := readLockInfo(lockPath)
		if readErr == nil && lockIsLive(info) {
			return nil, fmt.Errorf("%w: held by pid %d on %s since %s",
				ErrLocked, info.PID, info.Hostname,
				info.StartedAt.Format(time.RFC3339))
		}

		log.Printf("[Heap] Breaking stale lock at %s", lockPath)
		if err := os.Remove(lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
	}
	return nil, ErrLocked
}

func (l *lockFile) release() {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[Heap] Failed to remove lock file %s: %v", l.path, err)
	}
}

func readLockInfo(path string) (lockInfo, error) {
	var info lockInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	err = json.Unmarshal(data, &info)
	return info, err
}

// lockIsLive reports whether the lock owner is still running. A lock from
// another host cannot be probed and is always treated as live.
func lockIsLive(info lockInfo) bool {
	hostname, _ := os.Hostname()
	if info.Hostname != hostname {
		return true
	}
	if info.PID <= 0 {
		return false
	}
	return syscall.Kill(info.PID, 0) == nil
}
