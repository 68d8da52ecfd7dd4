package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	lockFileName = "write.lock"
	syncLockName = "sync.lock"
	lockWait     = 5 * time.Second
	lockPollMin  = 5 * time.Millisecond
	lockPollMax  = 50 * time.Millisecond
)

var errLockHeld = errors.New("store is locked by another caisse process")

// storeLock serializes store writes between caisse processes, typically the
// daemon mid-cycle and a cashier ringing up a sale. It is an OS file lock, so
// a crashed holder releases it.
type storeLock struct {
	path string
	f    *os.File
}

// lockHolder is written into the lock file for diagnostics.
type lockHolder struct {
	PID     int       `json:"pid"`
	Command string    `json:"command"`
	Since   time.Time `json:"since"`
}

func newStoreLock(baseDir string) *storeLock {
	return &storeLock{path: filepath.Join(baseDir, dataDir, lockFileName)}
}

// newSyncLock is held for a whole sync cycle so only one process pushes
// the queue at a time. It is separate from the write lock, which a cycle
// takes and releases many times.
func newSyncLock(baseDir string) *storeLock {
	return &storeLock{path: filepath.Join(baseDir, dataDir, syncLockName)}
}

// lock waits up to wait for the lock, polling with a growing interval. A
// zero wait tries once; a negative wait waits until ctx is done.
func (l *storeLock) lock(ctx context.Context, wait time.Duration) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	var expired <-chan time.Time
	if wait >= 0 {
		deadline := time.NewTimer(wait)
		defer deadline.Stop()
		expired = deadline.C
	}
	poll := lockPollMin
	for {
		err := tryLock(f)
		if err == nil {
			l.f = f
			l.stamp()
			return nil
		}
		if !errors.Is(err, errLockHeld) {
			f.Close()
			return fmt.Errorf("lock %s: %w", l.path, err)
		}
		if wait == 0 {
			f.Close()
			return fmt.Errorf("%w: %s", errLockHeld, describeHolder(l.path))
		}

		select {
		case <-ctx.Done():
			f.Close()
			return fmt.Errorf("waiting for store lock: %w", ctx.Err())
		case <-expired:
			f.Close()
			return fmt.Errorf("%w after %v: %s", errLockHeld, wait, describeHolder(l.path))
		case <-time.After(poll):
		}
		poll = min(poll*2, lockPollMax)
	}
}

func (l *storeLock) unlock() {
	if l.f == nil {
		return
	}
	l.f.Truncate(0)
	unlockFile(l.f)
	l.f.Close()
	l.f = nil
}

func (l *storeLock) stamp() {
	cmd := filepath.Base(os.Args[0])
	if len(os.Args) > 1 {
		cmd += " " + os.Args[1]
	}
	data, _ := json.Marshal(lockHolder{PID: os.Getpid(), Command: cmd, Since: time.Now()})
	l.f.Truncate(0)
	l.f.WriteAt(data, 0)
}

// describeHolder names the process holding the lock at path, flagging
// holders that are no longer running.
func describeHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "holder unknown"
	}
	var h lockHolder
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &h); err != nil || h.PID == 0 {
		return "holder unknown"
	}
	desc := fmt.Sprintf("held by pid %d (%s) since %s", h.PID, h.Command, h.Since.Local().Format("15:04:05"))
	if !isProcessAlive(h.PID) {
		desc += ", process gone"
	}
	return desc
}
