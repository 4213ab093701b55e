package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// HolderInfo identifies the process that holds a resume lock.
type HolderInfo struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
	SessionID  string    `json:"session_id"`
}

// HeldError is returned when a resume lock is already held by a live
// process. It names the holder so the operator can decide what to do.
type HeldError struct {
	Holder HolderInfo
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("resume already in progress for session %s: held by pid %d on %s since %s",
		e.Holder.SessionID, e.Holder.PID, e.Holder.Hostname,
		e.Holder.AcquiredAt.Format(time.RFC3339))
}

// ResumeLock is a file-backed lock scoped to one resume operation. The
// holder cannot release it after a crash, so staleness is detected by the
// next acquirer: if the recorded pid is no longer alive on this host, the
// lock is reclaimed.
type ResumeLock struct {
	path   string
	holder HolderInfo
}

// AcquireResume takes the resume lock at path for sessionID. A second
// acquisition against a live holder fails immediately with *HeldError.
// Release the returned lock on every exit path (defer).
func AcquireResume(path, sessionID string) (*ResumeLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	holder := HolderInfo{
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: time.Now().UTC(),
		SessionID:  sessionID,
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			if werr := writeHolder(f, holder); werr != nil {
				f.Close()
				os.Remove(path)
				return nil, werr
			}
			if cerr := f.Close(); cerr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("close lock file: %w", cerr)
			}
			return &ResumeLock{path: path, holder: holder}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		existing, rerr := readHolder(path)
		if rerr != nil {
			if os.IsNotExist(rerr) {
				// Lock vanished between create and read; retry the
				// exclusive create.
				continue
			}
			// Corrupt lock file counts as stale.
			return reclaim(path, holder)
		}

		if holderAlive(existing, hostname) {
			return nil, &HeldError{Holder: existing}
		}

		return reclaim(path, holder)
	}

	return nil, fmt.Errorf("lock file %s contested during stale reclamation", path)
}

// reclaim replaces a stale lock by renaming a freshly written file over it.
// The rename keeps the path occupied throughout, so two reclaimers racing on
// the same dead holder cannot delete each other's new lock; whoever renames
// last holds the lock and the re-read tells the loser who won.
func reclaim(path string, holder HolderInfo) (*ResumeLock, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".resume-lock-*")
	if err != nil {
		return nil, fmt.Errorf("write reclaimed lock: %w", err)
	}
	if werr := writeHolder(tmp, holder); werr != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, werr
	}
	if cerr := tmp.Close(); cerr != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("close reclaimed lock: %w", cerr)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("reclaim stale lock: %w", err)
	}

	current, err := readHolder(path)
	if err != nil {
		return nil, fmt.Errorf("verify reclaimed lock: %w", err)
	}
	if !sameHolder(current, holder) {
		return nil, &HeldError{Holder: current}
	}
	return &ResumeLock{path: path, holder: holder}, nil
}

func sameHolder(a, b HolderInfo) bool {
	return a.PID == b.PID && a.Hostname == b.Hostname &&
		a.SessionID == b.SessionID && a.AcquiredAt.Equal(b.AcquiredAt)
}

// Release removes the lock file. Safe to call more than once.
func (l *ResumeLock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release resume lock: %w", err)
	}
	return nil
}

// Holder returns the identity recorded in the lock.
func (l *ResumeLock) Holder() HolderInfo {
	return l.holder
}

func writeHolder(f *os.File, h HolderInfo) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock holder: %w", err)
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write lock holder: %w", err)
	}
	return f.Sync()
}

func readHolder(path string) (HolderInfo, error) {
	var h HolderInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return h, fmt.Errorf("parse lock file %s: %w", path, err)
	}
	return h, nil
}

// holderAlive reports whether the recorded holder still runs. Liveness can
// only be probed on the same host; a lock held from a different hostname is
// assumed live and never reclaimed automatically.
func holderAlive(h HolderInfo, localHostname string) bool {
	if h.Hostname != localHostname {
		return true
	}
	return processAlive(h.PID)
}
