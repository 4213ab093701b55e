package lock

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func lockPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "ses_0000000001_abcdef01.lock")
}

func TestAcquireResumeExclusive(t *testing.T) {
	path := lockPath(t)

	first, err := AcquireResume(path, "ses-1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer first.Release()

	_, err = AcquireResume(path, "ses-1")
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("second acquire error = %v, want *HeldError", err)
	}
	if held.Holder.PID != os.Getpid() {
		t.Errorf("holder pid = %d, want %d", held.Holder.PID, os.Getpid())
	}
	if held.Holder.SessionID != "ses-1" {
		t.Errorf("holder session = %q, want ses-1", held.Holder.SessionID)
	}
}

func TestAcquireResumeAfterRelease(t *testing.T) {
	path := lockPath(t)

	first, err := AcquireResume(path, "ses-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Release is idempotent.
	if err := first.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}

	second, err := AcquireResume(path, "ses-1")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	second.Release()
}

func TestAcquireResumeReclaimsStaleLock(t *testing.T) {
	path := lockPath(t)

	hostname, _ := os.Hostname()
	// A pid far above pid_max that cannot be a live process.
	stale := HolderInfo{PID: 1 << 30, Hostname: hostname, AcquiredAt: time.Now().UTC(), SessionID: "ses-1"}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	l, err := AcquireResume(path, "ses-1")
	if err != nil {
		t.Fatalf("acquire over stale lock: %v", err)
	}
	defer l.Release()

	if l.Holder().PID != os.Getpid() {
		t.Errorf("holder pid = %d, want reclaiming pid %d", l.Holder().PID, os.Getpid())
	}
}

func TestStaleReclaimWritesNewHolder(t *testing.T) {
	path := lockPath(t)

	hostname, _ := os.Hostname()
	stale := HolderInfo{PID: 1 << 30, Hostname: hostname, AcquiredAt: time.Now().UTC(), SessionID: "ses-1"}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	l, err := AcquireResume(path, "ses-1")
	if err != nil {
		t.Fatalf("acquire over stale lock: %v", err)
	}
	defer l.Release()

	onDisk, err := readHolder(path)
	if err != nil {
		t.Fatalf("read reclaimed lock: %v", err)
	}
	if !sameHolder(onDisk, l.Holder()) {
		t.Errorf("lock file holder = %+v, want reclaimer %+v", onDisk, l.Holder())
	}

	// A later acquirer must see the live reclaimer, not the stale entry.
	_, err = AcquireResume(path, "ses-1")
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("second acquire error = %v, want *HeldError", err)
	}
	if !sameHolder(held.Holder, l.Holder()) {
		t.Errorf("held by %+v, want reclaimer %+v", held.Holder, l.Holder())
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("lock dir has %d entries after reclaim, want just the lock", len(entries))
	}
}

func TestConcurrentStaleReclaim(t *testing.T) {
	path := lockPath(t)

	hostname, _ := os.Hostname()
	stale := HolderInfo{PID: 1 << 30, Hostname: hostname, AcquiredAt: time.Now().UTC(), SessionID: "ses-1"}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []*ResumeLock
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := AcquireResume(path, "ses-1")
			if err != nil {
				var held *HeldError
				if !errors.As(err, &held) {
					t.Errorf("acquire error = %v, want *HeldError", err)
				}
				return
			}
			mu.Lock()
			winners = append(winners, l)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(winners) == 0 {
		t.Fatal("no acquirer reclaimed the stale lock")
	}

	// Reclaiming replaces the file in place; the path must stay occupied
	// through the whole race so no acquirer ever finds it missing.
	if _, err := os.Stat(path); err != nil {
		t.Errorf("lock file missing after reclaim race: %v", err)
	}
	if _, err := readHolder(path); err != nil {
		t.Errorf("lock file unreadable after reclaim race: %v", err)
	}
	for _, l := range winners {
		l.Release()
	}
}

func TestAcquireResumeRespectsRemoteHolder(t *testing.T) {
	path := lockPath(t)

	remote := HolderInfo{PID: 1 << 30, Hostname: "some-other-host", AcquiredAt: time.Now().UTC(), SessionID: "ses-1"}
	data, _ := json.Marshal(remote)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := AcquireResume(path, "ses-1")
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("error = %v, want *HeldError for remote holder", err)
	}
}

func TestAcquireResumeReclaimsCorruptLock(t *testing.T) {
	path := lockPath(t)
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	l, err := AcquireResume(path, "ses-1")
	if err != nil {
		t.Fatalf("acquire over corrupt lock: %v", err)
	}
	l.Release()
}

func TestHeldErrorMessage(t *testing.T) {
	err := &HeldError{Holder: HolderInfo{
		PID:        4242,
		Hostname:   "build-03",
		AcquiredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		SessionID:  "ses-1",
	}}
	msg := err.Error()
	for _, want := range []string{"ses-1", "4242", "build-03"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message %q missing %q", msg, want)
		}
	}
}

func TestMutexMapSerializesPerKey(t *testing.T) {
	m := NewMutexMap()
	var counter int

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("k")
			counter++
			m.Unlock("k")
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
}
