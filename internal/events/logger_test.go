package events

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEmitFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := NewLogger("job_0000000001_deadbeef", path, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if err := l.Emit(Event{Type: AgentStarted, AgentID: "agt-1"}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	records, err := ReadAll(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	ev := records[0]
	if ev.JobID != "job_0000000001_deadbeef" {
		t.Errorf("job id = %q, want logger default", ev.JobID)
	}
	if ev.Timestamp.IsZero() {
		t.Error("timestamp not filled in")
	}
	if ev.AgentID != "agt-1" {
		t.Errorf("agent id = %q", ev.AgentID)
	}
}

func TestEmitPreservesExplicitFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := NewLogger("job-default", path, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := l.Emit(Event{Type: MergeCompleted, JobID: "job-explicit", Timestamp: ts}); err != nil {
		t.Fatal(err)
	}

	records, _ := ReadAll(path)
	if records[0].JobID != "job-explicit" {
		t.Errorf("explicit job id overwritten: %q", records[0].JobID)
	}
	if !records[0].Timestamp.Equal(ts) {
		t.Errorf("explicit timestamp overwritten: %v", records[0].Timestamp)
	}
}

func TestReadAllSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := NewLogger("job-1", path, 0)
	if err != nil {
		t.Fatal(err)
	}
	l.Emit(Event{Type: AgentStarted})
	l.Emit(Event{Type: AgentCompleted})
	l.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{truncated garbage\n")
	f.Close()

	records, err := ReadAll(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2 (garbage skipped)", len(records))
	}
}

func TestVerifyIntegrity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := NewLogger("job-1", path, 0)
	if err != nil {
		t.Fatal(err)
	}
	l.EnableChecksum(true)
	for i := 0; i < 3; i++ {
		if err := l.Emit(Event{Type: CheckpointSaved}); err != nil {
			t.Fatal(err)
		}
	}
	l.Close()

	total, valid, err := VerifyIntegrity(path)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || valid != 3 {
		t.Fatalf("total=%d valid=%d, want 3/3", total, valid)
	}

	// Corrupt one record's checksum in place.
	data, _ := os.ReadFile(path)
	tampered := strings.Replace(string(data), `"checksum":"`, `"checksum":"0`, 1)
	if tampered == string(data) {
		t.Fatal("no checksum field found to tamper with")
	}
	if err := os.WriteFile(path, []byte(tampered), 0o644); err != nil {
		t.Fatal(err)
	}

	total, valid, err = VerifyIntegrity(path)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || valid != 2 {
		t.Fatalf("after tamper total=%d valid=%d, want 3/2", total, valid)
	}
}

func TestVerifyIntegrityWithoutChecksums(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := NewLogger("job-1", path, 0)
	if err != nil {
		t.Fatal(err)
	}
	l.Emit(Event{Type: AgentStarted})
	l.Close()

	total, valid, err := VerifyIntegrity(path)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || valid != 1 {
		t.Fatalf("total=%d valid=%d, want 1/1", total, valid)
	}
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	// Tiny cap so the second event forces a rotation.
	l, err := NewLogger("job-1", path, 200)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	for i := 0; i < 5; i++ {
		if err := l.Emit(Event{Type: WorkItemProcessed, ItemID: "item"}); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}

	archives, err := filepath.Glob(filepath.Join(dir, ArchiveDir, "events.*"+LogFileExtension))
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) == 0 {
		t.Fatal("expected at least one archived log file")
	}

	// The live file stays under the cap.
	stat, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if stat.Size() > 200 {
		t.Errorf("live log size %d exceeds rotation cap", stat.Size())
	}
}
