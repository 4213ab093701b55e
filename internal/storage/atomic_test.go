package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAtomicWriteJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	in := map[string]any{"name": "x", "count": float64(3)}
	if err := AtomicWriteJSON(path, in); err != nil {
		t.Fatalf("AtomicWriteJSON: %v", err)
	}

	var out map[string]any
	if err := ReadJSON(path, &out); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if out["name"] != "x" || out["count"] != float64(3) {
		t.Errorf("round trip mismatch: %v", out)
	}
}

func TestAtomicWriteKeepsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	if err := AtomicWriteJSON(path, map[string]string{"v": "first"}); err != nil {
		t.Fatal(err)
	}
	if err := AtomicWriteJSON(path, map[string]string{"v": "second"}); err != nil {
		t.Fatal(err)
	}

	var current, backup map[string]string
	if err := ReadJSON(path, &current); err != nil {
		t.Fatal(err)
	}
	if err := ReadJSON(path+".bak", &backup); err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if current["v"] != "second" || backup["v"] != "first" {
		t.Errorf("current=%v backup=%v", current, backup)
	}
}

func TestAtomicWriteRawRejectsInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	if err := AtomicWriteRaw(path, []byte("{truncated")); err == nil {
		t.Fatal("expected validation error for invalid JSON")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("invalid write must not create the target file")
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestAtomicWriteRawMarshalError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := AtomicWriteJSON(path, func() {}); err == nil {
		t.Fatal("expected marshal error for unmarshalable value")
	}
}
