package session

import (
	"errors"
	"testing"
	"time"

	"gitfan/internal/model"
	"gitfan/internal/storage"
)

func newStore(t *testing.T) (*Store, storage.Paths) {
	t.Helper()
	paths := storage.NewPaths(t.TempDir())
	if err := paths.EnsureBase(); err != nil {
		t.Fatal(err)
	}
	return NewStore(paths), paths
}

func TestCreateAndGet(t *testing.T) {
	s, _ := newStore(t)

	sess, err := s.Create(model.SessionTypeMapReduce, "job_0000000001_deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != model.SessionInitializing {
		t.Errorf("status = %s", sess.Status)
	}
	if sess.MapReduceData == nil || sess.MapReduceData.JobID != "job_0000000001_deadbeef" {
		t.Errorf("map reduce data = %+v", sess.MapReduceData)
	}
	if !model.ValidateID(sess.ID) {
		t.Errorf("session id %q fails validation", sess.ID)
	}

	got, err := s.Get(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != sess.ID || got.SessionType != model.SessionTypeMapReduce {
		t.Errorf("got %+v", got)
	}
}

func TestGetMissing(t *testing.T) {
	s, _ := newStore(t)
	if _, err := s.Get("ses_0000000001_00000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestResolveByJobID(t *testing.T) {
	s, _ := newStore(t)
	sess, err := s.Create(model.SessionTypeMapReduce, "job_0000000042_cafef00d")
	if err != nil {
		t.Fatal(err)
	}

	bySession, err := s.Resolve(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	byJob, err := s.Resolve("job_0000000042_cafef00d")
	if err != nil {
		t.Fatal(err)
	}
	if bySession.ID != sess.ID || byJob.ID != sess.ID {
		t.Errorf("resolved %q / %q, want %q", bySession.ID, byJob.ID, sess.ID)
	}

	if _, err := s.Resolve("neither"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateValidatesTransitions(t *testing.T) {
	s, _ := newStore(t)
	sess, err := s.Create(model.SessionTypeMapReduce, "job-1")
	if err != nil {
		t.Fatal(err)
	}

	updated, err := s.Update(sess.ID, func(m *model.Session) error {
		m.Status = model.SessionRunning
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != model.SessionRunning {
		t.Errorf("status = %s", updated.Status)
	}

	// initializing -> completed skips running and is rejected.
	other, err := s.Create(model.SessionTypeMapReduce, "job-2")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Update(other.ID, func(m *model.Session) error {
		m.Status = model.SessionCompleted
		return nil
	}); err == nil {
		t.Fatal("invalid transition accepted")
	}

	// Non-status updates pass through without transition checks.
	if _, err := s.Update(sess.ID, func(m *model.Session) error {
		m.Error = "context noted"
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateTerminalIsFinal(t *testing.T) {
	s, _ := newStore(t)
	sess, _ := s.Create(model.SessionTypeMapReduce, "job-1")
	s.Update(sess.ID, func(m *model.Session) error { m.Status = model.SessionRunning; return nil })
	s.Update(sess.ID, func(m *model.Session) error { m.Status = model.SessionFailed; return nil })

	if _, err := s.Update(sess.ID, func(m *model.Session) error {
		m.Status = model.SessionRunning
		return nil
	}); err == nil {
		t.Fatal("terminal session reanimated through Update")
	}
}

func TestReopenBypassesTransitionTable(t *testing.T) {
	s, _ := newStore(t)
	sess, _ := s.Create(model.SessionTypeMapReduce, "job-1")
	s.Update(sess.ID, func(m *model.Session) error { m.Status = model.SessionRunning; return nil })
	s.Update(sess.ID, func(m *model.Session) error {
		m.Status = model.SessionFailed
		m.Error = "agent exploded"
		return nil
	})

	reopened, err := s.Reopen(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Status != model.SessionRunning {
		t.Errorf("status = %s", reopened.Status)
	}
	if reopened.Error != "" {
		t.Errorf("error not cleared: %q", reopened.Error)
	}
}

func TestListNewestFirst(t *testing.T) {
	s, _ := newStore(t)
	first, err := s.Create(model.SessionTypeMapReduce, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Create(model.SessionTypeMapReduce, "job-2")
	if err != nil {
		t.Fatal(err)
	}
	// Force distinct start times; Create stamps time.Now.
	if _, err := s.Update(first.ID, func(m *model.Session) error {
		m.StartedAt = m.StartedAt.Add(-time.Hour)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	sessions, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions", len(sessions))
	}
	if sessions[0].ID != second.ID || sessions[1].ID != first.ID {
		t.Errorf("order = %s, %s", sessions[0].ID, sessions[1].ID)
	}
}

func TestClean(t *testing.T) {
	s, paths := newStore(t)
	now := time.Now().UTC()

	old, _ := s.Create(model.SessionTypeMapReduce, "job-old")
	s.Update(old.ID, func(m *model.Session) error { m.Status = model.SessionRunning; return nil })
	s.Update(old.ID, func(m *model.Session) error {
		m.Status = model.SessionCompleted
		return nil
	})
	// Age the record past the retention window. Update always restamps
	// UpdatedAt, so write the file directly.
	aged, err := s.Get(old.ID)
	if err != nil {
		t.Fatal(err)
	}
	aged.UpdatedAt = now.Add(-10 * 24 * time.Hour)
	if err := storage.AtomicWriteJSON(paths.SessionFile(old.ID), aged); err != nil {
		t.Fatal(err)
	}

	active, _ := s.Create(model.SessionTypeMapReduce, "job-active")
	s.Update(active.ID, func(m *model.Session) error { m.Status = model.SessionRunning; return nil })

	removed, err := s.Clean(7*24*time.Hour, now)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := s.Get(old.ID); !errors.Is(err, ErrNotFound) {
		t.Error("terminal session survived clean")
	}
	if _, err := s.Get(active.ID); err != nil {
		t.Errorf("running session removed: %v", err)
	}
	// The job index entry goes with the session.
	if _, err := s.Resolve("job-old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want unindexed job", err)
	}
}
