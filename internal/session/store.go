// Package session persists the externally visible execution records and
// the index that maps job ids back to their session.
package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"gitfan/internal/lock"
	"gitfan/internal/model"
	"gitfan/internal/storage"
)

// ErrNotFound is returned when neither a session id nor a job id
// resolves to a stored session.
var ErrNotFound = errors.New("session not found")

// sessionIndex maps job ids to session ids so resume accepts either.
type sessionIndex struct {
	JobToSession map[string]string `json:"job_to_session"`
}

// Store reads and writes session files under the sessions directory.
// Per-session file locking keeps concurrent updates from interleaving.
type Store struct {
	paths   storage.Paths
	lockMap *lock.MutexMap
}

func NewStore(paths storage.Paths) *Store {
	return &Store{paths: paths, lockMap: lock.NewMutexMap()}
}

// Create persists a new session record and indexes its job id.
func (s *Store) Create(sessionType model.SessionType, jobID string) (*model.Session, error) {
	id, err := model.GenerateID(model.IDTypeSession)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &model.Session{
		ID:          id,
		SessionType: sessionType,
		Status:      model.SessionInitializing,
		StartedAt:   now,
		UpdatedAt:   now,
		Timings:     map[string]model.PhaseTiming{},
	}
	if jobID != "" {
		sess.MapReduceData = &model.MapReduceData{JobID: jobID}
	}

	if err := storage.AtomicWriteJSON(s.paths.SessionFile(id), sess); err != nil {
		return nil, fmt.Errorf("write session %s: %w", id, err)
	}
	if jobID != "" {
		if err := s.indexJob(jobID, id); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

func (s *Store) indexJob(jobID, sessionID string) error {
	s.lockMap.Lock("session-index")
	defer s.lockMap.Unlock("session-index")

	idx, err := s.loadIndex()
	if err != nil {
		return err
	}
	idx.JobToSession[jobID] = sessionID
	return storage.AtomicWriteJSON(s.paths.SessionIndexFile(), idx)
}

func (s *Store) loadIndex() (*sessionIndex, error) {
	var idx sessionIndex
	err := storage.ReadJSON(s.paths.SessionIndexFile(), &idx)
	if errors.Is(err, fs.ErrNotExist) {
		return &sessionIndex{JobToSession: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session index: %w", err)
	}
	if idx.JobToSession == nil {
		idx.JobToSession = map[string]string{}
	}
	return &idx, nil
}

// Get returns a session by its id.
func (s *Store) Get(sessionID string) (*model.Session, error) {
	var sess model.Session
	err := storage.ReadJSON(s.paths.SessionFile(sessionID), &sess)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// Resolve accepts a session id or a job id and returns the session.
func (s *Store) Resolve(id string) (*model.Session, error) {
	sess, err := s.Get(id)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	idx, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	if sessionID, ok := idx.JobToSession[id]; ok {
		return s.Get(sessionID)
	}
	return nil, fmt.Errorf("%w: %s is neither a session id nor a job id", ErrNotFound, id)
}

// Update applies fn to the stored session under its file lock and
// persists the result. Status changes are checked against the session
// transition table.
func (s *Store) Update(sessionID string, fn func(*model.Session) error) (*model.Session, error) {
	s.lockMap.Lock(sessionID)
	defer s.lockMap.Unlock(sessionID)

	sess, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}

	before := sess.Status
	if err := fn(sess); err != nil {
		return nil, err
	}
	if sess.Status != before {
		if err := model.ValidateSessionTransition(before, sess.Status); err != nil {
			return nil, err
		}
	}
	sess.UpdatedAt = time.Now().UTC()

	if err := storage.AtomicWriteJSON(s.paths.SessionFile(sessionID), sess); err != nil {
		return nil, fmt.Errorf("write session %s: %w", sessionID, err)
	}
	return sess, nil
}

// Reopen rewinds a terminal session to running for a DLQ retry. This is
// the one deliberate exception to the forward-only transition table,
// matching the job state rewind that requeues dead-lettered items.
func (s *Store) Reopen(sessionID string) (*model.Session, error) {
	s.lockMap.Lock(sessionID)
	defer s.lockMap.Unlock(sessionID)

	sess, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}
	sess.Status = model.SessionRunning
	sess.Error = ""
	sess.UpdatedAt = time.Now().UTC()

	if err := storage.AtomicWriteJSON(s.paths.SessionFile(sessionID), sess); err != nil {
		return nil, fmt.Errorf("write session %s: %w", sessionID, err)
	}
	return sess, nil
}

// List returns all sessions, newest first.
func (s *Store) List() ([]*model.Session, error) {
	entries, err := os.ReadDir(s.paths.SessionsDir())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var sessions []*model.Session
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == "index.json" || !model.ValidateID(trimJSON(name)) {
			continue
		}
		sess, err := s.Get(trimJSON(name))
		if err != nil {
			continue
		}
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions, nil
}

// Clean removes terminal sessions older than the retention window and
// returns how many were removed.
func (s *Store) Clean(olderThan time.Duration, now time.Time) (int, error) {
	sessions, err := s.List()
	if err != nil {
		return 0, err
	}

	cutoff := now.Add(-olderThan)
	removed := 0
	for _, sess := range sessions {
		if !model.IsSessionTerminal(sess.Status) || sess.UpdatedAt.After(cutoff) {
			continue
		}
		if err := os.Remove(s.paths.SessionFile(sess.ID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("remove session %s: %w", sess.ID, err)
		}
		if sess.MapReduceData != nil {
			if err := s.unindexJob(sess.MapReduceData.JobID); err != nil {
				return removed, err
			}
		}
		removed++
	}
	return removed, nil
}

func (s *Store) unindexJob(jobID string) error {
	s.lockMap.Lock("session-index")
	defer s.lockMap.Unlock("session-index")

	idx, err := s.loadIndex()
	if err != nil {
		return err
	}
	delete(idx.JobToSession, jobID)
	return storage.AtomicWriteJSON(s.paths.SessionIndexFile(), idx)
}

func trimJSON(name string) string {
	if len(name) > 5 && name[len(name)-5:] == ".json" {
		return name[:len(name)-5]
	}
	return name
}
