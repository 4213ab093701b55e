package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gitfan/internal/events"
	"gitfan/internal/model"
	"gitfan/internal/storage"
)

// ErrNoCheckpoint is returned by LoadLatest when the directory holds no
// checkpoint files.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// StaleVersionError is returned when a save would not advance the
// version past the newest checkpoint on disk.
type StaleVersionError struct {
	Saved  uint32
	Latest uint32
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("stale checkpoint: version %d does not advance past stored version %d", e.Saved, e.Latest)
}

// envelope wraps the state with the metadata needed to pick the right
// file on load.
type envelope struct {
	Version uint32         `json:"version"`
	SavedAt time.Time      `json:"saved_at"`
	State   model.JobState `json:"state"`
}

// Store persists job state checkpoints as phase-tagged JSON files in one
// directory. Saves are atomic and versions must strictly increase.
type Store struct {
	dir    string
	events *events.Logger
	mu     sync.Mutex
}

// NewStore returns a store rooted at dir. events may be nil.
func NewStore(dir string, ev *events.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &Store{dir: dir, events: ev}, nil
}

func (st *Store) fileName(s model.JobState, now time.Time) string {
	ts := now.UTC().Format("20060102T150405.000000000")
	switch s.Phase {
	case model.PhaseSetup:
		return "setup-checkpoint.json"
	case model.PhaseReduce, model.PhaseComplete:
		// v1 is the reduce checkpoint format version, fixed until the
		// envelope shape changes.
		return fmt.Sprintf("reduce-checkpoint-v1-%s.json", ts)
	default:
		return fmt.Sprintf("map-checkpoint-%s.json", ts)
	}
}

// Save persists s if its version advances past the newest checkpoint on
// disk. Returns the path written.
func (st *Store) Save(s model.JobState) (string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	latest, err := st.loadLatest()
	if err != nil && !errors.Is(err, ErrNoCheckpoint) {
		return "", err
	}
	if err == nil && s.CheckpointVersion <= latest.Version {
		return "", &StaleVersionError{Saved: s.CheckpointVersion, Latest: latest.Version}
	}

	now := time.Now()
	path := filepath.Join(st.dir, st.fileName(s, now))
	env := envelope{Version: s.CheckpointVersion, SavedAt: now.UTC(), State: s}
	if err := storage.AtomicWriteJSON(path, env); err != nil {
		return "", fmt.Errorf("save checkpoint: %w", err)
	}

	if st.events != nil {
		// Event emission is best effort; the checkpoint is already durable.
		_ = st.events.Emit(events.Event{
			Type: events.CheckpointSaved,
			Details: map[string]any{
				"version": s.CheckpointVersion,
				"phase":   string(s.Phase),
				"path":    path,
			},
		})
	}
	return path, nil
}

// LoadLatest returns the newest valid checkpoint state. Items that were
// in progress at save time are returned to pending so the caller can
// re-dispatch them; requeued reports whether that moved anything, which
// is when the returned version has advanced past the stored one and a
// fresh Save will succeed. Corrupt files are skipped in favor of older
// ones.
func (st *Store) LoadLatest() (state model.JobState, requeued bool, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	env, err := st.loadLatest()
	if err != nil {
		return model.JobState{}, false, err
	}
	state = ReturnInProgressToPending(env.State, time.Now())
	return state, state.CheckpointVersion > env.Version, nil
}

func (st *Store) loadLatest() (*envelope, error) {
	entries, err := os.ReadDir(st.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || !strings.Contains(name, "checkpoint") {
			continue
		}
		if strings.HasSuffix(name, ".bak") {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, ErrNoCheckpoint
	}

	envs := make([]*envelope, 0, len(names))
	for _, name := range names {
		var env envelope
		if err := storage.ReadJSON(filepath.Join(st.dir, name), &env); err != nil {
			// Corrupt or torn file; older checkpoints still count.
			continue
		}
		envs = append(envs, &env)
	}
	if len(envs) == 0 {
		return nil, fmt.Errorf("%w: %d checkpoint files present but none parse", ErrNoCheckpoint, len(names))
	}

	sort.Slice(envs, func(i, j int) bool { return envs[i].Version > envs[j].Version })
	return envs[0], nil
}
