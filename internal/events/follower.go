package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Follower tails an event log file, delivering each newly appended record
// to a callback. It is the mechanism behind `gitfan events --follow`:
// external tooling watches the log without polling.
type Follower struct {
	path string
}

func NewFollower(path string) *Follower {
	return &Follower{path: path}
}

// Follow reads existing records, then blocks delivering new ones as they
// are appended, until ctx is cancelled. Rotation is handled by reopening
// when the file shrinks or is recreated.
func (f *Follower) Follow(ctx context.Context, fn Subscriber) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: the log file itself may not exist yet, and
	// rotation replaces it.
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure log dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var offset int64
	if off, err := f.drain(0, fn); err == nil {
		offset = off
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != f.path {
				continue
			}
			if event.Has(fsnotify.Create) {
				offset = 0 // rotated: start over on the fresh file
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if stat, err := os.Stat(f.path); err == nil && stat.Size() < offset {
					offset = 0
				}
				off, err := f.drain(offset, fn)
				if err != nil {
					continue
				}
				offset = off
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch error: %w", err)
		}
	}
}

// drain reads complete lines from offset onward and returns the new
// offset. A trailing partial line is left for the next call.
func (f *Follower) drain(offset int64, fn Subscriber) (int64, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return offset, err
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}

	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// Partial line: do not advance past it
			return offset, nil
		}
		offset += int64(len(line))

		var ev Event
		if jerr := json.Unmarshal(line, &ev); jerr != nil {
			continue
		}
		fn(ev)
	}
}
