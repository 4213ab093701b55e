package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxLogSize is the rotation threshold (100MB).
	DefaultMaxLogSize = 100 * 1024 * 1024
	// LogFileExtension for event logs.
	LogFileExtension = ".jsonl"
	// ArchiveDir holds rotated log files.
	ArchiveDir = "archive"
)

// Logger is the append-only event log for one job, with size-based
// rotation into a timestamped archive.
type Logger struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	jobID           string
	enableChecksum  bool
	rotationCounter int
}

// NewLogger opens (or creates) the event log at logPath for jobID.
func NewLogger(jobID, logPath string, maxSize int64) (*Logger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	l := &Logger{
		logPath: logPath,
		jobID:   jobID,
		maxSize: maxSize,
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create event log directory: %w", err)
	}
	if err := l.openLogFile(); err != nil {
		return nil, err
	}
	return l, nil
}

// EnableChecksum turns on per-record checksums.
func (l *Logger) EnableChecksum(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enableChecksum = enable
}

func (l *Logger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat event log: %w", err)
	}

	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Emit appends one event. Timestamp and JobID are filled in if unset.
func (l *Logger) Emit(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.JobID == "" {
		ev.JobID = l.jobID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.enableChecksum {
		ev.Checksum = checksum(&ev)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate event log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync event log: %w", err)
	}

	l.currentSize += int64(n)
	return nil
}

// rotate moves the current file into the archive dir with a timestamped
// name and reopens a fresh log.
func (l *Logger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close current event log: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	l.rotationCounter++
	baseName := filepath.Base(l.logPath)
	archiveName := fmt.Sprintf("%s.%s.%d%s",
		baseName[:len(baseName)-len(LogFileExtension)],
		timestamp,
		l.rotationCounter,
		LogFileExtension)

	if err := os.Rename(l.logPath, filepath.Join(archiveDir, archiveName)); err != nil {
		return fmt.Errorf("archive event log: %w", err)
	}

	return l.openLogFile()
}

// Close syncs and closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return err
		}
		return l.file.Close()
	}
	return nil
}

// Path returns the active log file path.
func (l *Logger) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logPath
}

func checksum(ev *Event) string {
	cp := *ev
	cp.Checksum = ""
	data, err := json.Marshal(cp)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", djbHash(data))
}

func djbHash(data []byte) uint64 {
	var hash uint64 = 5381
	for _, b := range data {
		hash = ((hash << 5) + hash) + uint64(b)
	}
	return hash
}

// VerifyIntegrity scans a log file and returns (total, valid) record
// counts. Records without a checksum count as valid.
func VerifyIntegrity(logPath string) (int, int, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return 0, 0, fmt.Errorf("open event log: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	total := 0
	valid := 0

	for decoder.More() {
		var ev Event
		if err := decoder.Decode(&ev); err != nil {
			// Skip malformed records
			continue
		}
		total++

		if ev.Checksum == "" {
			valid++
			continue
		}
		expected := ev.Checksum
		if checksum(&ev) == expected {
			valid++
		}
	}

	return total, valid, nil
}

// ReadAll decodes every record in a log file, skipping malformed lines.
func ReadAll(logPath string) ([]Event, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer file.Close()

	var out []Event
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var ev Event
		if err := decoder.Decode(&ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
