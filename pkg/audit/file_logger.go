package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	currentSegment = "audit.log"
	segmentPrefix  = "audit-"
	segmentLayout  = "20060102T150405.000000000"
)

// FileLoggerConfig configures the file logger
type FileLoggerConfig struct {
	BasePath string // directory holding the segments
	Rotate   bool
	MaxSize  int64 // bytes before the current segment is rotated, 100MB when zero
	MaxFiles int   // rotated segments kept, 10 when zero
}

// FileLogger appends entries as JSON lines to audit.log in BasePath. With
// rotation on, a full segment is renamed to audit-<timestamp>.log and only
// the newest MaxFiles rotated segments are kept.
type FileLogger struct {
	cfg FileLoggerConfig

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewFileLogger opens (or creates) the current segment
func NewFileLogger(cfg FileLoggerConfig) (*FileLogger, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100 << 20
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 10
	}
	if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	l := &FileLogger{cfg: cfg}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLogger) currentPath() string {
	return filepath.Join(l.cfg.BasePath, currentSegment)
}

func (l *FileLogger) open() error {
	file, err := os.OpenFile(l.currentPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat audit log file: %w", err)
	}
	l.file, l.size = file, info.Size()
	return nil
}

// rotate renames the full segment aside and starts a new one. Caller holds mu.
func (l *FileLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	l.file = nil

	rotated := filepath.Join(l.cfg.BasePath, segmentPrefix+time.Now().UTC().Format(segmentLayout)+".log")
	if err := os.Rename(l.currentPath(), rotated); err != nil {
		return fmt.Errorf("failed to rename audit log: %w", err)
	}

	segments, err := l.rotatedSegments()
	if err != nil {
		return err
	}
	for len(segments) > l.cfg.MaxFiles {
		if err := os.Remove(segments[0]); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to prune audit log: %w", err)
		}
		segments = segments[1:]
	}
	return l.open()
}

// rotatedSegments lists rotated segments oldest first
func (l *FileLogger) rotatedSegments() ([]string, error) {
	segments, err := filepath.Glob(filepath.Join(l.cfg.BasePath, segmentPrefix+"*.log"))
	if err != nil {
		return nil, err
	}
	sort.Strings(segments)
	return segments, nil
}

// Append writes an entry as one JSON line
func (l *FileLogger) Append(ctx context.Context, entry *Entry) error {
	if err := prepare(ctx, entry); err != nil {
		return err
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log file is closed")
	}
	if l.cfg.Rotate && l.size > 0 && l.size+int64(len(line)) > l.cfg.MaxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("failed to rotate audit log: %w", err)
		}
	}

	n, err := l.file.Write(line)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// Close closes the current segment
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Query scans the retained segments and returns matching entries, newest first
func (l *FileLogger) Query(ctx context.Context, filter Filter) ([]*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	segments, err := l.rotatedSegments()
	if err != nil {
		return nil, err
	}
	segments = append(segments, l.currentPath())

	var entries []*Entry
	for _, path := range segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entries, err = scanSegment(path, filter, entries); err != nil {
			return nil, err
		}
	}
	return newestFirst(entries, filter.Limit), nil
}

func scanSegment(path string, filter Filter, entries []*Entry) ([]*Entry, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for {
		var entry Entry
		if err := decoder.Decode(&entry); err != nil {
			if err == io.EOF {
				return entries, nil
			}
			return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
		}
		if filter.Matches(&entry) {
			entries = append(entries, &entry)
		}
	}
}
