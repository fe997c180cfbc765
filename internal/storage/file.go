package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FileWriterConfig configures a FileWriter. Zero MaxBytes or MaxAge disables
// that rotation trigger. Rotated segments last modified more than Retention
// ago are pruned; MaxBackups additionally caps how many are kept. Zero
// disables either limit.
type FileWriterConfig struct {
	Path       string
	MaxBytes   int64
	MaxAge     time.Duration
	Retention  time.Duration
	MaxBackups int
	Logger     *zap.Logger
}

// rotateRetry spaces out rotation attempts after a failure.
const rotateRetry = time.Minute

// FileWriter appends audit events as NDJSON to a single active file and
// rotates it by rename-then-reopen. Writes, rotation and pruning share one
// mutex, so a line is never split across segments.
type FileWriter struct {
	cfg    FileWriterConfig
	logger *zap.Logger
	now    func() time.Time
	rename func(oldpath, newpath string) error

	mu       sync.Mutex
	file     *os.File
	size     int64
	openedAt time.Time
	retryAt  time.Time
	closed   bool
}

// NewFileWriter opens (or creates) the active segment in append mode.
func NewFileWriter(cfg FileWriterConfig) (*FileWriter, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("NewFileWriter: empty path")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("NewFileWriter: %w", err)
	}
	w := &FileWriter{cfg: cfg, logger: cfg.Logger, now: time.Now, rename: os.Rename}
	f, size, err := openActive(cfg.Path)
	if err != nil {
		return nil, err
	}
	w.file, w.size, w.openedAt = f, size, w.now()
	return w, nil
}

func openActive(path string) (*os.File, int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, 0, fmt.Errorf("open audit file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat audit file: %w", err)
	}
	return f, info.Size(), nil
}

// Write appends one line. Failures are logged; the caller is never blocked
// on anything but the local file.
func (w *FileWriter) Write(event *AuditEvent) {
	if err := w.Append(event); err != nil {
		w.logger.Error("audit file write failed",
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.Error(err),
		)
	}
}

// Append is Write with the error returned.
func (w *FileWriter) Append(event *AuditEvent) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("audit file writer closed")
	}
	if w.shouldRotate(int64(len(line))) {
		if err := w.rotate(); err != nil {
			// The event still goes to the current segment.
			w.retryAt = w.now().Add(rotateRetry)
			w.logger.Error("audit file rotation failed",
				zap.String("correlation_id", event.CorrelationID),
				zap.Error(err),
			)
		}
	}
	n, err := w.file.Write(line)
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (w *FileWriter) shouldRotate(next int64) bool {
	if w.size == 0 || w.now().Before(w.retryAt) {
		return false
	}
	if w.cfg.MaxBytes > 0 && w.size+next > w.cfg.MaxBytes {
		return true
	}
	return w.cfg.MaxAge > 0 && w.now().Sub(w.openedAt) >= w.cfg.MaxAge
}

// rotate renames the active file to a timestamped segment and reopens the
// active path. On failure the current file stays the write target. Caller
// holds mu.
func (w *FileWriter) rotate() error {
	segment := fmt.Sprintf("%s.%s.%s", w.cfg.Path,
		w.now().UTC().Format("20060102T150405.000000000"), uuid.NewString()[:8])
	if err := w.rename(w.cfg.Path, segment); err != nil {
		return fmt.Errorf("rotate audit file: %w", err)
	}
	f, size, err := openActive(w.cfg.Path)
	if err != nil {
		// Keep appending through the old descriptor, now the segment.
		return fmt.Errorf("rotate audit file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		w.logger.Warn("close audit segment", zap.Error(err))
	}
	w.file, w.size, w.openedAt = f, size, w.now()
	w.logger.Info("audit file rotated", zap.String("segment", filepath.Base(segment)))
	w.prune()
	return nil
}

// Prune applies the retention limits to rotated segments. It runs after
// every rotation and can be called periodically.
func (w *FileWriter) Prune() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
}

// prune removes rotated segments older than Retention, then the oldest
// ones beyond MaxBackups. The active file is never a candidate. Caller
// holds mu.
func (w *FileWriter) prune() {
	if w.cfg.Retention <= 0 && w.cfg.MaxBackups <= 0 {
		return
	}
	segments, err := w.segments()
	if err != nil {
		w.logger.Warn("list audit segments", zap.Error(err))
		return
	}
	var doomed []string
	var kept []string
	cutoff := w.now().Add(-w.cfg.Retention)
	for _, seg := range segments {
		if w.cfg.Retention > 0 {
			if info, err := os.Stat(seg); err == nil && info.ModTime().Before(cutoff) {
				doomed = append(doomed, seg)
				continue
			}
		}
		kept = append(kept, seg)
	}
	if w.cfg.MaxBackups > 0 && len(kept) > w.cfg.MaxBackups {
		doomed = append(doomed, kept[:len(kept)-w.cfg.MaxBackups]...)
	}
	for _, old := range doomed {
		if err := os.Remove(old); err != nil {
			w.logger.Warn("prune audit segment", zap.String("segment", filepath.Base(old)), zap.Error(err))
		}
	}
}

// segments lists rotated segments oldest first.
func (w *FileWriter) segments() ([]string, error) {
	dir, base := filepath.Split(w.cfg.Path)
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), base+".") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// Sync flushes the active segment to stable storage.
func (w *FileWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.file.Sync()
}

func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	serr := w.file.Sync()
	if err := w.file.Close(); err != nil {
		return err
	}
	return serr
}
