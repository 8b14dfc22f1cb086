// Package logging provides a rotating file writer for structured log
// output. It implements io.WriteCloser and rotates log files by size,
// keeping a configurable number of backups and removing files older than
// a maximum age.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotatingWriter is an io.WriteCloser that rotates log files by size.
type RotatingWriter struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	size       int64
	maxBytes   int64
	maxBackups int
	maxAgeDays int
}

// NewRotatingWriter opens the log file (creating it if needed) and
// returns a writer that rotates when the file exceeds maxSizeMB.
// Rotated files are named <base>-<timestamp>.log. At most maxBackups
// rotated files are kept, and files older than maxAgeDays are removed.
func NewRotatingWriter(filePath string, maxSizeMB, maxBackups, maxAgeDays int) (*RotatingWriter, error) {
	rw := &RotatingWriter{
		filePath:   filePath,
		maxBytes:   int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		maxAgeDays: maxAgeDays,
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	if err := rw.openFile(); err != nil {
		return nil, err
	}

	return rw, nil
}

func (rw *RotatingWriter) openFile() error {
	f, err := os.OpenFile(rw.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("inspecting log file: %w", err)
	}

	rw.file = f
	rw.size = info.Size()
	return nil
}

// Write appends to the log file, rotating first if the write would push
// it past the size limit.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.size+int64(len(p)) > rw.maxBytes {
		if err := rw.rotate(); err != nil {
			// Rotation failed; keep writing to the current file rather
			// than dropping log output.
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}

	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// Close closes the underlying file.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}

// rotate renames the current file to a timestamped backup and opens a
// fresh one. Must be called with rw.mu held.
func (rw *RotatingWriter) rotate() error {
	if err := rw.file.Close(); err != nil {
		return fmt.Errorf("closing log file: %w", err)
	}

	backup := rw.backupName(time.Now())
	if err := os.Rename(rw.filePath, backup); err != nil {
		// Reopen the original so writes can continue even if the rename failed.
		if reopenErr := rw.openFile(); reopenErr != nil {
			return fmt.Errorf("renaming log file: %v (reopen also failed: %w)", err, reopenErr)
		}
		return fmt.Errorf("renaming log file: %w", err)
	}

	if err := rw.openFile(); err != nil {
		return err
	}

	rw.prune()
	return nil
}

// backupName builds the rotated file name: <base>-<timestamp><ext>.
func (rw *RotatingWriter) backupName(now time.Time) string {
	ext := filepath.Ext(rw.filePath)
	base := strings.TrimSuffix(rw.filePath, ext)
	return fmt.Sprintf("%s-%s%s", base, now.UTC().Format("20060102T150405.000"), ext)
}

// prune removes rotated files beyond maxBackups or older than maxAgeDays.
func (rw *RotatingWriter) prune() {
	ext := filepath.Ext(rw.filePath)
	base := strings.TrimSuffix(filepath.Base(rw.filePath), ext)
	dir := filepath.Dir(rw.filePath)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	type backup struct {
		path    string
		modTime time.Time
	}
	var backups []backup

	prefix := base + "-"
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backup{
			path:    filepath.Join(dir, name),
			modTime: info.ModTime(),
		})
	}

	// Newest first.
	sort.Slice(backups, func(i, j int) bool { return backups[i].modTime.After(backups[j].modTime) })

	cutoff := time.Now().AddDate(0, 0, -rw.maxAgeDays)
	for i, b := range backups {
		if i >= rw.maxBackups || b.modTime.Before(cutoff) {
			os.Remove(b.path) //nolint:errcheck
		}
	}
}
