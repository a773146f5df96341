// Package logging provides a size-rotating file writer used as the access-log
// sink. It implements io.WriteCloser, keeps a bounded number of rotated
// backups, and prunes backups older than a maximum age.
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

// Rotator is an io.WriteCloser that rotates the underlying file by size.
// Writes are serialized, so one access-log record is never split across
// rotation boundaries.
type Rotator struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	size       int64
	maxBytes   int64
	maxBackups int
	maxAgeDays int
}

// NewRotator opens path (creating directories and the file as needed) and
// returns a writer that rotates once the file would exceed maxSizeMB.
// Rotated files are named <base>-<timestamp><ext>; at most maxBackups are
// kept and backups older than maxAgeDays are removed.
func NewRotator(path string, maxSizeMB, maxBackups, maxAgeDays int) (*Rotator, error) {
	r := &Rotator{
		path:       path,
		maxBytes:   int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		maxAgeDays: maxAgeDays,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Rotator) open() error {
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = f
	r.size = info.Size()
	return nil
}

// Write implements io.Writer, rotating first if the record would push the
// file over the size limit.
func (r *Rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Close closes the underlying file.
func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func (r *Rotator) rotate() error {
	if r.file != nil {
		r.file.Close()
	}

	ext := filepath.Ext(r.path)
	base := strings.TrimSuffix(r.path, ext)
	if ext == "" {
		ext = ".log"
	}
	rotated := fmt.Sprintf("%s-%s%s", base, time.Now().Format("20060102-150405"), ext)
	os.Rename(r.path, rotated) //nolint:errcheck

	if err := r.open(); err != nil {
		return err
	}

	// Prune in the background so rotation never stalls the hot path.
	go r.prune()

	return nil
}

func (r *Rotator) prune() {
	ext := filepath.Ext(r.path)
	base := strings.TrimSuffix(filepath.Base(r.path), ext)
	if ext == "" {
		ext = ".log"
	}
	dir := filepath.Dir(r.path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	prefix := base + "-"
	var backups []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ext) && name != filepath.Base(r.path) {
			backups = append(backups, name)
		}
	}

	// Oldest first; the timestamp suffix sorts lexicographically.
	sort.Strings(backups)

	for len(backups) > r.maxBackups {
		os.Remove(filepath.Join(dir, backups[0])) //nolint:errcheck
		backups = backups[1:]
	}

	cutoff := time.Now().AddDate(0, 0, -r.maxAgeDays)
	for _, name := range backups {
		p := filepath.Join(dir, name)
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(p) //nolint:errcheck
		}
	}
}
