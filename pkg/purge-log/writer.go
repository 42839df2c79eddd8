// Package purgelog appends purge records to the developer-mode log file.
package purgelog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// TimeFormat is the layout of the timestamp starting each line.
const TimeFormat = "2006-01-02 15:04:05"

// FileName is the name of the log file inside the log directory.
const FileName = "purge.log"

// Writer appends lines to the purge log file.
// Writes are serialized in-process and hold an exclusive file lock,
// so several processes can share one file.
type Writer struct {
	path string
	mu   sync.Mutex
	// now is swapped in tests
	now func() time.Time
}

// NewWriter returns a writer for the log file at path.
func NewWriter(path string) *Writer {
	return &Writer{path: path, now: time.Now}
}

// Path returns the log file path.
func (w *Writer) Path() string {
	return w.path
}

// EnsureDir creates the log directory with mode 0770 if it is missing.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0770); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	return nil
}

// NewDirWriter creates dir if needed and returns a writer for dir/purge.log.
// A failure to create the directory is returned alongside a usable writer,
// since the directory may still be created by someone else later.
func NewDirWriter(dir string) (*Writer, error) {
	err := EnsureDir(dir)
	return NewWriter(filepath.Join(dir, FileName)), err
}

// Append writes one line for a purge of tags.
func (w *Writer) Append(tags []string) error {
	line := FormatLine(w.now(), tags)

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open purge log: %w", err)
	}
	defer f.Close()

	if err := lockFile(f); err != nil {
		return fmt.Errorf("lock purge log: %w", err)
	}
	defer unlockFile(f)

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write purge log: %w", err)
	}
	return nil
}

// FormatLine renders a log line: UTC timestamp, a comma and the tag list.
func FormatLine(t time.Time, tags []string) string {
	return fmt.Sprintf("%s, [%s]\n", t.UTC().Format(TimeFormat), strings.Join(tags, ", "))
}
