// Package sessionfile reads and writes session export files.
package sessionfile

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/banshee-data/telemetrix/internal/fsutil"
	"github.com/banshee-data/telemetrix/internal/security"
	"github.com/banshee-data/telemetrix/internal/telemetry"
)

// FilePrefix starts every export file name.
const FilePrefix = "TeleMetrix_Session_"

// FileName returns the export file name for a session that started at start,
// e.g. TeleMetrix_Session_2025-01-02T03-04-05.json.
func FileName(start time.Time) string {
	return FilePrefix + start.UTC().Format("2006-01-02T15-04-05") + ".json"
}

// Writer writes session exports into Dir.
type Writer struct {
	Dir string
	FS  fsutil.FileSystem
}

// NewWriter returns a Writer on the OS filesystem.
func NewWriter(dir string) *Writer {
	return &Writer{Dir: dir, FS: fsutil.OSFileSystem{}}
}

// Export writes s as indented JSON and returns the file path. An existing
// file for the same start second is overwritten.
func (w *Writer) Export(s telemetry.SessionSummary) (string, error) {
	if err := w.FS.MkdirAll(w.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(w.Dir, FileName(s.StartTime))
	if err := security.ValidatePathWithinDirectory(path, w.Dir); err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	if err := w.FS.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// List returns the export files in Dir, oldest first.
func (w *Writer) List() ([]string, error) {
	return w.FS.Glob(w.Dir, FilePrefix+"*.json")
}
