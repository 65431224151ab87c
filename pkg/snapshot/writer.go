package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/r0nw4lk3r31/tillcore/internal/logger"
)

// File names under the snapshot directory. Live files are date-stamped, one
// pair per calendar day; exit files are fixed and overwritten each shutdown.
const (
	liveJSONPattern = "snapshot-%s.json"
	liveTextPattern = "snapshot-%s.txt"
	ExitJSONName    = "exit-snapshot.json"
	ExitTextName    = "exit-snapshot.txt"
)

// Writer persists snapshots as a JSON file and a human-readable text file.
//
// Every write goes to a temp file in the same directory followed by a
// rename, so a failed write leaves the previous snapshot intact instead of
// truncating it.
type Writer struct {
	dir string
}

// NewWriter creates a Writer rooted at dir, creating it if needed.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir %s: %w", dir, err)
	}
	return &Writer{dir: dir}, nil
}

// Dir returns the snapshot directory.
func (w *Writer) Dir() string { return w.dir }

// LiveJSONPath returns the structured live file for the snapshot's business day.
func (w *Writer) LiveJSONPath(s Snapshot) string {
	return filepath.Join(w.dir, fmt.Sprintf(liveJSONPattern, s.BusinessDay))
}

// LiveTextPath returns the human-readable live file for the snapshot's business day.
func (w *Writer) LiveTextPath(s Snapshot) string {
	return filepath.Join(w.dir, fmt.Sprintf(liveTextPattern, s.BusinessDay))
}

// ExitJSONPath returns the fixed exit snapshot file.
func (w *Writer) ExitJSONPath() string { return filepath.Join(w.dir, ExitJSONName) }

// WriteLive writes the date-stamped live pair, overwriting in place.
func (w *Writer) WriteLive(s Snapshot) error {
	if err := w.writeJSON(w.LiveJSONPath(s), s); err != nil {
		return err
	}
	return w.writeText(w.LiveTextPath(s), s)
}

// WriteExit writes the fixed exit pair, overwriting the previous shutdown's.
func (w *Writer) WriteExit(s Snapshot) error {
	if err := w.writeJSON(w.ExitJSONPath(), s); err != nil {
		return err
	}
	return w.writeText(filepath.Join(w.dir, ExitTextName), s)
}

// ReadExit loads the last exit snapshot, if any. A missing file returns
// os.ErrNotExist.
func (w *Writer) ReadExit() (*Snapshot, error) {
	raw, err := os.ReadFile(w.ExitJSONPath())
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode exit snapshot: %w", err)
	}
	return &s, nil
}

func (w *Writer) writeJSON(path string, s Snapshot) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return w.replaceFile(path, append(raw, '\n'))
}

func (w *Writer) writeText(path string, s Snapshot) error {
	return w.replaceFile(path, []byte(RenderText(s)))
}

// replaceFile writes data atomically via temp file + rename.
func (w *Writer) replaceFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(w.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)
	if writeErr == nil {
		writeErr = tmp.Sync()
	}
	if closeErr := tmp.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		if rmErr := os.Remove(tmpName); rmErr != nil {
			logger.Warn("failed to remove temp snapshot file", "path", tmpName, "error", rmErr)
		}
		return fmt.Errorf("write %s: %w", path, writeErr)
	}

	if err := os.Rename(tmpName, path); err != nil {
		if rmErr := os.Remove(tmpName); rmErr != nil {
			logger.Warn("failed to remove temp snapshot file", "path", tmpName, "error", rmErr)
		}
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
