package importer

// cursor.go persists the resume cursor: the byte offset of the last
// committed batch boundary plus the number of data rows committed so far.
// The row count keeps ledger row numbers correct across resumed runs.
//
// The cursor lives next to the staging file as "<file>.position" and is
// written durably (temp file, fsync, rename) so a crash between a batch
// commit and the next one never loses or repeats committed progress.

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Cursor marks the last fully committed processing boundary in a staged file.
type Cursor struct {
	Offset int64 `json:"offset"`
	Rows   int64 `json:"rows"`
}

// CursorPath returns the cursor file path for a staged file.
func CursorPath(filePath string) string {
	return filePath + ".position"
}

// LoadCursor reads the cursor for a staged file. The second return value is
// false when no cursor exists (a fresh, non-resumed run).
func LoadCursor(filePath string) (Cursor, bool, error) {
	data, err := os.ReadFile(CursorPath(filePath))
	if errors.Is(err, os.ErrNotExist) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, fmt.Errorf("read cursor: %w", err)
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, false, fmt.Errorf("decode cursor: %w", err)
	}
	if c.Offset < 0 || c.Rows < 0 {
		return Cursor{}, false, fmt.Errorf("decode cursor: negative position")
	}
	return c, c.Offset > 0, nil
}

// SaveCursor durably writes the cursor for a staged file.
func SaveCursor(filePath string, c Cursor) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode cursor: %w", err)
	}

	path := CursorPath(filePath)
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create cursor temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write cursor: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync cursor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cursor: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace cursor: %w", err)
	}
	return nil
}

// ClearCursor removes the cursor file after a successful full-file run.
// A missing cursor is not an error.
func ClearCursor(filePath string) error {
	err := os.Remove(CursorPath(filePath))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove cursor: %w", err)
	}
	return nil
}

// FileProgress reports how far processing has advanced through a staged file.
type FileProgress struct {
	Processed  int64 `json:"processed"`
	Total      int64 `json:"total"`
	Percentage int   `json:"percentage"`
}

// Progress returns the byte progress for a staged file based on its cursor.
// Without a cursor (never started, or finished and cleaned up) progress is
// zero bytes of the file's current size.
func Progress(filePath string) (FileProgress, error) {
	fi, err := os.Stat(filePath)
	if err != nil {
		return FileProgress{}, fmt.Errorf("stat staged file: %w", err)
	}

	p := FileProgress{Total: fi.Size()}
	cur, ok, err := LoadCursor(filePath)
	if err != nil {
		return FileProgress{}, err
	}
	if !ok {
		return p, nil
	}

	p.Processed = cur.Offset
	if p.Total > 0 {
		p.Percentage = int(p.Processed * 100 / p.Total)
	}
	return p, nil
}
