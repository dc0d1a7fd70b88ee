// Package receiver stages uploaded files for import with resumable,
// Content-Range-based transfers. Each job owns exactly one staging file at
// a deterministic path; byte ranges must continue exactly where the staged
// file ends, so an interrupted transfer resumes from the last byte that
// reached disk.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/dkaplan/importd/internal/store"
	"github.com/google/uuid"
)

var contentRangeRe = regexp.MustCompile(`^bytes (\d+)-(\d+)/(\d+)$`)

// ByteRange is a parsed "Content-Range: bytes start-end/total" header.
type ByteRange struct {
	Start int64
	End   int64
	Total int64
}

// ParseContentRange parses a Content-Range header value. An empty value
// yields (nil, nil): a fresh, non-resumed transfer starting at offset 0.
func ParseContentRange(header string) (*ByteRange, error) {
	if header == "" {
		return nil, nil
	}
	m := contentRangeRe.FindStringSubmatch(header)
	if m == nil {
		return nil, fmt.Errorf("malformed Content-Range %q", header)
	}

	start, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed Content-Range start: %w", err)
	}
	end, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed Content-Range end: %w", err)
	}
	total, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed Content-Range total: %w", err)
	}
	if end < start || total < end+1 {
		return nil, fmt.Errorf("inconsistent Content-Range %q", header)
	}
	return &ByteRange{Start: start, End: end, Total: total}, nil
}

// ConflictError reports a resume offset that does not match the staged
// file, carrying the actual size so the client can correct its next range.
type ConflictError struct {
	CurrentSize int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("resume offset mismatch: %d bytes currently staged", e.CurrentSize)
}

// ReceiveResult reports the staged state after one accepted transfer.
type ReceiveResult struct {
	BytesReceived int64 `json:"bytesReceived"`
	TotalBytes    int64 `json:"totalBytes"`

	// Complete is true once the staged file holds every declared byte.
	Complete bool `json:"-"`
}

// Receiver stages uploads under a single directory, one file per job.
type Receiver struct {
	dir   string
	store store.Store
}

// New creates a receiver staging files in dir, creating it if needed.
func New(dir string, st store.Store) (*Receiver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	return &Receiver{dir: dir, store: st}, nil
}

// StagingPath returns the job's staging file path, derived from its id.
func (r *Receiver) StagingPath(jobID uuid.UUID) string {
	return filepath.Join(r.dir, jobID.String()+".csv")
}

// Receive writes one transfer into the job's staging file. Without a range
// the body overwrites any previous attempt from offset 0; with a range the
// start must equal the current staged size or the call fails with a
// ConflictError. On success the job record's file info is updated, and
// Complete reports whether all declared bytes are staged.
func (r *Receiver) Receive(ctx context.Context, jobID uuid.UUID, rng *ByteRange, fileName string, body io.Reader) (ReceiveResult, error) {
	path := r.StagingPath(jobID)

	var current int64
	if fi, err := os.Stat(path); err == nil {
		current = fi.Size()
	} else if !errors.Is(err, os.ErrNotExist) {
		return ReceiveResult{}, fmt.Errorf("stat staging file: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if rng != nil {
		if rng.Start != current {
			return ReceiveResult{}, &ConflictError{CurrentSize: current}
		}
		if rng.Start > 0 {
			flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		}
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return ReceiveResult{}, fmt.Errorf("open staging file: %w", err)
	}

	written, copyErr := io.Copy(f, body)
	if copyErr == nil {
		copyErr = f.Sync()
	}
	if err := f.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		// A zero-byte artifact would wedge every future resume at offset 0.
		// A partially staged file is kept: the probe reports its real size
		// and the client resumes from there.
		r.removeIfEmpty(path)
		return ReceiveResult{}, fmt.Errorf("stage upload bytes: %w", copyErr)
	}

	received := written
	if flags&os.O_APPEND != 0 {
		received = current + written
	}

	var total int64
	if rng != nil {
		total = rng.Total
	}
	if total == 0 {
		total = received
	}

	if fileName == "" {
		fileName = fmt.Sprintf("import-%s.csv", jobID)
	}
	if err := r.store.SetFileInfo(ctx, jobID, fileName, path, total); err != nil {
		return ReceiveResult{}, err
	}

	return ReceiveResult{
		BytesReceived: received,
		TotalBytes:    total,
		Complete:      rng == nil || received >= rng.Total,
	}, nil
}

// Probe returns the current staged size without consuming any body. A job
// with no staging file yet probes as zero bytes.
func (r *Receiver) Probe(jobID uuid.UUID) (int64, error) {
	fi, err := os.Stat(r.StagingPath(jobID))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat staging file: %w", err)
	}
	return fi.Size(), nil
}

func (r *Receiver) removeIfEmpty(path string) {
	if fi, err := os.Stat(path); err == nil && fi.Size() == 0 {
		os.Remove(path)
	}
}
