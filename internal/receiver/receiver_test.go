package receiver

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/dkaplan/importd/internal/store"
	"github.com/google/uuid"
)

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    *ByteRange
		wantErr bool
	}{
		{
			name:   "empty header means fresh transfer",
			header: "",
			want:   nil,
		},
		{
			name:   "first chunk",
			header: "bytes 0-499/1000",
			want:   &ByteRange{Start: 0, End: 499, Total: 1000},
		},
		{
			name:   "resumed chunk",
			header: "bytes 500-999/1000",
			want:   &ByteRange{Start: 500, End: 999, Total: 1000},
		},
		{
			name:    "missing total",
			header:  "bytes 0-499",
			wantErr: true,
		},
		{
			name:    "wrong unit",
			header:  "items 0-499/1000",
			wantErr: true,
		},
		{
			name:    "end before start",
			header:  "bytes 500-100/1000",
			wantErr: true,
		},
		{
			name:    "total smaller than range",
			header:  "bytes 0-999/500",
			wantErr: true,
		},
		{
			name:    "negative start",
			header:  "bytes -5-10/100",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseContentRange(tt.header)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseContentRange(%q) expected error", tt.header)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseContentRange(%q) error = %v", tt.header, err)
			}
			if tt.want == nil {
				if got != nil {
					t.Fatalf("ParseContentRange(%q) = %+v, want nil", tt.header, got)
				}
				return
			}
			if *got != *tt.want {
				t.Errorf("ParseContentRange(%q) = %+v, want %+v", tt.header, *got, *tt.want)
			}
		})
	}
}

func newTestReceiver(t *testing.T) (*Receiver, *store.Memory, uuid.UUID) {
	t.Helper()

	mem := store.NewMemory()
	job, err := mem.CreateJob(context.Background(), store.CreateJobParams{
		TargetCollection: "leads",
		FieldMapping:     map[string]string{"name": "fullName"},
	})
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	rc, err := New(t.TempDir(), mem)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return rc, mem, job.ID
}

func TestReceive_FreshTransfer(t *testing.T) {
	rc, mem, jobID := newTestReceiver(t)
	ctx := context.Background()

	data := "name\nAlice\nBob\n"
	res, err := rc.Receive(ctx, jobID, nil, "leads.csv", strings.NewReader(data))
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}

	if res.BytesReceived != int64(len(data)) {
		t.Errorf("BytesReceived = %d, want %d", res.BytesReceived, len(data))
	}
	if res.TotalBytes != int64(len(data)) {
		t.Errorf("TotalBytes = %d, want %d (fallback to transferred length)", res.TotalBytes, len(data))
	}
	if !res.Complete {
		t.Error("transfer without a range should be complete")
	}

	staged, err := os.ReadFile(rc.StagingPath(jobID))
	if err != nil {
		t.Fatalf("read staged file: %v", err)
	}
	if string(staged) != data {
		t.Errorf("staged content = %q, want %q", staged, data)
	}

	job, err := mem.Job(ctx, jobID)
	if err != nil {
		t.Fatalf("Job() error = %v", err)
	}
	if job.FileName != "leads.csv" {
		t.Errorf("FileName = %q, want %q", job.FileName, "leads.csv")
	}
	if job.FilePath != rc.StagingPath(jobID) {
		t.Errorf("FilePath = %q, want %q", job.FilePath, rc.StagingPath(jobID))
	}
	if job.FileSize != int64(len(data)) {
		t.Errorf("FileSize = %d, want %d", job.FileSize, len(data))
	}
}

func TestReceive_ChunkedResume(t *testing.T) {
	rc, _, jobID := newTestReceiver(t)
	ctx := context.Background()

	first := strings.Repeat("a", 300)
	second := strings.Repeat("b", 200)
	total := int64(500)

	res, err := rc.Receive(ctx, jobID, &ByteRange{Start: 0, End: 299, Total: total}, "big.csv", strings.NewReader(first))
	if err != nil {
		t.Fatalf("first chunk error = %v", err)
	}
	if res.BytesReceived != 300 || res.Complete {
		t.Fatalf("first chunk = %+v, want 300 bytes, incomplete", res)
	}

	res, err = rc.Receive(ctx, jobID, &ByteRange{Start: 300, End: 499, Total: total}, "big.csv", strings.NewReader(second))
	if err != nil {
		t.Fatalf("second chunk error = %v", err)
	}
	if res.BytesReceived != 500 || res.TotalBytes != 500 {
		t.Errorf("second chunk = %+v, want 500/500", res)
	}
	if !res.Complete {
		t.Error("final chunk should complete the transfer")
	}

	staged, err := os.ReadFile(rc.StagingPath(jobID))
	if err != nil {
		t.Fatalf("read staged file: %v", err)
	}
	if want := first + second; string(staged) != want {
		t.Errorf("staged %d bytes, want %d", len(staged), len(want))
	}
}

func TestReceive_OffsetMismatch(t *testing.T) {
	rc, _, jobID := newTestReceiver(t)
	ctx := context.Background()

	first := strings.Repeat("a", 300)
	if _, err := rc.Receive(ctx, jobID, &ByteRange{Start: 0, End: 299, Total: 1000}, "", strings.NewReader(first)); err != nil {
		t.Fatalf("first chunk error = %v", err)
	}

	// Client skips ahead to byte 500 while the server has 300 staged.
	_, err := rc.Receive(ctx, jobID, &ByteRange{Start: 500, End: 999, Total: 1000}, "", strings.NewReader(strings.Repeat("c", 500)))

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Receive() error = %v, want ConflictError", err)
	}
	if conflict.CurrentSize != 300 {
		t.Errorf("CurrentSize = %d, want 300", conflict.CurrentSize)
	}

	// The staged file must be untouched.
	staged, err := os.ReadFile(rc.StagingPath(jobID))
	if err != nil {
		t.Fatalf("read staged file: %v", err)
	}
	if string(staged) != first {
		t.Error("staged file changed after rejected range")
	}
}

func TestReceive_OverwriteWithoutRange(t *testing.T) {
	rc, _, jobID := newTestReceiver(t)
	ctx := context.Background()

	if _, err := rc.Receive(ctx, jobID, nil, "", strings.NewReader("old content")); err != nil {
		t.Fatalf("first transfer error = %v", err)
	}
	if _, err := rc.Receive(ctx, jobID, nil, "", strings.NewReader("new")); err != nil {
		t.Fatalf("second transfer error = %v", err)
	}

	staged, _ := os.ReadFile(rc.StagingPath(jobID))
	if string(staged) != "new" {
		t.Errorf("staged content = %q, want %q (fresh transfer overwrites)", staged, "new")
	}
}

func TestReceive_DefaultFileName(t *testing.T) {
	rc, mem, jobID := newTestReceiver(t)
	ctx := context.Background()

	if _, err := rc.Receive(ctx, jobID, nil, "", strings.NewReader("x")); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}

	job, _ := mem.Job(ctx, jobID)
	if want := "import-" + jobID.String() + ".csv"; job.FileName != want {
		t.Errorf("FileName = %q, want %q", job.FileName, want)
	}
}

func TestReceive_FailedEmptyTransferLeavesNoArtifact(t *testing.T) {
	rc, _, jobID := newTestReceiver(t)
	ctx := context.Background()

	_, err := rc.Receive(ctx, jobID, nil, "", failingReader{})
	if err == nil {
		t.Fatal("Receive() expected error")
	}

	if _, err := os.Stat(rc.StagingPath(jobID)); !errors.Is(err, os.ErrNotExist) {
		t.Error("zero-byte staging file should be removed after a failed first transfer")
	}
}

func TestReceive_FailedResumeKeepsStagedBytes(t *testing.T) {
	rc, _, jobID := newTestReceiver(t)
	ctx := context.Background()

	first := strings.Repeat("a", 100)
	if _, err := rc.Receive(ctx, jobID, &ByteRange{Start: 0, End: 99, Total: 200}, "", strings.NewReader(first)); err != nil {
		t.Fatalf("first chunk error = %v", err)
	}

	// Second chunk dies mid-body; the 100 staged bytes must survive.
	_, err := rc.Receive(ctx, jobID, &ByteRange{Start: 100, End: 199, Total: 200}, "", failingReader{})
	if err == nil {
		t.Fatal("Receive() expected error")
	}

	current, err := rc.Probe(jobID)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if current < 100 {
		t.Errorf("Probe() = %d, want at least the 100 previously staged bytes", current)
	}
}

func TestProbe_NoFile(t *testing.T) {
	rc, _, jobID := newTestReceiver(t)

	current, err := rc.Probe(jobID)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if current != 0 {
		t.Errorf("Probe() = %d, want 0 for unstarted upload", current)
	}
}

// failingReader errors immediately, simulating a dropped connection.
type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}
