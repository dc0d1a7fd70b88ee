package importer

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestUTF8Sanitizer(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "pure ascii untouched",
			input: "name,email\nAlice,alice@example.com\n",
			want:  "name,email\nAlice,alice@example.com\n",
		},
		{
			name:  "valid multibyte untouched",
			input: "nom,prénom\nJosé,Łukasz\n",
			want:  "nom,prénom\nJosé,Łukasz\n",
		},
		{
			name:  "lone invalid byte",
			input: "Ali\xffce",
			want:  "Ali?ce",
		},
		{
			name:  "latin1 bytes each become one question mark",
			input: "Jos\xe9,Ren\xe9e",
			want:  "Jos?,Ren?e",
		},
		{
			name:  "truncated rune at end of input",
			input: "caf\xc3",
			want:  "caf?",
		},
		{
			name:  "stray continuation byte",
			input: "\x80abc",
			want:  "?abc",
		},
		{
			name:  "empty input",
			input: "",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := io.ReadAll(NewUTF8Sanitizer(strings.NewReader(tt.input)))
			if err != nil {
				t.Fatalf("ReadAll() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("sanitized = %q, want %q", got, tt.want)
			}
			if len(got) != len(tt.input) {
				t.Errorf("sanitized length = %d, want %d (must be byte-count preserving)", len(got), len(tt.input))
			}
		})
	}
}

// Multi-byte runes split across read boundaries must survive intact. The
// one-byte-at-a-time reader forces every rune through the pending buffer.
func TestUTF8Sanitizer_SplitRunes(t *testing.T) {
	input := "héllo wörld, Łukasz 😀"

	got, err := io.ReadAll(NewUTF8Sanitizer(oneByteReader{r: strings.NewReader(input)}))
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(got) != input {
		t.Errorf("sanitized = %q, want %q", got, input)
	}
}

func TestUTF8Sanitizer_PreservesByteCount(t *testing.T) {
	// A mix of valid runes and garbage; total length must not change.
	var buf bytes.Buffer
	buf.WriteString("id,name\n")
	for i := 0; i < 100; i++ {
		buf.WriteString("1,Jos\xe9\xff\n")
	}
	input := buf.String()

	got, err := io.ReadAll(NewUTF8Sanitizer(strings.NewReader(input)))
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(got) != len(input) {
		t.Errorf("sanitized length = %d, want %d", len(got), len(input))
	}
}

// oneByteReader yields one byte per Read call.
type oneByteReader struct {
	r io.Reader
}

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}
