package quality

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/iago/converter-saas-back/internal/domain"
)

func writeOutput(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write output: %v", err)
	}
	return path
}

func TestValidateAcceptsWellFormedOutputs(t *testing.T) {
	cases := map[string][]byte{
		"pdf":  []byte("%PDF-1.7\n%..."),
		"zip":  []byte("PK\x03\x04rest"),
		"jpg":  {0xFF, 0xD8, 0xFF, 0xE0, 0x00},
		"png":  []byte("\x89PNG\r\n\x1a\n...."),
		"wav":  []byte("RIFF\x24\x00\x00\x00WAVEfmt "),
		"mp4":  []byte("\x00\x00\x00\x18ftypmp42"),
		"mp3":  []byte("ID3\x04\x00"),
		"aac":  []byte("anything non-empty"),
		"tiff": []byte("MM\x00*\x00\x00"),
	}
	validator := NewOutputValidator()
	for format, content := range cases {
		if err := validator.Validate(writeOutput(t, "out."+format, content), format); err != nil {
			t.Fatalf("%s: expected valid output, got %v", format, err)
		}
	}
}

func TestValidateRejectsBadOutputs(t *testing.T) {
	validator := NewOutputValidator()
	cases := []struct {
		name    string
		format  string
		content []byte
	}{
		{name: "empty", format: "aac", content: nil},
		{name: "pdf without header", format: "pdf", content: []byte("<html>")},
		{name: "short jpeg", format: "JPG", content: []byte{0xFF}},
		{name: "mp3 garbage", format: "mp3", content: []byte("not audio")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validator.Validate(writeOutput(t, "out", tc.content), tc.format)
			if !errors.Is(err, ErrOutputRejected) {
				t.Fatalf("expected ErrOutputRejected, got %v", err)
			}
			if domain.KindOf(err) != domain.KindToolFailure {
				t.Fatalf("expected tool_failure kind, got %s", domain.KindOf(err))
			}
		})
	}
}

func TestValidateMissingFile(t *testing.T) {
	err := NewOutputValidator().Validate(filepath.Join(t.TempDir(), "missing.pdf"), "pdf")
	if !errors.Is(err, ErrOutputRejected) {
		t.Fatalf("expected ErrOutputRejected, got %v", err)
	}
}
