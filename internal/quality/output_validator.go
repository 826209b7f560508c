// Package quality checks codec outputs before they are published as artifacts.
package quality

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/iago/converter-saas-back/internal/domain"
)

var ErrOutputRejected = errors.New("output failed quality checks")

const headerSize = 16

type signature struct {
	offset int
	magic  []byte
}

// signatures lists the leading bytes a well-formed file of each format starts with.
// Formats without an entry only need to be non-empty.
var signatures = map[string][]signature{
	"pdf":  {{0, []byte("%PDF-")}},
	"zip":  {{0, []byte("PK\x03\x04")}},
	"png":  {{0, []byte("\x89PNG\r\n\x1a\n")}},
	"jpg":  {{0, []byte{0xFF, 0xD8, 0xFF}}},
	"jpeg": {{0, []byte{0xFF, 0xD8, 0xFF}}},
	"gif":  {{0, []byte("GIF87a")}, {0, []byte("GIF89a")}},
	"bmp":  {{0, []byte("BM")}},
	"tiff": {{0, []byte("II*\x00")}, {0, []byte("MM\x00*")}},
	"tif":  {{0, []byte("II*\x00")}, {0, []byte("MM\x00*")}},
	"wav":  {{8, []byte("WAVE")}},
	"flac": {{0, []byte("fLaC")}},
	"ogg":  {{0, []byte("OggS")}},
	"opus": {{0, []byte("OggS")}},
	"mp4":  {{4, []byte("ftyp")}},
	"m4a":  {{4, []byte("ftyp")}},
	"mov":  {{4, []byte("ftyp")}, {4, []byte("moov")}, {4, []byte("wide")}},
	"3gp":  {{4, []byte("ftyp")}},
	"mkv":  {{0, []byte{0x1A, 0x45, 0xDF, 0xA3}}},
	"webm": {{0, []byte{0x1A, 0x45, 0xDF, 0xA3}}},
	"avi":  {{8, []byte("AVI ")}},
	"flv":  {{0, []byte("FLV")}},
}

type OutputValidator struct{}

func NewOutputValidator() *OutputValidator {
	return &OutputValidator{}
}

// Validate rejects empty outputs and outputs whose leading bytes do not match format.
// Rejections are tool failures: the codec exited cleanly but produced something unusable.
func (v *OutputValidator) Validate(path, format string) error {
	file, err := os.Open(path)
	if err != nil {
		return domain.NewProcessingError(domain.KindToolFailure, "validate output", fmt.Errorf("%w: %v", ErrOutputRejected, err))
	}
	defer file.Close()

	header := make([]byte, headerSize)
	n, err := io.ReadFull(file, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return domain.NewProcessingError(domain.KindToolFailure, "validate output", fmt.Errorf("%w: %v", ErrOutputRejected, err))
	}
	header = header[:n]
	if n == 0 {
		return reject("output file is empty")
	}

	format = strings.ToLower(strings.TrimSpace(format))
	if format == "mp3" {
		if isMP3(header) {
			return nil
		}
		return reject("output is not a valid MP3 stream")
	}
	expected, ok := signatures[format]
	if !ok {
		return nil
	}
	for _, sig := range expected {
		if matches(header, sig) {
			return nil
		}
	}
	return reject(fmt.Sprintf("output does not look like %s", strings.ToUpper(format)))
}

func matches(header []byte, sig signature) bool {
	end := sig.offset + len(sig.magic)
	return len(header) >= end && bytes.Equal(header[sig.offset:end], sig.magic)
}

// isMP3 accepts an ID3 tag or a bare MPEG audio frame sync.
func isMP3(header []byte) bool {
	if bytes.HasPrefix(header, []byte("ID3")) {
		return true
	}
	return len(header) >= 2 && header[0] == 0xFF && header[1]&0xE0 == 0xE0
}

func reject(message string) error {
	return domain.NewProcessingError(domain.KindToolFailure, "validate output", fmt.Errorf("%w: %s", ErrOutputRejected, message))
}
