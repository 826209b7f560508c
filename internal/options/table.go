package options

import (
	_ "embed"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/iago/converter-saas-back/internal/domain"
)

//go:embed formats.yaml
var defaultTableYAML []byte

// AudioFormat is one row of the audio capability table. MaxBitrate == 0 marks a lossless format.
type AudioFormat struct {
	Codec          string   `yaml:"codec"`
	Options        []string `yaml:"options"`
	MaxBitrate     int      `yaml:"max_bitrate"`
	DefaultBitrate int      `yaml:"default_bitrate"`
}

func (f AudioFormat) Lossless() bool {
	return f.MaxBitrate == 0
}

type VideoFormat struct {
	VideoCodec      string   `yaml:"video_codec"`
	AudioCodec      string   `yaml:"audio_codec"`
	Options         []string `yaml:"options"`
	MaxResolution   string   `yaml:"max_resolution"`
	ForceResolution bool     `yaml:"force_resolution"`
	Legacy          bool     `yaml:"legacy"`
	PixelFormat     string   `yaml:"pixel_format"`
}

type ImageFormat struct {
	Quality int  `yaml:"quality"`
	Flatten bool `yaml:"flatten"`
}

type DocumentSettings struct {
	CompressLevels map[string]int `yaml:"compress_levels"`
}

// Table is the per-format capability data consumed by the Resolver.
type Table struct {
	Audio    map[string]AudioFormat `yaml:"audio"`
	Video    map[string]VideoFormat `yaml:"video"`
	Image    map[string]ImageFormat `yaml:"image"`
	Document DocumentSettings       `yaml:"document"`
	// Inputs lists the upload extensions each tool can read, keyed by tool type.
	Inputs map[string][]string `yaml:"inputs"`
}

// ParseTable decodes a capability table and validates its rows.
func ParseTable(data []byte) (*Table, error) {
	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("decode format table: %w", err)
	}
	for name, format := range table.Audio {
		if format.Codec == "" {
			return nil, fmt.Errorf("audio format %s: codec is required", name)
		}
		if format.MaxBitrate > 0 && (format.DefaultBitrate <= 0 || format.DefaultBitrate > format.MaxBitrate) {
			return nil, fmt.Errorf("audio format %s: default bitrate must be within (0, max]", name)
		}
	}
	for name, format := range table.Video {
		if format.VideoCodec == "" || format.AudioCodec == "" {
			return nil, fmt.Errorf("video format %s: both codecs are required", name)
		}
		if format.MaxResolution != "" {
			if _, _, err := parseResolution(format.MaxResolution); err != nil {
				return nil, fmt.Errorf("video format %s: %w", name, err)
			}
		}
	}
	for tool, extensions := range table.Inputs {
		if !domain.ToolType(tool).Valid() {
			return nil, fmt.Errorf("inputs: unknown tool %s", tool)
		}
		for i, ext := range extensions {
			extensions[i] = strings.ToLower(strings.TrimPrefix(ext, "."))
		}
	}
	return &table, nil
}

// DefaultTable returns the embedded capability table.
func DefaultTable() *Table {
	table, err := ParseTable(defaultTableYAML)
	if err != nil {
		panic(err)
	}
	return table
}

func (t *Table) audio(format string) (AudioFormat, bool) {
	row, ok := t.Audio[strings.ToLower(format)]
	return row, ok
}

func (t *Table) video(format string) (VideoFormat, bool) {
	row, ok := t.Video[strings.ToLower(format)]
	return row, ok
}

func (t *Table) image(format string) (ImageFormat, bool) {
	row, ok := t.Image[strings.ToLower(format)]
	return row, ok
}

func (t *Table) acceptsInput(tool domain.ToolType, ext string) bool {
	return slices.Contains(t.Inputs[string(tool)], strings.ToLower(ext))
}
