package options

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/iago/converter-saas-back/internal/domain"
)

// Resolved is the typed, bounded form of a job's options bag. Exactly one of the
// operation-specific fields is set for a given tool/operation pair.
type Resolved struct {
	ToolType     domain.ToolType
	Operation    domain.OperationType
	OutputFormat string

	Audio    *AudioOptions
	Video    *VideoOptions
	Trim     *TrimOptions
	Image    *ImageOptions
	Document *DocumentOptions

	Warnings []string
}

type AudioOptions struct {
	Codec      string
	Baseline   []string
	Bitrate    string
	SampleRate int
	Channels   int
}

type VideoOptions struct {
	VideoCodec   string
	AudioCodec   string
	Baseline     []string
	Resolution   string
	VideoBitrate string
	AudioBitrate string
	PixelFormat  string
}

type TrimOptions struct {
	Start    float64
	End      float64
	CopyMode bool
}

func (t TrimOptions) Duration() float64 {
	return t.End - t.Start
}

type ImageOptions struct {
	Width   int
	Height  int
	Quality int
	Flatten bool
}

type PageRange struct {
	From int
	To   int
}

type DocumentOptions struct {
	Pages            []int
	Ranges           []PageRange
	Order            []int
	Rotation         int
	Password         string
	OwnerPassword    string
	CompressionLevel int
	MergeInputs      []string
}

const (
	minPasswordLength = 4
	defaultCRF        = 28
	minCRF            = 18
	maxCRF            = 40
)

var compressPresets = map[string]bool{
	"ultrafast": true, "superfast": true, "veryfast": true, "faster": true,
	"fast": true, "medium": true, "slow": true,
}

// Resolver turns a loose options bag into format-safe encoder parameters.
type Resolver struct {
	table *Table
}

func NewResolver(table *Table) *Resolver {
	if table == nil {
		table = DefaultTable()
	}
	return &Resolver{table: table}
}

// Resolve validates raw against the capability table for the job's tool, operation and output format.
// Invalid requests fail with a terminal invalid_input or unsupported error; clamping produces warnings.
func (r *Resolver) Resolve(
	tool domain.ToolType,
	op domain.OperationType,
	outputFormat string,
	raw map[string]any,
) (Resolved, error) {
	resolved := Resolved{
		ToolType:     tool,
		Operation:    op,
		OutputFormat: strings.ToLower(strings.TrimSpace(outputFormat)),
	}
	bag := bag(raw)

	var err error
	switch {
	case (tool == domain.ToolAudio || tool == domain.ToolVideo) && op == domain.OpTrim:
		resolved.Trim, err = resolveTrim(bag)
	case tool == domain.ToolAudio && (op == domain.OpConvert || op == domain.OpExtract):
		resolved.Audio, err = r.resolveAudio(&resolved, bag)
	case tool == domain.ToolVideo && op == domain.OpConvert:
		resolved.Video, err = r.resolveVideo(&resolved, bag)
	case tool == domain.ToolVideo && op == domain.OpCompress:
		resolved.Video, err = r.resolveVideoCompress(&resolved, bag)
	case tool == domain.ToolImage && op == domain.OpConvert:
		resolved.Image, err = r.resolveImage(&resolved, bag)
	case tool == domain.ToolDocument:
		resolved.Document, err = r.resolveDocument(&resolved, bag)
	default:
		err = domain.Errorf(domain.KindUnsupported, "operation %s is not supported for %s", op, tool)
	}
	if err != nil {
		return Resolved{}, err
	}
	return resolved, nil
}

// CheckInput rejects an upload whose extension the tool cannot read.
func (r *Resolver) CheckInput(tool domain.ToolType, op domain.OperationType, filename string) error {
	ext := domain.Extension(filename)
	if ext == "" {
		return domain.Errorf(domain.KindInvalidInput, "file %q has no extension", filename)
	}
	if r.table.acceptsInput(tool, ext) {
		return nil
	}
	if tool == domain.ToolAudio && op == domain.OpExtract && r.table.acceptsInput(domain.ToolVideo, ext) {
		return nil
	}
	return domain.Errorf(domain.KindUnsupported, "input format %q is not supported for %s", ext, tool)
}

// ResolveAudioBitrate applies the bitrate rules of one audio format row.
// It returns the bitrate to pass to the encoder ("" for none) and an optional warning.
func ResolveAudioBitrate(format string, row AudioFormat, requested string) (string, string) {
	name := strings.ToUpper(format)
	requested = strings.TrimSpace(requested)

	if row.Lossless() {
		if requested != "" {
			return "", fmt.Sprintf("%s is a lossless format. Bitrate setting is ignored.", name)
		}
		return "", ""
	}
	if requested == "" {
		return fmt.Sprintf("%dk", row.DefaultBitrate), ""
	}

	value, ok := parseBitrate(requested)
	if !ok {
		return fmt.Sprintf("%dk", row.DefaultBitrate),
			fmt.Sprintf("Invalid bitrate format, using %dkbps", row.DefaultBitrate)
	}
	if value > row.MaxBitrate {
		return fmt.Sprintf("%dk", row.MaxBitrate), fmt.Sprintf(
			"%s does not support %dkbps. Maximum supported is %dkbps. Using %dkbps instead.",
			name, value, row.MaxBitrate, row.MaxBitrate,
		)
	}
	return fmt.Sprintf("%dk", value), ""
}

func parseBitrate(value string) (int, bool) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.TrimSuffix(normalized, "kbps")
	normalized = strings.TrimSuffix(normalized, "k")
	parsed, err := strconv.Atoi(strings.TrimSpace(normalized))
	if err != nil || parsed <= 0 {
		return 0, false
	}
	return parsed, true
}

func (r *Resolver) resolveAudio(resolved *Resolved, bag bag) (*AudioOptions, error) {
	row, ok := r.table.audio(resolved.OutputFormat)
	if !ok {
		return nil, domain.Errorf(domain.KindUnsupported, "audio format %q is not supported", resolved.OutputFormat)
	}

	bitrate, warning := ResolveAudioBitrate(resolved.OutputFormat, row, bag.string("bitrate"))
	resolved.addWarning(warning)

	sampleRate, err := bag.positiveInt("sample_rate")
	if err != nil {
		return nil, err
	}
	channels, err := bag.positiveInt("channels")
	if err != nil {
		return nil, err
	}

	return &AudioOptions{
		Codec:      row.Codec,
		Baseline:   append([]string(nil), row.Options...),
		Bitrate:    bitrate,
		SampleRate: sampleRate,
		Channels:   channels,
	}, nil
}

func (r *Resolver) resolveVideo(resolved *Resolved, bag bag) (*VideoOptions, error) {
	row, ok := r.table.video(resolved.OutputFormat)
	if !ok {
		return nil, domain.Errorf(domain.KindUnsupported, "video format %q is not supported", resolved.OutputFormat)
	}
	name := strings.ToUpper(resolved.OutputFormat)

	video := &VideoOptions{
		VideoCodec:   row.VideoCodec,
		AudioCodec:   row.AudioCodec,
		Baseline:     append([]string(nil), row.Options...),
		PixelFormat:  row.PixelFormat,
		Resolution:   bag.string("resolution"),
		VideoBitrate: bag.string("video_bitrate"),
		AudioBitrate: bag.string("audio_bitrate"),
	}

	warning := ""
	if row.MaxResolution != "" && row.ForceResolution {
		maxWidth, maxHeight, _ := parseResolution(row.MaxResolution)
		if video.Resolution == "" {
			video.Resolution = row.MaxResolution
		} else if width, height, err := parseResolution(video.Resolution); err != nil {
			video.Resolution = row.MaxResolution
		} else if width > maxWidth || height > maxHeight {
			video.Resolution = row.MaxResolution
			warning = fmt.Sprintf(
				"%s format limits resolution to %s. Using maximum supported resolution.",
				name, row.MaxResolution,
			)
		}
	} else if video.Resolution != "" {
		if _, _, err := parseResolution(video.Resolution); err != nil {
			return nil, domain.NewProcessingError(domain.KindInvalidInput, "resolution", err)
		}
	}

	if row.Legacy {
		video.VideoBitrate = ""
		video.AudioBitrate = ""
		if warning != "" {
			warning += " Bitrate settings are ignored for legacy formats."
		} else {
			warning = fmt.Sprintf("%s is a legacy format. Using optimized settings for compatibility.", name)
		}
	}
	resolved.addWarning(warning)

	for key, value := range map[string]string{"video_bitrate": video.VideoBitrate, "audio_bitrate": video.AudioBitrate} {
		if value != "" && !validRate(value) {
			return nil, domain.Errorf(domain.KindInvalidInput, "%s %q is not a valid bitrate", key, value)
		}
	}
	return video, nil
}

func (r *Resolver) resolveVideoCompress(resolved *Resolved, bag bag) (*VideoOptions, error) {
	row, ok := r.table.video(resolved.OutputFormat)
	if !ok {
		return nil, domain.Errorf(domain.KindUnsupported, "video format %q is not supported", resolved.OutputFormat)
	}

	crf := defaultCRF
	if requested, err := bag.positiveInt("crf"); err != nil {
		return nil, err
	} else if requested != 0 {
		crf = requested
	}
	if crf < minCRF || crf > maxCRF {
		clamped := min(max(crf, minCRF), maxCRF)
		resolved.addWarning(fmt.Sprintf("CRF %d is out of range. Using %d instead.", crf, clamped))
		crf = clamped
	}

	preset := strings.ToLower(bag.string("preset"))
	if preset == "" {
		preset = "veryfast"
	}
	if !compressPresets[preset] {
		return nil, domain.Errorf(domain.KindInvalidInput, "preset %q is not supported", preset)
	}

	var baseline []string
	switch row.VideoCodec {
	case "libx264":
		baseline = []string{"-preset", preset, "-crf", strconv.Itoa(crf)}
	case "libvpx-vp9":
		baseline = []string{"-crf", strconv.Itoa(crf), "-b:v", "0", "-deadline", "good", "-cpu-used", "4"}
	default:
		return nil, domain.Errorf(domain.KindUnsupported, "compression is not supported for %s", resolved.OutputFormat)
	}

	return &VideoOptions{
		VideoCodec:  row.VideoCodec,
		AudioCodec:  row.AudioCodec,
		Baseline:    baseline,
		PixelFormat: row.PixelFormat,
	}, nil
}

func resolveTrim(bag bag) (*TrimOptions, error) {
	start, err := bag.float("start_time")
	if err != nil {
		return nil, err
	}
	end, err := bag.float("end_time")
	if err != nil {
		return nil, err
	}
	if start < 0 {
		return nil, domain.Errorf(domain.KindInvalidInput, "start_time must not be negative")
	}
	if end <= start {
		return nil, domain.Errorf(domain.KindInvalidInput, "end_time must be greater than start_time")
	}
	copyMode, err := bag.boolDefault("copy_mode", true)
	if err != nil {
		return nil, err
	}
	return &TrimOptions{Start: start, End: end, CopyMode: copyMode}, nil
}

func (r *Resolver) resolveImage(resolved *Resolved, bag bag) (*ImageOptions, error) {
	row, ok := r.table.image(resolved.OutputFormat)
	if !ok {
		return nil, domain.Errorf(domain.KindUnsupported, "image format %q is not supported", resolved.OutputFormat)
	}
	width, err := bag.positiveInt("width")
	if err != nil {
		return nil, err
	}
	height, err := bag.positiveInt("height")
	if err != nil {
		return nil, err
	}

	quality := row.Quality
	requested, err := bag.positiveInt("quality")
	if err != nil {
		return nil, err
	}
	if requested != 0 {
		if row.Quality == 0 {
			resolved.addWarning(fmt.Sprintf("%s does not use a quality setting.", strings.ToUpper(resolved.OutputFormat)))
		} else {
			quality = min(requested, 100)
		}
	}
	return &ImageOptions{Width: width, Height: height, Quality: quality, Flatten: row.Flatten}, nil
}

func (r *Resolver) resolveDocument(resolved *Resolved, bag bag) (*DocumentOptions, error) {
	doc := &DocumentOptions{}
	var err error

	switch resolved.Operation {
	case domain.OpMerge:
		doc.MergeInputs = bag.strings("merge_inputs")
		if len(doc.MergeInputs) == 0 {
			return nil, domain.Errorf(domain.KindInvalidInput, "merge requires at least one additional input")
		}
	case domain.OpSplit:
		resolved.OutputFormat = "zip"
		doc.Ranges, err = parsePageRanges(bag.string("page_ranges"))
	case domain.OpCompress:
		quality := strings.ToLower(bag.string("quality"))
		if quality == "" {
			quality = "medium"
		}
		level, ok := r.table.Document.CompressLevels[quality]
		if !ok {
			return nil, domain.Errorf(domain.KindInvalidInput, "compression quality %q is not supported", quality)
		}
		doc.CompressionLevel = level
	case domain.OpRotate:
		doc.Rotation, err = bag.int("rotation")
		if err == nil && doc.Rotation != 90 && doc.Rotation != 180 && doc.Rotation != 270 {
			err = domain.Errorf(domain.KindInvalidInput, "rotation must be 90, 180 or 270")
		}
		if err == nil {
			doc.Pages, err = bag.ints("pages")
		}
	case domain.OpDeletePages:
		doc.Pages, err = bag.ints("pages")
		if err == nil && len(doc.Pages) == 0 {
			err = domain.Errorf(domain.KindInvalidInput, "pages to delete are required")
		}
	case domain.OpReorder:
		doc.Order, err = bag.ints("order")
		if err == nil && len(doc.Order) == 0 {
			err = domain.Errorf(domain.KindInvalidInput, "page order is required")
		}
	case domain.OpProtect:
		doc.Password = bag.string("password")
		doc.OwnerPassword = bag.string("owner_password")
		if len(doc.Password) < minPasswordLength {
			err = domain.Errorf(domain.KindInvalidInput, "password must have at least %d characters", minPasswordLength)
		}
		if doc.OwnerPassword == "" {
			doc.OwnerPassword = doc.Password
		}
	case domain.OpUnlock:
		doc.Password = bag.string("password")
		if doc.Password == "" {
			err = domain.Errorf(domain.KindInvalidInput, "password is required to unlock a document")
		}
	default:
		err = domain.Errorf(domain.KindUnsupported, "operation %s is not supported for documents", resolved.Operation)
	}
	if err != nil {
		return nil, err
	}
	if resolved.Operation != domain.OpSplit && resolved.OutputFormat != "pdf" {
		return nil, domain.Errorf(domain.KindUnsupported, "document operations produce pdf, got %q", resolved.OutputFormat)
	}
	for _, page := range append(append([]int(nil), doc.Pages...), doc.Order...) {
		if page < 1 {
			return nil, domain.Errorf(domain.KindInvalidInput, "page numbers start at 1, got %d", page)
		}
	}
	return doc, nil
}

// parsePageRanges reads "1-3,5,8-9". An empty string means one range per page.
func parsePageRanges(value string) ([]PageRange, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	ranges := make([]PageRange, 0)
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fromText, toText, isRange := strings.Cut(part, "-")
		from, err := strconv.Atoi(strings.TrimSpace(fromText))
		if err != nil {
			return nil, domain.Errorf(domain.KindInvalidInput, "invalid page range %q", part)
		}
		to := from
		if isRange {
			to, err = strconv.Atoi(strings.TrimSpace(toText))
			if err != nil {
				return nil, domain.Errorf(domain.KindInvalidInput, "invalid page range %q", part)
			}
		}
		if from < 1 || to < from {
			return nil, domain.Errorf(domain.KindInvalidInput, "invalid page range %q", part)
		}
		ranges = append(ranges, PageRange{From: from, To: to})
	}
	return ranges, nil
}

func parseResolution(value string) (int, int, error) {
	widthText, heightText, ok := strings.Cut(strings.ToLower(strings.TrimSpace(value)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("resolution %q must look like WIDTHxHEIGHT", value)
	}
	width, errW := strconv.Atoi(widthText)
	height, errH := strconv.Atoi(heightText)
	if errW != nil || errH != nil || width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("resolution %q must look like WIDTHxHEIGHT", value)
	}
	return width, height, nil
}

func validRate(value string) bool {
	trimmed := strings.TrimRight(strings.ToLower(value), "km")
	if trimmed == "" || len(value)-len(trimmed) > 1 {
		return false
	}
	_, err := strconv.Atoi(trimmed)
	return err == nil
}

func (r *Resolved) addWarning(warning string) {
	if warning != "" {
		r.Warnings = append(r.Warnings, warning)
	}
}
