package codec

import (
	"context"
	"strconv"
	"time"

	"github.com/iago/converter-saas-back/internal/domain"
	"github.com/iago/converter-saas-back/internal/options"
)

const DefaultFFmpegTimeout = 300 * time.Second

// FFmpeg converts, trims and compresses audio and video.
type FFmpeg struct {
	binary  string
	timeout time.Duration
	runner  Runner
}

func NewFFmpeg(binary string, timeout time.Duration, runner Runner) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	if timeout <= 0 {
		timeout = DefaultFFmpegTimeout
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &FFmpeg{binary: binary, timeout: timeout, runner: runner}
}

func (f *FFmpeg) Transform(ctx context.Context, req Request) error {
	args, err := BuildArgs(req)
	if err != nil {
		return err
	}
	_, _, err = run(ctx, f.runner, "ffmpeg", f.timeout, f.binary, args)
	return err
}

// BuildArgs renders the full ffmpeg argument list for a resolved request.
func BuildArgs(req Request) ([]string, error) {
	resolved := req.Options
	args := []string{"-y", "-threads", "0", "-i", req.InputPath}

	switch {
	case resolved.Trim != nil:
		args = append(args, trimArgs(*resolved.Trim)...)
	case resolved.Audio != nil:
		args = append(args, audioArgs(*resolved.Audio)...)
	case resolved.Video != nil:
		args = append(args, videoArgs(*resolved.Video)...)
	default:
		return nil, domain.Errorf(
			domain.KindUnsupported,
			"ffmpeg cannot run %s %s",
			resolved.ToolType,
			resolved.Operation,
		)
	}
	return append(args, req.OutputPath), nil
}

func audioArgs(audio options.AudioOptions) []string {
	args := []string{"-vn", "-acodec", audio.Codec}
	args = append(args, audio.Baseline...)
	if audio.Bitrate != "" {
		args = append(args, "-b:a", audio.Bitrate)
	}
	if audio.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(audio.SampleRate))
	}
	if audio.Channels > 0 {
		args = append(args, "-ac", strconv.Itoa(audio.Channels))
	}
	return args
}

func videoArgs(video options.VideoOptions) []string {
	args := append([]string(nil), video.Baseline...)
	args = append(args, "-vcodec", video.VideoCodec, "-acodec", video.AudioCodec)
	if video.Resolution != "" {
		args = append(args, "-s", video.Resolution)
	}
	if video.VideoBitrate != "" {
		args = append(args, "-b:v", video.VideoBitrate)
	}
	if video.AudioBitrate != "" {
		args = append(args, "-b:a", video.AudioBitrate)
	}
	if video.PixelFormat != "" {
		args = append(args, "-pix_fmt", video.PixelFormat)
	}
	return args
}

func trimArgs(trim options.TrimOptions) []string {
	args := []string{
		"-ss", strconv.FormatFloat(trim.Start, 'f', -1, 64),
		"-t", strconv.FormatFloat(trim.Duration(), 'f', -1, 64),
	}
	if trim.CopyMode {
		args = append(args, "-c", "copy")
	}
	return args
}
