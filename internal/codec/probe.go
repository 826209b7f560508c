package codec

import (
	"context"
	"encoding/json"
	"strconv"
	"time"
)

const DefaultProbeTimeout = 30 * time.Second

// FFprobe reads container duration. Every failure means "unknown".
type FFprobe struct {
	binary  string
	timeout time.Duration
	runner  Runner
}

func NewFFprobe(binary string, timeout time.Duration, runner Runner) *FFprobe {
	if binary == "" {
		binary = "ffprobe"
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &FFprobe{binary: binary, timeout: timeout, runner: runner}
}

func (p *FFprobe) Duration(ctx context.Context, inputPath string) (float64, bool) {
	stdout, _, err := run(ctx, p.runner, "ffprobe", p.timeout, p.binary, []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		inputPath,
	})
	if err != nil {
		return 0, false
	}
	return ParseProbeDuration(stdout)
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ParseProbeDuration extracts format.duration from ffprobe JSON output.
func ParseProbeDuration(output []byte) (float64, bool) {
	var parsed probeOutput
	if err := json.Unmarshal(output, &parsed); err != nil {
		return 0, false
	}
	if parsed.Format.Duration == "" {
		return 0, false
	}
	duration, err := strconv.ParseFloat(parsed.Format.Duration, 64)
	if err != nil || duration < 0 {
		return 0, false
	}
	return duration, true
}
