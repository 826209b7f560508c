// Package codec performs the byte-level transformations behind each tool. Media
// goes through ffmpeg, images are re-encoded natively and PDFs go through qpdf.
package codec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/iago/converter-saas-back/internal/domain"
	"github.com/iago/converter-saas-back/internal/options"
)

const stderrTailBytes = 500

// Request is one transformation of InputPath into OutputPath.
type Request struct {
	InputPath   string
	InputFormat string
	ExtraInputs []string
	OutputPath  string
	Options     options.Resolved
}

// Codec must be safe to run more than once for the same request.
type Codec interface {
	Transform(ctx context.Context, req Request) error
}

// Prober reports media duration. ok is false when the duration is unknown.
type Prober interface {
	Duration(ctx context.Context, inputPath string) (seconds float64, ok bool)
}

// Registry picks the codec for a tool type.
type Registry struct {
	codecs map[domain.ToolType]Codec
}

func NewRegistry() *Registry {
	return &Registry{codecs: make(map[domain.ToolType]Codec)}
}

func (r *Registry) Register(tool domain.ToolType, codec Codec) {
	r.codecs[tool] = codec
}

func (r *Registry) For(tool domain.ToolType) (Codec, error) {
	codec, ok := r.codecs[tool]
	if !ok {
		return nil, domain.Errorf(domain.KindUnsupported, "no codec registered for %s", tool)
	}
	return codec, nil
}

// Runner executes an external binary. ExecRunner is the production implementation.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout []byte, stderr []byte, err error)
}

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Available reports whether binary resolves on PATH (or is an existing path).
func Available(binary string) bool {
	_, err := exec.LookPath(binary)
	return err == nil
}

type exitCoder interface {
	ExitCode() int
}

// run executes binary under timeout and tags the failure with an ErrorKind.
func run(
	ctx context.Context,
	runner Runner,
	tool string,
	timeout time.Duration,
	binary string,
	args []string,
) ([]byte, []byte, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stdout, stderr, err := runner.Run(runCtx, binary, args...)
	if err == nil {
		return stdout, stderr, nil
	}
	return stdout, stderr, classify(runCtx, tool, timeout, stderr, err)
}

func classify(ctx context.Context, tool string, timeout time.Duration, stderr []byte, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.NewProcessingError(domain.KindTimeout, tool, fmt.Errorf("timed out after %s", timeout))
	case errors.Is(ctx.Err(), context.Canceled):
		return domain.NewProcessingError(domain.KindTimeout, tool, errors.New("interrupted"))
	case errors.Is(err, exec.ErrNotFound):
		return domain.NewProcessingError(domain.KindUnavailable, tool, err)
	}

	message := err.Error()
	var coder exitCoder
	if errors.As(err, &coder) {
		message = fmt.Sprintf("exit status %d", coder.ExitCode())
	}
	if tail := stderrTail(stderr); tail != "" {
		message += ": " + tail
	}
	return domain.NewProcessingError(domain.KindToolFailure, tool, errors.New(message))
}

func stderrTail(stderr []byte) string {
	trimmed := bytes.TrimSpace(stderr)
	if len(trimmed) > stderrTailBytes {
		trimmed = trimmed[len(trimmed)-stderrTailBytes:]
	}
	return string(trimmed)
}
