package codec

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/iago/converter-saas-back/internal/domain"
	"github.com/iago/converter-saas-back/internal/options"
)

const (
	DefaultQPDFTimeout = 120 * time.Second
	// qpdf exits with 3 when it succeeded with warnings.
	qpdfWarningExit = 3
)

// QPDF runs page-level PDF operations through the qpdf binary.
type QPDF struct {
	binary  string
	timeout time.Duration
	runner  Runner
}

func NewQPDF(binary string, timeout time.Duration, runner Runner) *QPDF {
	if binary == "" {
		binary = "qpdf"
	}
	if timeout <= 0 {
		timeout = DefaultQPDFTimeout
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &QPDF{binary: binary, timeout: timeout, runner: runner}
}

func (q *QPDF) Transform(ctx context.Context, req Request) error {
	doc := req.Options.Document
	if doc == nil {
		return domain.Errorf(domain.KindUnsupported, "document codec cannot run %s", req.Options.Operation)
	}
	in, out := req.InputPath, req.OutputPath

	switch req.Options.Operation {
	case domain.OpMerge:
		inputs := append([]string{in}, req.ExtraInputs...)
		if len(inputs) < 2 {
			return domain.Errorf(domain.KindInvalidInput, "merge requires at least two documents")
		}
		args := append([]string{"--empty", "--pages"}, inputs...)
		return q.exec(ctx, append(args, "--", out)...)
	case domain.OpSplit:
		return q.split(ctx, in, out, doc.Ranges)
	case domain.OpCompress:
		return q.exec(ctx,
			"--compression-level="+strconv.Itoa(doc.CompressionLevel),
			"--recompress-flate",
			"--object-streams=generate",
			in, out,
		)
	case domain.OpRotate:
		rotate := fmt.Sprintf("--rotate=+%d", doc.Rotation)
		if len(doc.Pages) > 0 {
			rotate += ":" + joinInts(doc.Pages)
		}
		return q.exec(ctx, rotate, in, out)
	case domain.OpDeletePages:
		count, err := q.PageCount(ctx, in)
		if err != nil {
			return err
		}
		keep, err := KeptPages(count, doc.Pages)
		if err != nil {
			return err
		}
		return q.exec(ctx, in, "--pages", ".", joinInts(keep), "--", out)
	case domain.OpReorder:
		count, err := q.PageCount(ctx, in)
		if err != nil {
			return err
		}
		for _, page := range doc.Order {
			if page > count {
				return domain.Errorf(domain.KindInvalidInput, "page %d is out of range, document has %d pages", page, count)
			}
		}
		return q.exec(ctx, in, "--pages", ".", joinInts(doc.Order), "--", out)
	case domain.OpProtect:
		return q.exec(ctx, "--encrypt", doc.Password, doc.OwnerPassword, "256", "--", in, out)
	case domain.OpUnlock:
		return q.exec(ctx, "--password="+doc.Password, "--decrypt", in, out)
	default:
		return domain.Errorf(domain.KindUnsupported, "document operation %s is not supported", req.Options.Operation)
	}
}

// PageCount asks qpdf for the number of pages of a document.
func (q *QPDF) PageCount(ctx context.Context, path string) (int, error) {
	stdout, err := q.output(ctx, "--show-npages", path)
	if err != nil {
		return 0, err
	}
	count, convErr := strconv.Atoi(strings.TrimSpace(string(stdout)))
	if convErr != nil || count < 1 {
		return 0, domain.Errorf(domain.KindInvalidInput, "could not read page count: %q", strings.TrimSpace(string(stdout)))
	}
	return count, nil
}

// split writes one PDF per range into a zip at out. No ranges means one file per page.
func (q *QPDF) split(ctx context.Context, in, out string, ranges []options.PageRange) error {
	count, err := q.PageCount(ctx, in)
	if err != nil {
		return err
	}
	if len(ranges) == 0 {
		for page := 1; page <= count; page++ {
			ranges = append(ranges, options.PageRange{From: page, To: page})
		}
	}

	scratch, err := os.MkdirTemp(filepath.Dir(out), "split-*")
	if err != nil {
		return domain.NewProcessingError(domain.KindInternal, "qpdf", fmt.Errorf("create split dir: %w", err))
	}
	defer os.RemoveAll(scratch)

	base := strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))
	parts := make([]string, 0, len(ranges))
	for _, r := range ranges {
		if r.To > count {
			return domain.Errorf(domain.KindInvalidInput, "page range %d-%d is out of range, document has %d pages", r.From, r.To, count)
		}
		name := fmt.Sprintf("%s_pages_%d-%d.pdf", base, r.From, r.To)
		if r.From == r.To {
			name = fmt.Sprintf("%s_page_%d.pdf", base, r.From)
		}
		part := filepath.Join(scratch, name)
		if err := q.exec(ctx, in, "--pages", ".", fmt.Sprintf("%d-%d", r.From, r.To), "--", part); err != nil {
			return err
		}
		parts = append(parts, part)
	}

	if err := ZipFiles(out, parts); err != nil {
		return domain.NewProcessingError(domain.KindInternal, "qpdf", err)
	}
	return nil
}

func (q *QPDF) exec(ctx context.Context, args ...string) error {
	_, err := q.output(ctx, args...)
	return err
}

func (q *QPDF) output(ctx context.Context, args ...string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	stdout, stderr, err := q.runner.Run(runCtx, q.binary, args...)
	if err == nil {
		return stdout, nil
	}
	var coder exitCoder
	if errors.As(err, &coder) && coder.ExitCode() == qpdfWarningExit {
		return stdout, nil
	}
	if strings.Contains(strings.ToLower(string(stderr)), "invalid password") {
		return nil, domain.Errorf(domain.KindInvalidInput, "the document password is incorrect")
	}
	return nil, classify(runCtx, "qpdf", q.timeout, stderr, err)
}

// KeptPages lists the pages of a count-page document that survive deleting pages.
func KeptPages(count int, deleted []int) ([]int, error) {
	drop := make(map[int]bool, len(deleted))
	for _, page := range deleted {
		if page < 1 || page > count {
			return nil, domain.Errorf(domain.KindInvalidInput, "page %d is out of range, document has %d pages", page, count)
		}
		drop[page] = true
	}
	keep := make([]int, 0, count)
	for page := 1; page <= count; page++ {
		if !drop[page] {
			keep = append(keep, page)
		}
	}
	if len(keep) == 0 {
		return nil, domain.Errorf(domain.KindInvalidInput, "cannot delete every page of the document")
	}
	return keep, nil
}

// ZipFiles writes files into a new zip archive at target, flat, by base name.
func ZipFiles(target string, files []string) error {
	archive, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create zip: %w", err)
	}
	writer := zip.NewWriter(archive)

	for _, path := range files {
		if err := addZipEntry(writer, path); err != nil {
			writer.Close()
			archive.Close()
			return err
		}
	}
	if err := writer.Close(); err != nil {
		archive.Close()
		return fmt.Errorf("finish zip: %w", err)
	}
	return archive.Close()
}

func addZipEntry(writer *zip.Writer, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer src.Close()

	entry, err := writer.Create(filepath.Base(path))
	if err != nil {
		return fmt.Errorf("add zip entry: %w", err)
	}
	if _, err := io.Copy(entry, src); err != nil {
		return fmt.Errorf("write zip entry: %w", err)
	}
	return nil
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, value := range values {
		parts[i] = strconv.Itoa(value)
	}
	return strings.Join(parts, ",")
}
