package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/iago/converter-saas-back/internal/admission"
	"github.com/iago/converter-saas-back/internal/codec"
	"github.com/iago/converter-saas-back/internal/dispatch"
	"github.com/iago/converter-saas-back/internal/domain"
	httpserver "github.com/iago/converter-saas-back/internal/http"
	"github.com/iago/converter-saas-back/internal/http/handlers"
	"github.com/iago/converter-saas-back/internal/logger"
	"github.com/iago/converter-saas-back/internal/quality"
	"github.com/iago/converter-saas-back/internal/queue"
	"github.com/iago/converter-saas-back/internal/repository"
	"github.com/iago/converter-saas-back/internal/service"
	"github.com/iago/converter-saas-back/internal/storage"
	"github.com/iago/converter-saas-back/internal/worker"
)

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	Results        []scenarioResult `json:"results"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

type benchmarkEnv struct {
	server  *httptest.Server
	cancel  context.CancelFunc
	workDir string
}

func (e *benchmarkEnv) Close() {
	e.server.Close()
	e.cancel()
	_ = os.RemoveAll(e.workDir)
}

// jobIDs collects the ids of jobs created by one scenario so later scenarios can read them.
type jobIDs struct {
	mu  sync.Mutex
	ids []string
}

func (j *jobIDs) add(id string) {
	j.mu.Lock()
	j.ids = append(j.ids, id)
	j.mu.Unlock()
}

func (j *jobIDs) at(index int) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.ids) == 0 {
		return "missing"
	}
	return j.ids[index%len(j.ids)]
}

func main() {
	syncTotal := flag.Int("sync-total", 120, "total synchronous image conversions")
	syncConcurrency := flag.Int("sync-concurrency", 12, "concurrency for synchronous conversions")
	asyncTotal := flag.Int("async-total", 200, "total asynchronous submissions")
	asyncConcurrency := flag.Int("async-concurrency", 24, "concurrency for asynchronous submissions")
	detailTotal := flag.Int("detail-total", 200, "total job detail requests")
	detailConcurrency := flag.Int("detail-concurrency", 20, "concurrency for job detail requests")
	listTotal := flag.Int("list-total", 120, "total job list requests")
	listConcurrency := flag.Int("list-concurrency", 20, "concurrency for job list requests")
	imageSide := flag.Int("image-side", 256, "width and height of the generated PNG upload")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	upload, err := generatePNG(*imageSide)
	if err != nil {
		log.Fatalf("failed to generate upload: %v", err)
	}

	syncEnv, err := startBenchmarkEnvironment(false)
	if err != nil {
		log.Fatalf("failed to start sync benchmark environment: %v", err)
	}
	defer syncEnv.Close()

	asyncEnv, err := startBenchmarkEnvironment(true)
	if err != nil {
		log.Fatalf("failed to start async benchmark environment: %v", err)
	}
	defer asyncEnv.Close()

	client := &http.Client{Timeout: 30 * time.Second}
	created := &jobIDs{}

	syncScenario := runScenario("image_convert_sync", *syncTotal, *syncConcurrency, func(index int) error {
		id, err := postUpload(client, syncEnv.server.URL+"/api/v1/image/convert", clientAddress(index), upload, "jpg", http.StatusOK)
		if err == nil {
			created.add(id)
		}
		return err
	})

	asyncScenario := runScenario("image_convert_async", *asyncTotal, *asyncConcurrency, func(index int) error {
		_, err := postUpload(client, asyncEnv.server.URL+"/api/v1/image/convert", clientAddress(index), upload, "png", http.StatusAccepted)
		return err
	})

	detailScenario := runScenario("job_detail", *detailTotal, *detailConcurrency, func(index int) error {
		return getJSON(client, syncEnv.server.URL+"/api/v1/jobs/"+created.at(index), clientAddress(index), http.StatusOK)
	})

	listScenario := runScenario("jobs_list", *listTotal, *listConcurrency, func(index int) error {
		return getJSON(client, syncEnv.server.URL+"/api/v1/jobs", clientAddress(index), http.StatusOK)
	})

	results := []scenarioResult{
		syncScenario,
		asyncScenario,
		detailScenario,
		listScenario,
	}

	slo := map[string]bool{
		"sync_image_convert_p95_le_2000ms": syncScenario.P95MS <= 2000,
		"async_submit_p95_le_500ms":        asyncScenario.P95MS <= 500,
		"job_detail_p95_le_100ms":          detailScenario.P95MS <= 100,
	}

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		Results:        results,
		SLOEvaluation:  slo,
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal benchmark report: %v", err)
	}

	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			log.Fatalf("failed to write output file: %v", err)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

// startBenchmarkEnvironment wires the real pipeline with in-memory repositories,
// local storage and the pure-Go image codec. Async environments also run a worker.
func startBenchmarkEnvironment(async bool) (*benchmarkEnv, error) {
	ctx, cancel := context.WithCancel(context.Background())
	nop := logger.Nop()

	workDir, err := os.MkdirTemp("", "converter-loadtest-*")
	if err != nil {
		cancel()
		return nil, err
	}
	store, err := storage.NewFileStore(filepath.Join(workDir, "media"))
	if err != nil {
		cancel()
		return nil, err
	}

	jobs := repository.NewMemoryJobsRepository()
	artifacts := repository.NewMemoryArtifactsRepository()
	usage := repository.NewMemoryUsageRepository()

	registry := codec.NewRegistry()
	registry.Register(domain.ToolImage, codec.NewImageCodec())
	pipeline := dispatch.NewPipeline(dispatch.Dependencies{
		Jobs:      jobs,
		Artifacts: artifacts,
		Usage:     usage,
		Storage:   store,
		Codecs:    registry,
		Validator: quality.NewOutputValidator(),
	}, dispatch.Config{TempDir: workDir}, nop)

	var strategy dispatch.Strategy = dispatch.NewSync(pipeline)
	if async {
		localQueue := queue.NewLocalQueue(4096, queue.DefaultRetryPolicy(), nop)
		strategy = dispatch.NewAsync(localQueue, pipeline, nop)
		processor := worker.NewProcessor(localQueue, pipeline, worker.Config{Concurrency: 8}, nop)
		go func() { _ = processor.Start(ctx) }()
	}

	conversions := service.NewConversionService(service.Dependencies{
		Jobs:      jobs,
		Artifacts: artifacts,
		Storage:   store,
		Admission: admission.NewController(usage, jobs, admission.Config{
			MaxUploadSize: 50 << 20,
		}, nop),
		Strategy: strategy,
		Health:   service.HealthDependencies{Database: jobs},
	}, nop)

	router := httpserver.NewRouter(ctx, httpserver.RouterDependencies{
		API:            handlers.NewAPI(conversions, 50<<20, nop),
		Logger:         nop,
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
	})

	return &benchmarkEnv{
		server:  httptest.NewServer(router),
		cancel:  cancel,
		workDir: workDir,
	}, nil
}

func generatePNG(side int) ([]byte, error) {
	if side <= 0 {
		side = 64
	}
	img := image.NewRGBA(image.Rect(0, 0, side, side))
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: uint8(x ^ y), A: 0xFF})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// clientAddress spreads requests over distinct clients so the duplicate gate never fires.
func clientAddress(index int) string {
	return fmt.Sprintf("10.%d.%d.%d", (index>>16)&0xFF, (index>>8)&0xFF, index&0xFF)
}

func runScenario(
	name string,
	total int,
	concurrency int,
	requestFn func(index int) error,
) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	work := make(chan int, total)
	results := make(chan sample, total)
	for i := 0; i < total; i++ {
		work <- i
	}
	close(work)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range work {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{
					durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0,
				}
				if err != nil {
					s.err = err.Error()
				}
				results <- s
			}
		}()
	}
	wg.Wait()
	close(results)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success := 0
	errorsCount := 0
	for item := range results {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		errorsCount++
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	elapsedSeconds := time.Since(startedAt).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(total) / elapsedSeconds
	}

	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        errorsCount,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

func postUpload(
	client *http.Client,
	url string,
	clientIP string,
	content []byte,
	outputFormat string,
	expectedStatus int,
) (string, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", "benchmark.png")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if err := form.WriteField("output_format", outputFormat); err != nil {
		return "", fmt.Errorf("write output format: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}

	request, err := http.NewRequest(http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", form.FormDataContentType())
	request.Header.Set("Accept", "application/json")
	request.Header.Set("X-Forwarded-For", clientIP)

	response, err := client.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(response.Body, 64*1024))
	if response.StatusCode != expectedStatus {
		return "", fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, truncate(payload))
	}
	var job struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &job); err != nil {
		return "", fmt.Errorf("decode job: %w", err)
	}
	return job.ID, nil
}

func getJSON(client *http.Client, url string, clientIP string, expectedStatus int) error {
	request, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("X-Forwarded-For", clientIP)

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != expectedStatus {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, truncate(body))
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

func truncate(body []byte) string {
	if len(body) > 1024 {
		body = body[:1024]
	}
	return string(body)
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
