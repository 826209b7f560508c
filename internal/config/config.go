package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config centralizes runtime settings for the API and workers.
type Config struct {
	Port   string
	AppEnv string

	DatabaseURL     string
	DatabaseMigrate bool

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisStream     string
	RedisDLQ        string
	RedisDelayedSet string
	RedisGroup      string
	RedisConsumer   string

	UseAsyncConversion bool

	QueueMaxRetries  int
	QueueRetryBase   time.Duration
	QueueRetryMax    time.Duration
	QueueLocalBuffer int

	QueueBatchingEnabled     bool
	QueueBatchSize           int
	QueueBatchFlushMS        int
	QueueBatchFlushTimeoutMS int
	QueueBatchQueueCapacity  int
	QueueBatchMaxInFlight    int

	WorkerEnabled     bool
	WorkerConcurrency int
	TaskTimeLimit     time.Duration
	TaskSoftTimeLimit time.Duration
	WorkerLeaseTTL    time.Duration
	ReclaimInterval   time.Duration

	// ReclaimPendingAfter is how long a job may wait unclaimed before it is enqueued again.
	ReclaimPendingAfter time.Duration

	RateLimitRequestsPerHour int
	RateLimitPerTool         bool
	RateLimitRPS             float64
	RateLimitBurst           int

	MaxUploadSize   int64
	DuplicateWindow time.Duration

	ConvertedFileExpiry time.Duration
	CleanupInterval     time.Duration

	StorageBackend     string
	MediaRoot          string
	TempDir            string
	GCSBucket          string
	GCSPrefix          string
	GCSCredentialsFile string

	FFmpegPath     string
	FFprobePath    string
	QPDFPath       string
	FFmpegTimeout  time.Duration
	FFprobeTimeout time.Duration
	QPDFTimeout    time.Duration

	CORSAllowedOrigins []string

	JobCacheSize int
	JobCacheTTL  time.Duration
}

func Load() Config {
	return Config{
		Port:   getEnv("PORT", "8080"),
		AppEnv: getEnv("APP_ENV", "development"),

		DatabaseURL:     getEnv("DATABASE_URL", ""),
		DatabaseMigrate: getEnvBool("DATABASE_MIGRATE", true),

		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("REDIS_DB", 0),
		RedisStream:     getEnv("REDIS_STREAM", "converter_jobs"),
		RedisDLQ:        getEnv("REDIS_DLQ_STREAM", "converter_jobs_dlq"),
		RedisDelayedSet: getEnv("REDIS_DELAYED_SET", "converter_jobs_delayed"),
		RedisGroup:      getEnv("REDIS_GROUP", "converter_workers"),
		RedisConsumer:   getEnv("REDIS_CONSUMER", hostname()),

		UseAsyncConversion: getEnvBool("USE_ASYNC_CONVERSION", false),

		QueueMaxRetries:  getEnvInt("QUEUE_MAX_RETRIES", 3),
		QueueRetryBase:   time.Duration(getEnvInt("QUEUE_RETRY_BASE_MS", 1000)) * time.Millisecond,
		QueueRetryMax:    time.Duration(getEnvInt("QUEUE_RETRY_MAX_MS", 600000)) * time.Millisecond,
		QueueLocalBuffer: getEnvInt("QUEUE_LOCAL_BUFFER", 1024),

		QueueBatchingEnabled:     getEnvBool("QUEUE_BATCHING_ENABLED", true),
		QueueBatchSize:           getEnvInt("QUEUE_BATCH_SIZE", 32),
		QueueBatchFlushMS:        getEnvInt("QUEUE_BATCH_FLUSH_MS", 25),
		QueueBatchFlushTimeoutMS: getEnvInt("QUEUE_BATCH_FLUSH_TIMEOUT_MS", 3000),
		QueueBatchQueueCapacity:  getEnvInt("QUEUE_BATCH_QUEUE_CAPACITY", 2048),
		QueueBatchMaxInFlight:    getEnvInt("QUEUE_BATCH_MAX_IN_FLIGHT", 4),

		WorkerEnabled:     getEnvBool("WORKER_ENABLED", true),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 2),
		TaskTimeLimit:     getEnvDuration("TASK_TIME_LIMIT", time.Hour),
		TaskSoftTimeLimit: getEnvDuration("TASK_SOFT_TIME_LIMIT", 55*time.Minute),
		WorkerLeaseTTL:    getEnvDuration("WORKER_LEASE_TTL", time.Minute),
		ReclaimInterval:   getEnvDuration("RECLAIM_INTERVAL", 30*time.Second),

		ReclaimPendingAfter: getEnvDuration("RECLAIM_PENDING_AFTER", 15*time.Minute),

		RateLimitRequestsPerHour: getEnvInt("RATE_LIMIT_REQUESTS_PER_HOUR", 100),
		RateLimitPerTool:         getEnvBool("RATE_LIMIT_PER_TOOL", false),
		RateLimitRPS:             getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:           getEnvInt("RATE_LIMIT_BURST", 40),

		MaxUploadSize:   getEnvInt64("MAX_UPLOAD_SIZE", 500*1024*1024),
		DuplicateWindow: getEnvDuration("DUPLICATE_WINDOW", 5*time.Minute),

		ConvertedFileExpiry: getEnvDuration("CONVERTED_FILE_EXPIRY", time.Hour),
		CleanupInterval:     getEnvDuration("CLEANUP_INTERVAL", 30*time.Minute),

		StorageBackend:     strings.ToLower(getEnv("STORAGE_BACKEND", "local")),
		MediaRoot:          getEnv("MEDIA_ROOT", "./media"),
		TempDir:            getEnv("TEMP_DIR", os.TempDir()),
		GCSBucket:          getEnv("GCS_BUCKET", ""),
		GCSPrefix:          getEnv("GCS_PREFIX", ""),
		GCSCredentialsFile: getEnv("GCS_CREDENTIALS_FILE", ""),

		FFmpegPath:     getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:    getEnv("FFPROBE_PATH", "ffprobe"),
		QPDFPath:       getEnv("QPDF_PATH", "qpdf"),
		FFmpegTimeout:  getEnvDuration("FFMPEG_TIMEOUT", 300*time.Second),
		FFprobeTimeout: getEnvDuration("FFPROBE_TIMEOUT", 30*time.Second),
		QPDFTimeout:    getEnvDuration("QPDF_TIMEOUT", 120*time.Second),

		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),

		JobCacheSize: getEnvInt("JOB_CACHE_SIZE", 1024),
		JobCacheTTL:  getEnvDuration("JOB_CACHE_TTL", 10*time.Minute),
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "api-1"
	}
	return name
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInt64(key string, fallback int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go durations ("90s", "1h") and bare integers as seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	items := make([]string, 0)
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}
