package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom log forwarding configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// ConversionConfig controls the PDF rasterization path. Values are
// validated on construction and never mutated afterwards.
type ConversionConfig struct {
	Enabled       bool
	DPI           int
	Format        string // "png" or "jpg"
	Width         int
	Height        int
	MaxPages      int
	Timeout       time.Duration
	MaxConcurrent int
	TempDir       string
}

// BackendOptions is the invocation contract for the native rasterizer:
// one bitmap per requested page, written as outDir/page_<n>.<format>.
type BackendOptions struct {
	Density int
	Format  string
	Width   int
	Height  int
}

// OCRConfig controls the OCR worker pool.
type OCRConfig struct {
	Languages string // tesseract language spec, e.g. "eng+fra"
	PoolSize  int
}

// TempFilesConfig caps the temp-file registry.
type TempFilesConfig struct {
	MaxCount     int
	MaxAge       time.Duration
	MaxSizeBytes int64
}

// QueueConfig defines task queue connectivity and stream names.
type QueueConfig struct {
	RedisURL string
	Stream   string
	Group    string
}

// RunnerConfig defines task runner behavior.
type RunnerConfig struct {
	Concurrency int
	GracePeriod time.Duration
}

// Config is the top-level application configuration.
type Config struct {
	Logging             LoggingConfig
	Axiom               AxiomConfig
	Conversion          ConversionConfig
	OCR                 OCRConfig
	TempFiles           TempFilesConfig
	Queue               QueueConfig
	Runner              RunnerConfig
	DependencyStartup   bool   // fail startup when conversion deps are missing
	ResultArchiveBucket string // optional S3 bucket for completed results
	Port                string
	Environment         string
}

// IsEnabled reports whether the rasterization path is switched on.
func (c ConversionConfig) IsEnabled() bool { return c.Enabled }

// ToBackendOptions maps the conversion config onto the rasterizer contract.
func (c ConversionConfig) ToBackendOptions() BackendOptions {
	return BackendOptions{Density: c.DPI, Format: c.Format, Width: c.Width, Height: c.Height}
}

// FromEnv loads configuration from the environment. The document-processing
// variables form a closed set and are validated strictly: a malformed or
// out-of-range value aborts construction with an error naming the variable.
// Ambient variables (logging, queue, runner) fall back to defaults instead.
func FromEnv() (Config, error) {
	cfg := Config{}

	cfg.Environment = getEnv("ENVIRONMENT", "dev")
	cfg.Port = getEnv("PORT", "8080")

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", prettyDefault(cfg.Environment))),
		File:       getEnv("LOG_FILE", "logs/docextract.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       getEnv("AXIOM_DATASET", "dev") + "_docextract",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	var err error
	if cfg.Conversion, err = conversionFromEnv(); err != nil {
		return Config{}, err
	}
	if cfg.OCR, err = ocrFromEnv(); err != nil {
		return Config{}, err
	}
	if cfg.TempFiles, err = tempFilesFromEnv(); err != nil {
		return Config{}, err
	}
	if cfg.DependencyStartup, err = strictBool("DEPENDENCY_CHECK_ON_STARTUP", false); err != nil {
		return Config{}, err
	}

	cfg.Queue = QueueConfig{
		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379"),
		Stream:   getEnv("TASK_STREAM", "tasks:extract"),
		Group:    getEnv("TASK_GROUP", "workers:extract"),
	}
	cfg.Runner = RunnerConfig{
		Concurrency: parseInt(getEnv("RUNNER_CONCURRENCY", "3"), 3),
		GracePeriod: parseDuration(getEnv("SHUTDOWN_GRACE_PERIOD", "30s"), 30*time.Second),
	}
	cfg.ResultArchiveBucket = getEnv("RESULT_ARCHIVE_BUCKET", "")

	return cfg, nil
}

func conversionFromEnv() (ConversionConfig, error) {
	c := ConversionConfig{}

	enabled, err := strictBool("PDF_CONVERSION_ENABLED", true)
	if err != nil {
		return c, err
	}
	c.Enabled = enabled

	if c.DPI, err = strictIntRange("PDF_CONVERSION_DPI", 200, 72, 600); err != nil {
		return c, err
	}

	format := strings.ToLower(strings.TrimSpace(getEnv("PDF_CONVERSION_FORMAT", "png")))
	if format == "jpeg" {
		format = "jpg"
	}
	if format != "png" && format != "jpg" {
		return c, fmt.Errorf("PDF_CONVERSION_FORMAT: unsupported format %q (want png, jpg or jpeg)", format)
	}
	c.Format = format

	if c.Width, err = strictIntRange("PDF_CONVERSION_WIDTH", 2000, 100, 5000); err != nil {
		return c, err
	}
	if c.Height, err = strictIntRange("PDF_CONVERSION_HEIGHT", 2000, 100, 5000); err != nil {
		return c, err
	}
	if c.MaxPages, err = strictIntRange("PDF_CONVERSION_MAX_PAGES", 1, 1, 10); err != nil {
		return c, err
	}

	timeoutMs, err := strictIntRange("PDF_CONVERSION_TIMEOUT", 30000, 5000, 300000)
	if err != nil {
		return c, err
	}
	c.Timeout = time.Duration(timeoutMs) * time.Millisecond

	if c.MaxConcurrent, err = strictIntRange("PDF_CONVERSION_MAX_CONCURRENT", 3, 1, 10); err != nil {
		return c, err
	}

	c.TempDir = getEnv("PDF_TEMP_DIR", os.TempDir())
	if strings.TrimSpace(c.TempDir) == "" {
		return c, fmt.Errorf("PDF_TEMP_DIR: must be a non-empty path")
	}

	return c, nil
}

func ocrFromEnv() (OCRConfig, error) {
	langs := getEnv("OCR_LANGUAGES", "eng+fra")
	for _, l := range strings.Split(langs, "+") {
		if len(l) != 3 || strings.ToLower(l) != l {
			return OCRConfig{}, fmt.Errorf("OCR_LANGUAGES: invalid language code %q (want lowercase ISO-639 codes joined by '+')", l)
		}
	}
	size, err := strictIntRange("OCR_POOL_SIZE", 2, 0, 64)
	if err != nil {
		return OCRConfig{}, err
	}
	return OCRConfig{Languages: langs, PoolSize: size}, nil
}

func tempFilesFromEnv() (TempFilesConfig, error) {
	count, err := strictIntRange("TEMP_FILE_MAX_COUNT", 100, 1, 100000)
	if err != nil {
		return TempFilesConfig{}, err
	}
	ageMs, err := strictIntRange("TEMP_FILE_MAX_AGE_MS", 3600000, 1000, 86400000)
	if err != nil {
		return TempFilesConfig{}, err
	}
	size, err := strictInt64Range("TEMP_FILE_MAX_SIZE_BYTES", 500*1024*1024, 1024, 1<<40)
	if err != nil {
		return TempFilesConfig{}, err
	}
	return TempFilesConfig{
		MaxCount:     count,
		MaxAge:       time.Duration(ageMs) * time.Millisecond,
		MaxSizeBytes: size,
	}, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func strictBool(key string, def bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return def, nil
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("%s: invalid boolean %q", key, v)
}

func strictIntRange(key string, def, min, max int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("%s: %d out of range [%d, %d]", key, n, min, max)
	}
	return n, nil
}

func strictInt64Range(key string, def, min, max int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("%s: %d out of range [%d, %d]", key, n, min, max)
	}
	return n, nil
}

func prettyDefault(env string) string {
	switch strings.ToLower(env) {
	case "dev", "development", "local":
		return "true"
	}
	return "false"
}
