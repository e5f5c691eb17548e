package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.True(t, cfg.Conversion.Enabled)
	assert.Equal(t, 200, cfg.Conversion.DPI)
	assert.Equal(t, "png", cfg.Conversion.Format)
	assert.Equal(t, 2000, cfg.Conversion.Width)
	assert.Equal(t, 2000, cfg.Conversion.Height)
	assert.Equal(t, 1, cfg.Conversion.MaxPages)
	assert.Equal(t, 30*time.Second, cfg.Conversion.Timeout)
	assert.Equal(t, 3, cfg.Conversion.MaxConcurrent)
	assert.NotEmpty(t, cfg.Conversion.TempDir)

	assert.Equal(t, "eng+fra", cfg.OCR.Languages)
	assert.Equal(t, 2, cfg.OCR.PoolSize)

	assert.Equal(t, 100, cfg.TempFiles.MaxCount)
	assert.Equal(t, time.Hour, cfg.TempFiles.MaxAge)
	assert.Equal(t, int64(500*1024*1024), cfg.TempFiles.MaxSizeBytes)

	assert.False(t, cfg.DependencyStartup)
	assert.Equal(t, 3, cfg.Runner.Concurrency)
}

func TestFromEnvStrictValidation(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"dpi below range", "PDF_CONVERSION_DPI", "50"},
		{"dpi above range", "PDF_CONVERSION_DPI", "601"},
		{"dpi not a number", "PDF_CONVERSION_DPI", "high"},
		{"unsupported format", "PDF_CONVERSION_FORMAT", "tiff"},
		{"width too small", "PDF_CONVERSION_WIDTH", "99"},
		{"height too large", "PDF_CONVERSION_HEIGHT", "5001"},
		{"max pages zero", "PDF_CONVERSION_MAX_PAGES", "0"},
		{"max pages too large", "PDF_CONVERSION_MAX_PAGES", "11"},
		{"timeout too short", "PDF_CONVERSION_TIMEOUT", "4999"},
		{"timeout too long", "PDF_CONVERSION_TIMEOUT", "300001"},
		{"concurrency zero", "PDF_CONVERSION_MAX_CONCURRENT", "0"},
		{"bad enabled flag", "PDF_CONVERSION_ENABLED", "maybe"},
		{"bad language code", "OCR_LANGUAGES", "english"},
		{"uppercase language", "OCR_LANGUAGES", "ENG"},
		{"pool size negative", "OCR_POOL_SIZE", "-1"},
		{"temp count zero", "TEMP_FILE_MAX_COUNT", "0"},
		{"temp age too small", "TEMP_FILE_MAX_AGE_MS", "500"},
		{"temp size too small", "TEMP_FILE_MAX_SIZE_BYTES", "100"},
		{"bad startup check", "DEPENDENCY_CHECK_ON_STARTUP", "2"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := FromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.key)
		})
	}
}

func TestFromEnvFormatNormalization(t *testing.T) {
	t.Setenv("PDF_CONVERSION_FORMAT", "JPEG")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "jpg", cfg.Conversion.Format)
}

func TestFromEnvTimeoutMillis(t *testing.T) {
	t.Setenv("PDF_CONVERSION_TIMEOUT", "45000")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Conversion.Timeout)
}

func TestFromEnvAmbientLenient(t *testing.T) {
	// Ambient settings never fail construction on bad values.
	t.Setenv("RUNNER_CONCURRENCY", "lots")
	t.Setenv("LOG_MAX_SIZE_MB", "")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Runner.Concurrency)
	assert.Equal(t, 100, cfg.Logging.MaxSizeMB)
}

func TestFromEnvPoolSizeZeroAllowed(t *testing.T) {
	t.Setenv("OCR_POOL_SIZE", "0")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.OCR.PoolSize)
}

func TestToBackendOptions(t *testing.T) {
	c := ConversionConfig{DPI: 300, Format: "jpg", Width: 1500, Height: 1500}
	opts := c.ToBackendOptions()
	assert.Equal(t, 300, opts.Density)
	assert.Equal(t, "jpg", opts.Format)
	assert.Equal(t, 1500, opts.Width)
	assert.Equal(t, 1500, opts.Height)
}
