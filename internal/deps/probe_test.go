package deps

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProber points every binary at "sh" so LookPath succeeds and
// swaps the runner for a canned response.
func fakeProber(run commandRunner) *Prober {
	p := New(Options{GMPath: "sh", MagickPath: "sh", ConvertPath: "sh", GSPath: "sh"})
	p.run = run
	return p
}

func TestConversionSupported(t *testing.T) {
	cases := []struct {
		name      string
		gm, im, gs bool
		want      bool
	}{
		{"all present", true, true, true, true},
		{"gs and gm only", true, false, true, true},
		{"gs and im only", false, true, true, true},
		{"gs missing", true, true, false, false},
		{"only gs", false, false, true, false},
		{"none", false, false, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := Report{
				GraphicsMagick: Status{OK: tc.gm},
				ImageMagick:    Status{OK: tc.im},
				Ghostscript:    Status{OK: tc.gs},
			}
			assert.Equal(t, tc.want, r.ConversionSupported())
		})
	}
}

func TestPreferredBackendFavorsGraphicsMagick(t *testing.T) {
	r := Report{
		GraphicsMagick: Status{OK: true, Path: "/usr/bin/gm"},
		ImageMagick:    Status{OK: true, Path: "/usr/bin/magick"},
	}
	assert.Equal(t, "/usr/bin/gm", r.PreferredBackend())

	r.GraphicsMagick.OK = false
	assert.Equal(t, "/usr/bin/magick", r.PreferredBackend())

	r.ImageMagick.OK = false
	assert.Empty(t, r.PreferredBackend())
}

func TestProbeSuccess(t *testing.T) {
	p := fakeProber(func(ctx context.Context, bin string, args ...string) (string, error) {
		return "GraphicsMagick 1.3.40\nmore output", nil
	})
	r := p.Report(context.Background())
	require.True(t, r.GraphicsMagick.OK)
	assert.Equal(t, "GraphicsMagick 1.3.40", r.GraphicsMagick.Version)
	assert.True(t, r.ConversionSupported())
}

func TestProbeCommandFailure(t *testing.T) {
	p := fakeProber(func(ctx context.Context, bin string, args ...string) (string, error) {
		return "", errors.New("exit status 127")
	})
	r := p.Report(context.Background())
	assert.False(t, r.GraphicsMagick.OK)
	assert.False(t, r.Ghostscript.OK)
	assert.False(t, r.ConversionSupported())
	assert.Equal(t, "exit status 127", r.Ghostscript.Message)
}

func TestProbeBinaryMissing(t *testing.T) {
	p := New(Options{
		GMPath:      "no-such-binary-gm",
		MagickPath:  "no-such-binary-magick",
		ConvertPath: "no-such-binary-convert",
		GSPath:      "no-such-binary-gs",
	})
	r := p.Report(context.Background())
	assert.False(t, r.ConversionSupported())
	assert.Equal(t, "Binary not found", r.GraphicsMagick.Message)
}

func TestReportCaching(t *testing.T) {
	calls := 0
	p := fakeProber(func(ctx context.Context, bin string, args ...string) (string, error) {
		calls++
		return "v1", nil
	})

	first := p.Report(context.Background())
	callsAfterFirst := calls
	second := p.Report(context.Background())
	assert.Equal(t, callsAfterFirst, calls, "fresh cache must not re-probe")
	assert.Equal(t, first.CheckedAt, second.CheckedAt)

	p.Refresh(context.Background())
	assert.Greater(t, calls, callsAfterFirst, "Refresh must re-probe")
}

func TestReportCacheExpiry(t *testing.T) {
	calls := 0
	p := fakeProber(func(ctx context.Context, bin string, args ...string) (string, error) {
		calls++
		return "v1", nil
	})
	p.opts.CacheTTL = time.Nanosecond

	p.Report(context.Background())
	callsAfterFirst := calls
	time.Sleep(time.Millisecond)
	p.Report(context.Background())
	assert.Greater(t, calls, callsAfterFirst)
}

func TestInstallHint(t *testing.T) {
	for _, dep := range []string{"graphicsmagick", "imagemagick", "ghostscript"} {
		assert.NotEmpty(t, InstallHint(dep))
	}
}
