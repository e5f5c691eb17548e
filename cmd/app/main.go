package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/local/docextract/internal/config"
	"github.com/local/docextract/internal/convert"
	"github.com/local/docextract/internal/deps"
	"github.com/local/docextract/internal/extract"
	"github.com/local/docextract/internal/filetype"
	"github.com/local/docextract/internal/logger"
	"github.com/local/docextract/internal/metrics"
	"github.com/local/docextract/internal/ocr"
	"github.com/local/docextract/internal/pdftext"
	"github.com/local/docextract/internal/raster"
	"github.com/local/docextract/internal/runner"
	"github.com/local/docextract/internal/sessionlog"
	"github.com/local/docextract/internal/storage"
	"github.com/local/docextract/internal/taskqueue"
	"github.com/local/docextract/internal/taskstore"
	"github.com/local/docextract/internal/tempfiles"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		// logger is not up yet
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	_ = logger.Init(logger.Options{
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
	})
	defer logger.Close()

	metrics.Init()

	// Dependency probe. The report is logged at startup so a missing
	// binary is visible before the first task arrives.
	prober := deps.New(deps.Options{})
	report := prober.Report(context.Background())
	logDepStatus("graphicsmagick", report.GraphicsMagick)
	logDepStatus("imagemagick", report.ImageMagick)
	logDepStatus("ghostscript", report.Ghostscript)
	if cfg.DependencyStartup && !report.ConversionSupported() {
		log.Fatal().
			Str("hint_gs", deps.InstallHint("ghostscript")).
			Str("hint_gm", deps.InstallHint("graphicsmagick")).
			Msg("conversion dependencies missing and DEPENDENCY_CHECK_ON_STARTUP is set")
	}

	temps := tempfiles.New(cfg.TempFiles)
	defer temps.Close()

	pool := ocr.NewPool(cfg.OCR, cfg.Conversion.TempDir, ocr.NewTesseractEngine)
	defer pool.Close()

	backendBin := report.PreferredBackend()
	if backendBin == "" {
		backendBin = "gm" // gate rejects work anyway while deps are missing
	}
	gate := convert.New(cfg.Conversion, raster.NewBackend(backendBin), prober, temps)

	sessions := sessionlog.New()
	defer sessions.Close()

	engine := extract.New(extract.Deps{
		Conversion: cfg.Conversion,
		OCR:        cfg.OCR,
		Gate:       gateAdapter{gate},
		Pool:       pool,
		Temps:      temps,
		Prober:     prober,
		Parser:     pdftext.NewParser(nil),
		Detector:   filetype.New(),
		Sessions:   sessions,
	})

	store, err := taskstore.NewRedisStore(cfg.Queue.RedisURL, 0)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init task store")
	}
	defer store.Close()

	queue, err := taskqueue.NewRedisQueue(cfg.Queue.RedisURL, cfg.Queue.Stream, cfg.Queue.Group)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis queue")
	}
	defer queue.Close()

	var archiver runner.Archiver
	if cfg.ResultArchiveBucket != "" {
		a, err := storage.NewS3Archiver(context.Background(), cfg.ResultArchiveBucket)
		if err != nil {
			log.Warn().Err(err).Msg("result archiving disabled: s3 init failed")
		} else {
			archiver = a
		}
	}

	tasks := runner.New(runner.Config{Concurrency: cfg.Runner.Concurrency}, queue, store, engine, archiver)
	tasks.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", healthHandler(store, prober))

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux}
	go func() {
		log.Info().Str("port", cfg.Port).Str("env", cfg.Environment).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Dur("grace", cfg.Runner.GracePeriod).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Runner.GracePeriod)
	defer cancel()
	_ = srv.Shutdown(ctx)
	if err := tasks.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("runner did not drain within grace period")
	}
	log.Info().Msg("shutdown complete")
}

// gateAdapter narrows the conversion gate to the orchestrator's view.
type gateAdapter struct {
	gate *convert.Gate
}

func (a gateAdapter) Submit(ctx context.Context, sessionID, pdfPath string, pages []int) ([]extract.PageImage, error) {
	res, err := a.gate.Submit(ctx, convert.Request{SessionID: sessionID, InputPath: pdfPath, Pages: pages})
	if err != nil {
		return nil, err
	}
	images := make([]extract.PageImage, 0, len(res.Pages))
	for _, p := range res.Pages {
		images = append(images, extract.PageImage{Path: p.PagePath, PageNumber: p.PageNumber, SizeBytes: p.SizeBytes})
	}
	return images, nil
}

func logDepStatus(name string, st deps.Status) {
	ev := log.Info().Str("dependency", name).Bool("ok", st.OK)
	if st.Version != "" {
		ev = ev.Str("version", st.Version)
	}
	if !st.OK {
		ev = ev.Str("detail", st.Message)
	}
	ev.Msg("dependency probed")
}

func healthHandler(store *taskstore.RedisStore, prober *deps.Prober) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		report := prober.Report(ctx)
		redisOK := store.Ping(ctx) == nil

		status := "ok"
		code := http.StatusOK
		if !redisOK {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		var missing []string
		if !report.ConversionSupported() {
			if !report.Ghostscript.OK {
				missing = append(missing, "ghostscript")
			}
			if !report.GraphicsMagick.OK && !report.ImageMagick.OK {
				missing = append(missing, "graphicsmagick/imagemagick")
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":              status,
			"redis":               redisOK,
			"conversionSupported": report.ConversionSupported(),
			"missingDependencies": strings.Join(missing, ","),
		})
	}
}
