package extract

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/docextract/internal/config"
	"github.com/local/docextract/internal/deps"
	"github.com/local/docextract/internal/filetype"
	"github.com/local/docextract/internal/imagerender"
	"github.com/local/docextract/internal/pdftext"
	"github.com/local/docextract/internal/sessionlog"
	"github.com/local/docextract/internal/tempfiles"
)

// PageImage is one rasterized page handed to OCR.
type PageImage struct {
	Path       string
	PageNumber int
	SizeBytes  int64
}

// ConversionGate serializes PDF rasterization. The production
// implementation is the bounded-FIFO gate; an adapter narrows it to this
// shape at wiring time.
type ConversionGate interface {
	Submit(ctx context.Context, sessionID, pdfPath string, pages []int) ([]PageImage, error)
}

// OCRRunner recognizes one image end to end and reports which worker
// slot served it.
type OCRRunner interface {
	Run(ctx context.Context, imagePath string) (text string, confidence float64, workerID string, err error)
}

// TempRegistry scopes temp artifacts to a session.
type TempRegistry interface {
	Register(sessionID, path string, isDir bool, sizeBytes int64) string
	ReleaseBySession(sessionID string) int
	LiveCountForSession(sessionID string) int
}

// DepsProber supplies the cached dependency report.
type DepsProber interface {
	Report(ctx context.Context) deps.Report
}

// PDFParser extracts embedded text.
type PDFParser interface {
	Parse(path string) (*pdftext.Result, error)
}

// FileDetector routes inputs by magic bytes.
type FileDetector interface {
	Detect(path string) (filetype.Info, error)
}

// Recorder receives session records and lifecycle counts.
type Recorder interface {
	SessionStarted()
	Record(s sessionlog.Session)
	TempCreated(n int)
	TempReleased(n int)
}

// ProgressFunc reports coarse progress in [0,100].
type ProgressFunc func(percent int)

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Conversion config.ConversionConfig
	OCR        config.OCRConfig
	Gate       ConversionGate
	Pool       OCRRunner
	Temps      TempRegistry
	Prober     DepsProber
	Parser     PDFParser
	Detector   FileDetector
	Sessions   Recorder
}

// Orchestrator is the extraction decision engine: it classifies inputs,
// chooses direct text vs raster+OCR, applies the fallback rule and owns
// the session's temp resources.
type Orchestrator struct {
	d Deps

	// normalize is swappable for tests; production uses imagerender.
	normalize func(src, out string, maxW, maxH int) (int, int, error)
}

// New creates an Orchestrator.
func New(d Deps) *Orchestrator {
	return &Orchestrator{d: d, normalize: imagerender.NormalizeForOCR}
}

// session carries the per-invocation state.
type session struct {
	id       string
	taskID   string
	filePath string
	opts     Options
	start    time.Time
	stages   []sessionlog.StageEvent
	decision string
	created  int
	released int
}

func (s *session) stage(name string) {
	s.stages = append(s.stages, sessionlog.StageEvent{Name: name, At: time.Now()})
}

// Extract runs one extraction session. On every exit path the session's
// temp files are released. Cancellation is honored at stage boundaries
// and always propagates untouched.
func (o *Orchestrator) Extract(ctx context.Context, taskID, filePath string, opts Options, progress ProgressFunc) (res *Result, err error) {
	s := &session{
		id:       uuid.NewString(),
		taskID:   taskID,
		filePath: filePath,
		opts:     opts,
		start:    time.Now(),
	}
	if progress == nil {
		progress = func(int) {}
	}
	o.d.Sessions.SessionStarted()
	log.Info().Str("task", taskID).Str("session", s.id).Str("file", filepath.Base(filePath)).Msg("extraction started")

	defer func() {
		s.stage("cleanup")
		s.released = o.d.Temps.ReleaseBySession(s.id)
		o.d.Sessions.TempReleased(s.released)
		o.record(s, res, err)
	}()

	info, err := o.d.Detector.Detect(filePath)
	if err != nil {
		return nil, &InvalidInputError{Path: filePath, Reason: err.Error()}
	}
	if !info.Supported() {
		return nil, &InvalidInputError{Path: filePath, Reason: info.Description}
	}
	progress(5)

	switch info.Kind {
	case filetype.KindImage:
		return o.extractImage(ctx, s, progress)
	default:
		return o.extractPDF(ctx, s, progress)
	}
}

// extractPDF runs the classification, routing and fallback rules.
func (o *Orchestrator) extractPDF(ctx context.Context, s *session, progress ProgressFunc) (*Result, error) {
	parsed, err := o.d.Parser.Parse(s.filePath)
	if err != nil {
		return nil, &InvalidInputError{Path: s.filePath, Reason: fmt.Sprintf("unparseable pdf: %v", err)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pageCount := len(parsed.Pages)
	combined := parsed.Combined()
	cls := Classify(rawText(parsed), pageCount)
	s.decision = cls.Reason
	s.stage("classify")
	progress(15)
	log.Debug().Str("session", s.id).Bool("scanned", cls.Scanned).Str("reason", cls.Reason).
		Int("pages", pageCount).Int("words", cls.Words).Msg("pdf classified")

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.stage("dependencyCheck")
	report := o.d.Prober.Report(ctx)
	supported := report.ConversionSupported()

	if !cls.Scanned {
		return o.directResult(s, parsed, cls, combined, report), nil
	}

	switch {
	case !o.d.Conversion.Enabled:
		return o.fallbackResult(s, parsed, cls, report, MethodDisabled, "")
	case !supported:
		if cls.Chars == 0 {
			return nil, missingFromReport(report)
		}
		return o.fallbackResult(s, parsed, cls, report, MethodDirectFallback, KindDependencyMissing)
	}

	res, err := o.rasterAndRecognize(ctx, s, parsed, cls, report, progress)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil || Kind(err) == KindCancelled {
		return nil, err
	}
	// primary path failed: salvage direct text when there is any
	if cls.Chars > 0 {
		log.Warn().Err(err).Str("session", s.id).Msg("raster path failed, using direct-text fallback")
		return o.fallbackResult(s, parsed, cls, report, MethodDirectFallback, Kind(err))
	}
	return nil, err
}

// directResult emits a text-based PDF result without touching the
// registry: confidence 1.0, all pages processed.
func (o *Orchestrator) directResult(s *session, parsed *pdftext.Result, cls Classification, combined string, report deps.Report) *Result {
	summary := make([]PageEntry, 0, len(parsed.Pages))
	for _, p := range parsed.Pages {
		summary = append(summary, PageEntry{PageNumber: p.Number, PageText: p.Text, Confidence: confidenceDirect})
	}
	return &Result{
		Text:       combined,
		Confidence: confidenceDirect,
		Summary:    summary,
		Metadata:   o.metadata(s, cls, len(parsed.Pages), len(parsed.Pages), MethodDirect, report, metaFlags{}),
	}
}

// fallbackResult emits the degraded result for disabled or failed
// conversion. With no extractable text at all the text is empty and
// confidence zero.
func (o *Orchestrator) fallbackResult(s *session, parsed *pdftext.Result, cls Classification, report deps.Report, method, errClass string) (*Result, error) {
	hasText := cls.Chars > 0
	flags := metaFlags{
		scanned:            true,
		fallbackUsed:       hasText,
		conversionDisabled: method == MethodDisabled,
		errClass:           errClass,
	}

	text := ""
	confidence := confidenceNone
	var summary []PageEntry
	processed := 0
	if hasText {
		text = parsed.Combined()
		confidence = confidenceFallback
		processed = len(parsed.Pages)
		summary = make([]PageEntry, 0, processed)
		for _, p := range parsed.Pages {
			summary = append(summary, PageEntry{PageNumber: p.Number, PageText: p.Text, Confidence: confidenceFallback})
		}
	}
	return &Result{
		Text:       text,
		Confidence: confidence,
		Summary:    summary,
		Metadata:   o.metadata(s, cls, len(parsed.Pages), processed, method, report, flags),
	}, nil
}

// rasterAndRecognize drives the gate and the pool for a scanned PDF.
func (o *Orchestrator) rasterAndRecognize(ctx context.Context, s *session, parsed *pdftext.Result, cls Classification, report deps.Report, progress ProgressFunc) (*Result, error) {
	maxPages := o.d.Conversion.MaxPages
	if s.opts.MaxPages > 0 && s.opts.MaxPages < maxPages {
		maxPages = s.opts.MaxPages
	}
	pageCount := len(parsed.Pages)
	n := pageCount
	if n > maxPages {
		n = maxPages
	}
	pageNums := make([]int, n)
	for i := range pageNums {
		pageNums[i] = i + 1
	}

	s.stage("convert")
	convStart := time.Now()
	images, err := o.d.Gate.Submit(ctx, s.id, s.filePath, pageNums)
	convMs := time.Since(convStart).Milliseconds()
	if err != nil {
		return nil, err
	}
	for _, img := range images {
		o.d.Temps.Register(s.id, img.Path, false, img.SizeBytes)
		s.created++
	}
	o.d.Sessions.TempCreated(len(images) + 1) // page files plus the session dir
	s.created++                               // the conversion dir itself
	progress(50)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.stage("ocr")
	ocrStart := time.Now()
	entries, err := o.recognizeAll(ctx, images)
	ocrMs := time.Since(ocrStart).Milliseconds()
	if err != nil {
		return nil, err
	}
	progress(90)

	var sum float64
	var b []string
	for _, e := range entries {
		sum += e.Confidence
		b = append(b, fmt.Sprintf("=== Page %d ===\n%s", e.PageNumber, e.PageText))
	}
	confidence := 0.0
	if len(entries) > 0 {
		confidence = sum / float64(len(entries))
	}

	md := o.metadata(s, cls, pageCount, len(entries), MethodPDFToImage, report, metaFlags{scanned: true})
	md.ConversionTimeMs = convMs
	md.OcrTimeMs = ocrMs
	return &Result{
		Text:       joinPages(b),
		Confidence: confidence,
		Summary:    entries,
		Metadata:   md,
	}, nil
}

// recognizeAll fans page OCR out concurrently; the pool bounds effective
// parallelism. Output order follows page numbers, not completion order.
// The first failure cancels the remaining pages.
func (o *Orchestrator) recognizeAll(ctx context.Context, images []PageImage) ([]PageEntry, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make([]PageEntry, len(images))
	errs := make([]error, len(images))
	var wg sync.WaitGroup
	for i, img := range images {
		wg.Add(1)
		go func(i int, img PageImage) {
			defer wg.Done()
			start := time.Now()
			text, conf, workerID, err := o.d.Pool.Run(ctx, img.Path)
			if err != nil {
				errs[i] = err
				cancel()
				return
			}
			entries[i] = PageEntry{
				PageNumber: img.PageNumber,
				PageText:   text,
				Confidence: conf,
				WorkerID:   workerID,
				DurationMs: time.Since(start).Milliseconds(),
			}
		}(i, img)
	}
	wg.Wait()

	// prefer the root-cause error over secondary cancellations
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if first == nil {
			first = err
		}
		if Kind(err) != KindCancelled {
			return nil, err
		}
	}
	if first != nil {
		return nil, first
	}
	return entries, nil
}

// extractImage routes a PNG/JPEG straight to the pool, bypassing
// classification and the conversion gate.
func (o *Orchestrator) extractImage(ctx context.Context, s *session, progress ProgressFunc) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.decision = "image input"
	s.stage("normalize")
	normPath := filepath.Join(o.d.Conversion.TempDir, tempfiles.Generate("img")+".png")
	if _, _, err := o.normalize(s.filePath, normPath, o.d.Conversion.Width, o.d.Conversion.Height); err != nil {
		return nil, &InvalidInputError{Path: s.filePath, Reason: fmt.Sprintf("unreadable image: %v", err)}
	}
	o.d.Temps.Register(s.id, normPath, false, 0)
	s.created++
	o.d.Sessions.TempCreated(1)
	progress(40)

	s.stage("ocr")
	ocrStart := time.Now()
	text, conf, workerID, err := o.d.Pool.Run(ctx, normPath)
	ocrMs := time.Since(ocrStart).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	progress(90)

	md := o.metadata(s, Classification{Reason: "image input"}, 1, 1, MethodPDFToImage, o.d.Prober.Report(ctx), metaFlags{})
	md.OcrTimeMs = ocrMs
	return &Result{
		Text:       text,
		Confidence: conf,
		Summary: []PageEntry{{
			PageNumber: 1, PageText: text, Confidence: conf, WorkerID: workerID, DurationMs: ocrMs,
		}},
		Metadata: md,
	}, nil
}

type metaFlags struct {
	scanned            bool
	fallbackUsed       bool
	conversionDisabled bool
	errClass           string
}

func (o *Orchestrator) metadata(s *session, cls Classification, pageCount, processed int, method string, report deps.Report, flags metaFlags) Metadata {
	lang := s.opts.Language
	if lang == "" {
		lang = o.d.OCR.Languages
	}
	return Metadata{
		PageCount:           pageCount,
		OriginalPageCount:   pageCount,
		ProcessedPages:      processed,
		ProcessingTimeMs:    time.Since(s.start).Milliseconds(),
		Language:            lang,
		IsScannedPDF:        flags.scanned,
		OcrMethod:           method,
		TextDensity:         cls.CharsPerPage,
		AverageWordsPerPage: cls.WordsPerPage,
		DetectionReason:     cls.Reason,
		TempFilesCreated:    s.created,
		ConversionSupported: report.ConversionSupported(),
		FallbackUsed:        flags.fallbackUsed,
		ConversionDisabled:  flags.conversionDisabled,
		ErrorClass:          flags.errClass,
		SystemDependencies:  report,
	}
}

// record closes out the session in the log.
func (o *Orchestrator) record(s *session, res *Result, err error) {
	rec := sessionlog.Session{
		ID:           s.id,
		PDFPath:      s.filePath,
		Decision:     s.decision,
		TempCreated:  s.created,
		TempReleased: s.released,
		Start:        s.start,
		End:          time.Now(),
		Stages:       s.stages,
	}
	switch {
	case err != nil:
		rec.Result = "failure"
		rec.ErrorKind = Kind(err)
	case res != nil && res.Metadata.FallbackUsed:
		rec.Result = "partial"
		rec.Method = res.Metadata.OcrMethod
		rec.Pages = res.Metadata.ProcessedPages
		rec.ErrorKind = res.Metadata.ErrorClass
	default:
		rec.Result = "success"
		if res != nil {
			rec.Method = res.Metadata.OcrMethod
			rec.Pages = res.Metadata.ProcessedPages
		}
	}
	o.d.Sessions.Record(rec)
}

// rawText joins page texts with newlines for classification purposes.
func rawText(parsed *pdftext.Result) string {
	var b []string
	for _, p := range parsed.Pages {
		b = append(b, p.Text)
	}
	return joinPages(b)
}

func joinPages(pages []string) string {
	out := ""
	for i, p := range pages {
		if i > 0 {
			out += "\n\n"
		}
		out += p
	}
	return out
}

// missingFromReport builds the dependency error from a failed report.
func missingFromReport(report deps.Report) error {
	var missing []string
	hint := ""
	if !report.Ghostscript.OK {
		missing = append(missing, "ghostscript")
		hint = deps.InstallHint("ghostscript")
	}
	if !report.GraphicsMagick.OK && !report.ImageMagick.OK {
		missing = append(missing, "graphicsmagick or imagemagick")
		if hint == "" {
			hint = deps.InstallHint("graphicsmagick")
		}
	}
	return &DependencyMissingError{Missing: missing, Hint: hint}
}
