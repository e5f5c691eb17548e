package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docextract",
			Name:      "sessions_total",
			Help:      "Extraction sessions by ocr method and result",
		},
		[]string{"method", "result"},
	)

	sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docextract",
			Name:      "session_duration_seconds",
			Help:      "Duration of extraction sessions by ocr method",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"method"},
	)

	pagesOcred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docextract",
			Name:      "pages_ocred_total",
			Help:      "Pages sent through OCR by result",
		},
		[]string{"result"},
	)

	ocrDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "docextract",
			Name:      "ocr_page_duration_seconds",
			Help:      "Duration of single-page OCR recognitions",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	conversionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docextract",
			Name:      "conversions_total",
			Help:      "PDF rasterizations by result",
		},
		[]string{"result"},
	)

	conversionQueue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "docextract",
			Name:      "conversion_gate",
			Help:      "Conversion gate occupancy: active and queued",
		},
		[]string{"state"},
	)

	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docextract",
			Name:      "errors_total",
			Help:      "Typed errors by kind",
		},
		[]string{"kind"},
	)

	tempFiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docextract",
			Name:      "temp_files_total",
			Help:      "Temp file lifecycle events: created, released, swept, failed",
		},
		[]string{"event"},
	)

	poolSlots = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "docextract",
			Name:      "ocr_pool_slots",
			Help:      "OCR pool slot states: idle, busy, recycling",
		},
		[]string{"state"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "docextract",
			Name:      "task_queue_depth",
			Help:      "Task queue depth gauges",
		},
		[]string{"type"},
	)
)

// Init registers collectors.
func Init() {
	prometheus.MustRegister(sessionsTotal, sessionDuration, pagesOcred, ocrDuration,
		conversionsTotal, conversionQueue, errorsTotal, tempFiles, poolSlots, queueDepth)
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func ObserveSession(method, result string, dur time.Duration) {
	sessionsTotal.WithLabelValues(method, result).Inc()
	sessionDuration.WithLabelValues(method).Observe(dur.Seconds())
}

func ObserveOCRPage(result string, dur time.Duration) {
	pagesOcred.WithLabelValues(result).Inc()
	ocrDuration.Observe(dur.Seconds())
}

func IncConversion(result string) { conversionsTotal.WithLabelValues(result).Inc() }

func SetGate(active, queued int) {
	conversionQueue.WithLabelValues("active").Set(float64(active))
	conversionQueue.WithLabelValues("queued").Set(float64(queued))
}

func IncError(kind string) { errorsTotal.WithLabelValues(kind).Inc() }

func IncTempFile(event string) { tempFiles.WithLabelValues(event).Inc() }

func SetPoolSlots(idle, busy, recycling int) {
	poolSlots.WithLabelValues("idle").Set(float64(idle))
	poolSlots.WithLabelValues("busy").Set(float64(busy))
	poolSlots.WithLabelValues("recycling").Set(float64(recycling))
}

func SetQueueDepth(kind string, v int64) { queueDepth.WithLabelValues(kind).Set(float64(v)) }
