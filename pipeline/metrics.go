package pipeline

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"sitewatch/camera"
	"sitewatch/detect"
)

// metrics mirrors the pipeline counters into Prometheus. The status lines on
// stdout stay the primary surface; the exporter is optional.
type metrics struct {
	framesCaptured prometheus.Gauge
	captureFails   prometheus.Gauge
	deviceReopens  prometheus.Gauge

	taskFPS        *prometheus.GaugeVec
	taskDetections *prometheus.GaugeVec
	taskQueueDepth *prometheus.GaugeVec
	taskInferFails *prometheus.GaugeVec
}

func newMetrics() *metrics {
	return &metrics{
		framesCaptured: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sitewatch_frames_captured_total",
			Help: "Frames read from the capture device.",
		}),
		captureFails: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sitewatch_capture_failures_total",
			Help: "Failed or empty device reads.",
		}),
		deviceReopens: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sitewatch_device_reopens_total",
			Help: "Device release/re-open cycles.",
		}),
		taskFPS: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sitewatch_task_fps",
			Help: "Processed frames per second per task.",
		}, []string{"task"}),
		taskDetections: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sitewatch_task_detections_total",
			Help: "Detections per task.",
		}, []string{"task"}),
		taskQueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sitewatch_task_queue_depth",
			Help: "Buffered frames per task queue.",
		}, []string{"task"}),
		taskInferFails: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sitewatch_task_inference_failures_total",
			Help: "Failed inference calls per task.",
		}, []string{"task"}),
	}
}

func (m *metrics) observe(arb camera.Stats, tasks []detect.Stats) {
	m.framesCaptured.Set(float64(arb.Captured))
	m.captureFails.Set(float64(arb.ReadFails))
	m.deviceReopens.Set(float64(arb.Reopens))
	for _, t := range tasks {
		m.taskFPS.WithLabelValues(t.Task).Set(t.FPS)
		m.taskDetections.WithLabelValues(t.Task).Set(float64(t.Detections))
		m.taskQueueDepth.WithLabelValues(t.Task).Set(float64(t.QueueDepth))
		m.taskInferFails.WithLabelValues(t.Task).Set(float64(t.InferFails))
	}
}

// serveMetrics exposes /metrics on addr until the process exits.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.WithField("addr", addr).Info("metrics endpoint up")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics endpoint failed")
		}
	}()
}
