package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sup_sessions_active",
			Help: "Number of sessions currently being served",
		},
		[]string{"collection"},
	)

	busyRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sup_busy_rejections_total",
			Help: "Sessions turned away because the collection was busy",
		},
		[]string{"collection"},
	)

	filesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sup_files_sent_total",
			Help: "Entries sent to clients",
		},
		[]string{"collection"},
	)

	filesDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sup_files_denied_total",
			Help: "Requested entries the server refused to send",
		},
		[]string{"collection"},
	)

	bytesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sup_bytes_sent_total",
			Help: "File contents sent to clients, before compression",
		},
		[]string{"collection"},
	)
)

func init() {
	prometheus.MustRegister(
		sessionsActive,
		busyRejections,
		filesSent,
		filesDenied,
		bytesSent,
	)
}

// startMetricsServer serves /metrics on addr until the returned server is
// closed.
func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.WithError(err).WithField("address", addr).Error("Metrics server stopped")
		}
	}()
	return srv
}
