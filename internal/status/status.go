// Package status exposes the bridge's operational surface: prometheus
// counters and an optional HTTP endpoint serving them next to a health
// probe. The protocol itself never flows through here.
package status

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the bridge's counter set. A nil *Metrics is a valid no-op
// receiver so sessions can run unobserved.
type Metrics struct {
	framesRead     prometheus.Counter
	framesWritten  prometheus.Counter
	channelsOpened *prometheus.CounterVec
	openFailures   *prometheus.CounterVec
	superuserStart *prometheus.CounterVec
}

// NewMetrics registers the bridge counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostbridge_frames_read_total",
			Help: "Frames read from the front-end transport.",
		}),
		framesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostbridge_frames_written_total",
			Help: "Frames written to the front-end transport.",
		}),
		channelsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hostbridge_channels_opened_total",
			Help: "Channels opened, by payload type.",
		}, []string{"payload"}),
		openFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hostbridge_channel_open_failures_total",
			Help: "Channel open failures, by problem code.",
		}, []string{"problem"}),
		superuserStart: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hostbridge_superuser_starts_total",
			Help: "Superuser bridge start attempts, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.framesRead, m.framesWritten, m.channelsOpened, m.openFailures, m.superuserStart)
	return m
}

func (m *Metrics) FrameRead() {
	if m != nil {
		m.framesRead.Inc()
	}
}

func (m *Metrics) FrameWritten() {
	if m != nil {
		m.framesWritten.Inc()
	}
}

func (m *Metrics) ChannelOpened(payload string) {
	if m != nil {
		m.channelsOpened.WithLabelValues(payload).Inc()
	}
}

func (m *Metrics) OpenFailed(problem string) {
	if m != nil {
		m.openFailures.WithLabelValues(problem).Inc()
	}
}

func (m *Metrics) SuperuserStart(result string) {
	if m != nil {
		m.superuserStart.WithLabelValues(result).Inc()
	}
}

// Handler builds the status HTTP handler: /healthz and /metrics.
func Handler(reg *prometheus.Registry, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}
