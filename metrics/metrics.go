package metrics

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/numtide/certpilot/model"
)

const namespace = "certpilot"

// Metrics records run outcomes and certificate expiry on a private registry, exported either
// over HTTP in daemon mode or as a node_exporter textfile after one-shot runs.
type Metrics struct {
	registry *prometheus.Registry

	Runs        *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	Expiry      *prometheus.GaugeVec
	LastCommit  *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Lifecycle runs by terminal state and failure reason.",
		}, []string{"domain", "state", "reason"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of lifecycle runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"domain"}),
		Expiry: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "certificate_expiry_timestamp_seconds",
			Help:      "Expiry of the certificate referenced by the active configuration.",
		}, []string{"domain"}),
		LastCommit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_commit_timestamp_seconds",
			Help:      "Time of the last committed run.",
		}, []string{"domain"}),
	}
	m.registry.MustRegister(m.Runs, m.RunDuration, m.Expiry, m.LastCommit)
	return m
}

// WithProcessCollectors adds the Go runtime and process collectors, for long running daemons.
func (m *Metrics) WithProcessCollectors() *Metrics {
	m.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

func (m *Metrics) ObserveResult(res model.Result, took time.Duration) {
	m.Runs.WithLabelValues(res.Domain, string(res.State), string(res.Reason)).Inc()
	m.RunDuration.WithLabelValues(res.Domain).Observe(took.Seconds())
	if res.State == model.StateCommitted {
		m.LastCommit.WithLabelValues(res.Domain).Set(float64(res.At.Unix()))
		if res.Certificate != nil {
			m.SetCertificate(res.Certificate)
		}
	}
}

func (m *Metrics) SetCertificate(cert *model.Certificate) {
	m.Expiry.WithLabelValues(cert.Domain).Set(float64(cert.ExpiresAt.Unix()))
}

func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WriteTextfile writes the current values in the text exposition format, atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "while creating metrics directory")
	}
	return errors.Wrap(prometheus.WriteToTextfile(path, m.registry), "while writing metrics textfile")
}
