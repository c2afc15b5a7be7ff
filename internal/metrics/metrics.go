// Package metrics exposes Prometheus counters for the capture pipeline. Every
// instance owns a private registry so that several coordinators (and tests) never
// collide on metric names. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bookget/capture/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bookget_capture"

type Metrics struct {
	registry      *prometheus.Registry
	verdicts      *prometheus.CounterVec
	downloads     *prometheus.CounterVec
	bytes         prometheus.Counter
	duration      prometheus.Histogram
	navigations   *prometheus.CounterVec
	notifications prometheus.Counter
	quotaLeft     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_observed_total",
			Help:      "Responses evaluated by the interception policy",
		}, []string{"verdict"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Completed download attempts by result and source",
		}, []string{"result", "source"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Bytes written to the download directory",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "download_duration_seconds",
			Help:      "Time spent writing one capture",
			Buckets:   prometheus.DefBuckets,
		}),
		navigations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "navigations_total",
			Help:      "Navigations requested on the host surface",
		}, []string{"result"}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_notifications_total",
			Help:      "Hand-offs claimed from sibling processes",
		}),
		quotaLeft: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_remaining",
			Help:      "Downloads left before the run quota is reached",
		}),
	}
	m.registry.MustRegister(m.verdicts, m.downloads, m.bytes, m.duration, m.navigations, m.notifications, m.quotaLeft)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveVerdict(accept bool) {
	if m == nil {
		return
	}
	if accept {
		m.verdicts.WithLabelValues("accept").Inc()
	} else {
		m.verdicts.WithLabelValues("reject").Inc()
	}
}

// ObserveDownload records one finished capture. source is "body" when the surface
// handed over the bytes and "refetch" for out-of-band retrievals.
func (m *Metrics) ObserveDownload(source string, size int64, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.downloads.WithLabelValues("failure", source).Inc()
		return
	}
	m.downloads.WithLabelValues("success", source).Inc()
	m.bytes.Add(float64(size))
	m.duration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveNavigation(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.navigations.WithLabelValues("failure").Inc()
		return
	}
	m.navigations.WithLabelValues("success").Inc()
}

func (m *Metrics) ObserveNotification() {
	if m == nil {
		return
	}
	m.notifications.Inc()
}

func (m *Metrics) SetQuotaRemaining(n int) {
	if m == nil {
		return
	}
	m.quotaLeft.Set(float64(n))
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	log := utils.GetLogger("metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	log.Info().Str("op", "metrics/serve").Str("addr", addr).Msg("Serving metrics")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
