package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for pipeline jobs and the catalog
// they produce.
type Metrics struct {
	runs          *prometheus.CounterVec
	failures      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	products      *prometheus.GaugeVec
	contamination prometheus.Gauge
	images        *prometheus.CounterVec
	dropped       prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// SetCatalogState publishes the product counts of the last saved catalog.
func (m *Metrics) SetCatalogState(active, inactive, blocked int) {
	if m == nil {
		return
	}
	m.products.WithLabelValues("active").Set(float64(active))
	m.products.WithLabelValues("inactive").Set(float64(inactive))
	m.products.WithLabelValues("blocked").Set(float64(blocked))
}

// SetContamination publishes the contamination count of the last audit.
func (m *Metrics) SetContamination(count int) {
	if m == nil {
		return
	}
	m.contamination.Set(float64(count))
}

// AddImageOutcomes increments mirror outcome counters.
func (m *Metrics) AddImageOutcomes(mirrored, cached, failed, skipped int) {
	if m == nil {
		return
	}
	for status, n := range map[string]int{"mirrored": mirrored, "cached": cached, "failed": failed, "skipped": skipped} {
		if n > 0 {
			m.images.WithLabelValues(status).Add(float64(n))
		}
	}
}

// AddDroppedRecords counts feed rows dropped for lack of an identifier.
func (m *Metrics) AddDroppedRecords(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.dropped.Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pawsy_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pawsy_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pawsy_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	products := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pawsy_catalog_products",
		Help: "Products in the last saved catalog partitioned by state.",
	}, []string{"state"})
	contamination := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pawsy_catalog_contamination",
		Help: "Small-pet products whose title names a dog or cat.",
	})
	images := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pawsy_image_mirror_total",
		Help: "Image mirror outcomes partitioned by status.",
	}, []string{"status"})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pawsy_feed_dropped_records_total",
		Help: "Feed rows dropped because no identifier was present.",
	})
	registerer.MustRegister(runs, failures, duration, products, contamination, images, dropped)
	return &Metrics{
		runs:          runs,
		failures:      failures,
		duration:      duration,
		products:      products,
		contamination: contamination,
		images:        images,
		dropped:       dropped,
	}
}
