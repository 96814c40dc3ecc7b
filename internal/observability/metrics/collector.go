// Package metrics exposes the judging pipeline's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the pipeline reports.
type Collector struct {
	// Submission metrics
	SubmissionsReceived *prometheus.CounterVec
	SubmissionsJudged   *prometheus.CounterVec
	JudgeDuration       *prometheus.HistogramVec

	// Queue metrics
	QueueWaiting prometheus.Gauge
	QueueActive  prometheus.Gauge
	QueueDelayed prometheus.Gauge
	DeadLetters  prometheus.Counter

	// Worker metrics
	ActiveWorkers prometheus.Gauge
	JobRetries    prometheus.Counter

	// Event bus metrics
	MessagesPublished prometheus.Counter
	MessagesDropped   prometheus.Counter

	registry *prometheus.Registry
}

// NewCollector creates and registers the collectors on a private registry,
// so tests can build as many as they like.
func NewCollector() *Collector {
	c := &Collector{
		SubmissionsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "submissions_received_total",
				Help: "Submissions accepted for judging",
			},
			[]string{"language"},
		),
		SubmissionsJudged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "submissions_judged_total",
				Help: "Finalized submissions by verdict",
			},
			[]string{"verdict"},
		),
		JudgeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "judge_duration_seconds",
				Help:    "Wall time spent judging one submission",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"language"},
		),
		QueueWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "judge_queue_waiting",
			Help: "Jobs waiting to be claimed",
		}),
		QueueActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "judge_queue_active",
			Help: "Jobs currently being judged",
		}),
		QueueDelayed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "judge_queue_delayed",
			Help: "Jobs waiting out a retry backoff",
		}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "judge_dead_letters_total",
			Help: "Jobs that exhausted their retry budget",
		}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "judge_workers",
			Help: "Current worker pool size",
		}),
		JobRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "judge_job_retries_total",
			Help: "Failed judgment attempts that were retried",
		}),
		MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "event_messages_published_total",
			Help: "Messages published to the event bus",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "event_messages_dropped_total",
			Help: "Messages dropped by slow subscribers",
		}),
		registry: prometheus.NewRegistry(),
	}

	c.registry.MustRegister(
		c.SubmissionsReceived,
		c.SubmissionsJudged,
		c.JudgeDuration,
		c.QueueWaiting,
		c.QueueActive,
		c.QueueDelayed,
		c.DeadLetters,
		c.ActiveWorkers,
		c.JobRetries,
		c.MessagesPublished,
		c.MessagesDropped,
	)
	return c
}

// ObserveJudged records one finalized submission.
func (c *Collector) ObserveJudged(language, verdict string, duration time.Duration) {
	c.SubmissionsJudged.WithLabelValues(verdict).Inc()
	c.JudgeDuration.WithLabelValues(language).Observe(duration.Seconds())
}

// Handler returns the HTTP handler serving the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
