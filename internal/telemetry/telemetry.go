// Package telemetry holds the exporter's own Prometheus instrumentation:
// how scrapes went and how the network feed is behaving. A nil *Metrics is
// valid and records nothing.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Feed line outcomes.
const (
	LineOK        = "ok"
	LineMalformed = "malformed"
)

type Metrics struct {
	registry *prometheus.Registry

	ScrapesTotal   *prometheus.CounterVec
	ScrapeDuration prometheus.Histogram
	ActiveScrapes  prometheus.Gauge
	FeedLines      *prometheus.CounterVec
	TableClears    prometheus.Counter
	TableDevices   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ScrapesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hoststat_scrapes_total",
				Help: "Total number of scrape requests by HTTP status code",
			},
			[]string{"code"},
		),
		ScrapeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hoststat_scrape_duration_seconds",
				Help:    "Time spent rendering and writing a scrape",
				Buckets: prometheus.DefBuckets,
			},
		),
		ActiveScrapes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hoststat_scrapes_active",
				Help: "Number of scrapes currently in flight",
			},
		),
		FeedLines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hoststat_feed_lines_total",
				Help: "Network feed data lines read, by parse outcome",
			},
			[]string{"result"},
		),
		TableClears: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hoststat_table_clears_total",
				Help: "Times the network measurement table was cleared after a failure",
			},
		),
		TableDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hoststat_table_devices",
				Help: "Devices currently held in the network measurement table",
			},
		),
	}

	m.registry.MustRegister(
		m.ScrapesTotal,
		m.ScrapeDuration,
		m.ActiveScrapes,
		m.FeedLines,
		m.TableClears,
		m.TableDevices,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the self-metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records count, latency and concurrency of the wrapped route.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			m.ActiveScrapes.Inc()
			defer m.ActiveScrapes.Dec()

			err := next(c)

			status := c.Response().Status
			if err != nil {
				status = http.StatusInternalServerError
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			m.ScrapeDuration.Observe(time.Since(start).Seconds())
			m.ScrapesTotal.WithLabelValues(strconv.Itoa(status)).Inc()
			return err
		}
	}
}

func (m *Metrics) FeedLine(result string) {
	if m == nil {
		return
	}
	m.FeedLines.WithLabelValues(result).Inc()
}

func (m *Metrics) TableCleared() {
	if m == nil {
		return
	}
	m.TableClears.Inc()
	m.TableDevices.Set(0)
}

func (m *Metrics) SetTableDevices(n int) {
	if m == nil {
		return
	}
	m.TableDevices.Set(float64(n))
}
