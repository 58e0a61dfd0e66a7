package crawl

import (
	"context"
	"fmt"

	"packetmap/geocode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics counts what crawl runs did. A nil *Metrics records nothing.
type Metrics struct {
	runs        *prometheus.CounterVec
	events      prometheus.Counter
	stations    *prometheus.CounterVec
	lookups     *prometheus.CounterVec
	quarantined prometheus.Counter
	lastFinish  *prometheus.GaugeVec
}

// NewMetrics registers the crawl collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "packetmap",
			Name:      "crawl_runs_total",
			Help:      "Finished crawl runs by mode and status.",
		}, []string{"mode", "status"}),
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "packetmap",
			Name:      "heard_events_inserted_total",
			Help:      "Heard events written after dedup.",
		}),
		stations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "packetmap",
			Name:      "stations_written_total",
			Help:      "Station rows inserted or updated.",
		}, []string{"change"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "packetmap",
			Name:      "geocode_lookups_total",
			Help:      "Geocode resolutions by outcome.",
		}, []string{"outcome"}),
		quarantined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "packetmap",
			Name:      "geocode_quarantine_writes_total",
			Help:      "Quarantine entries written or refreshed.",
		}),
		lastFinish: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "packetmap",
			Name:      "crawl_last_finished_timestamp_seconds",
			Help:      "Unix time the last run of each mode finished.",
		}, []string{"mode"}),
	}
	reg.MustRegister(m.runs, m.events, m.stations, m.lookups, m.quarantined, m.lastFinish)
	return m
}

func (m *Metrics) observeRun(rep Report) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(rep.Mode, rep.Status).Inc()
	m.events.Add(float64(rep.EventsAdded))
	m.stations.WithLabelValues("added").Add(float64(rep.StationsAdded))
	m.stations.WithLabelValues("updated").Add(float64(rep.StationsUpdated))
	m.quarantined.Add(float64(rep.Quarantined))
	if !rep.Finished.IsZero() {
		m.lastFinish.WithLabelValues(rep.Mode).Set(float64(rep.Finished.Unix()))
	}
}

func (m *Metrics) observeLookup(o geocode.Outcome) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(o.String()).Inc()
}

// Push sends everything gathered by g to a Pushgateway under job.
func Push(ctx context.Context, url, job string, g prometheus.Gatherer) error {
	if err := push.New(url, job).Gatherer(g).PushContext(ctx); err != nil {
		return fmt.Errorf("crawl: push metrics to %s: %w", url, err)
	}
	return nil
}
