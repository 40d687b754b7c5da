package ops

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/inarbit/inarbit/internal/kv"
)

// trackedServices are the loops that publish a metrics:{service} hash.
var trackedServices = []string{
	"market_data_service",
	"triangular_service",
	"cashcarry_service",
	"market_regime",
	"decision_service",
}

// trackedStreams maps stream label -> sorted-set key.
var trackedStreams = map[string]string{
	"triangular": kv.TriangularOpportunitiesKey,
	"cashcarry":  kv.CashCarryOpportunitiesKey,
	"decisions":  kv.LatestDecisionsKey,
}

const collectTimeout = 2 * time.Second

// KVCollector exposes the per-service metric hashes and the stream depths as
// Prometheus gauges. Services publish into the key-value store on their own
// cadence; the collector just reads whatever is there at scrape time, so a
// scrape never blocks a trading loop.
type KVCollector struct {
	store kv.Store

	serviceMetric *prometheus.Desc
	serviceUpdate *prometheus.Desc
	streamDepth   *prometheus.Desc
	scrapeErrors  *prometheus.Desc

	errorCount atomic.Int64
}

func NewKVCollector(store kv.Store) *KVCollector {
	return &KVCollector{
		store: store,
		serviceMetric: prometheus.NewDesc(
			"inarbit_service_metric",
			"Numeric field of a service's published metric hash",
			[]string{"service", "field"}, nil,
		),
		serviceUpdate: prometheus.NewDesc(
			"inarbit_service_last_update_timestamp_ms",
			"Timestamp of the service's last metrics publish, in epoch milliseconds",
			[]string{"service"}, nil,
		),
		streamDepth: prometheus.NewDesc(
			"inarbit_stream_items",
			"Number of members currently in an opportunity or decision stream",
			[]string{"stream"}, nil,
		),
		scrapeErrors: prometheus.NewDesc(
			"inarbit_collector_errors_total",
			"Total key-value reads that failed during scrapes",
			nil, nil,
		),
	}
}

func (c *KVCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.serviceMetric
	ch <- c.serviceUpdate
	ch <- c.streamDepth
	ch <- c.scrapeErrors
}

func (c *KVCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	errs := 0
	for _, service := range trackedServices {
		fields, err := c.store.HGetAll(ctx, kv.ServiceMetricsKey(service))
		if err != nil {
			errs++
			continue
		}
		for field, raw := range fields {
			value, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				// Non-numeric fields like the regime label are status,
				// not metrics.
				continue
			}
			if field == "timestamp_ms" {
				ch <- prometheus.MustNewConstMetric(c.serviceUpdate, prometheus.GaugeValue, value, service)
				continue
			}
			ch <- prometheus.MustNewConstMetric(c.serviceMetric, prometheus.GaugeValue, value, service, field)
		}
	}

	for stream, key := range trackedStreams {
		members, err := c.store.ZRangeWithScores(ctx, key, 0, -1)
		if err != nil {
			errs++
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.streamDepth, prometheus.GaugeValue, float64(len(members)), stream)
	}

	if errs > 0 {
		c.errorCount.Add(int64(errs))
		log.Warn().Int("errors", errs).Msg("metrics scrape hit key-value read errors")
	}
	ch <- prometheus.MustNewConstMetric(c.scrapeErrors, prometheus.CounterValue, float64(c.errorCount.Load()))
}

// NewRegistry builds the registry served on /metrics: runtime collectors plus
// the key-value backed application collector.
func NewRegistry(store kv.Store) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		NewKVCollector(store),
	)
	return registry
}
