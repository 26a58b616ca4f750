package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// metrics is registered on a per-service registry so that brokers started one after another in
// the same process do not collide.
type metrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	requestErrors   *prometheus.CounterVec
	producedRecords *prometheus.CounterVec
	producedBytes   *prometheus.CounterVec
	fetchedBytes    *prometheus.CounterVec
	topics          prometheus.Gauge
	connections     prometheus.Gauge
	groupRebalances prometheus.Counter
	compactions     prometheus.Counter
}

func newMetrics(cache *entryCache) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kop",
			Name:      "requests_total",
			Help:      "Kafka protocol requests handled, by API.",
		}, []string{"api"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kop",
			Name:      "request_errors_total",
			Help:      "Kafka protocol requests that could not be decoded or handled, by API.",
		}, []string{"api"}),
		producedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kop",
			Name:      "produced_records_total",
			Help:      "Records appended, by topic.",
		}, []string{"topic"}),
		producedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kop",
			Name:      "produced_bytes_total",
			Help:      "Record batch bytes appended, by topic.",
		}, []string{"topic"}),
		fetchedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kop",
			Name:      "fetched_bytes_total",
			Help:      "Record batch bytes returned to fetch requests, by topic.",
		}, []string{"topic"}),
		topics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kop",
			Name:      "topics",
			Help:      "Topics currently loaded.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kop",
			Name:      "active_connections",
			Help:      "Open Kafka protocol connections.",
		}),
		groupRebalances: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kop",
			Name:      "group_rebalances_total",
			Help:      "Completed consumer group rebalances.",
		}),
		compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kop",
			Name:      "compactions_total",
			Help:      "Completed topic compactions.",
		}),
	}
	m.registry.MustRegister(
		m.requests,
		m.requestErrors,
		m.producedRecords,
		m.producedBytes,
		m.fetchedBytes,
		m.topics,
		m.connections,
		m.groupRebalances,
		m.compactions,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "kop",
			Name:      "entry_cache_bytes",
			Help:      "Bytes held in the entry cache.",
		}, func() float64 {
			size, _, _ := cache.stats()
			return float64(size)
		}),
		collectors.NewGoCollector(),
	)
	return m
}
