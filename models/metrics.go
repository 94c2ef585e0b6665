package models

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	cachedLabel    = "cached"
	worldUUIDLabel = "world_uuid"
	poolLabel      = "pool"
)

var (
	worldCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "world_count",
		Help: "The number of worlds.",
	})

	worldCountTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "world_count_total",
		Help: "The total number of worlds.",
	})

	entityCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "entity_count",
		Help: "The number of entities in all the worlds.",
	})

	areaQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "area_query_latency",
		Help:    "The time to query the entities of an area.",
		Buckets: prometheus.ExponentialBuckets(0.000001, 4, 10),
	}, []string{cachedLabel})
)

func instrumentIncreaseWorldGauge() {
	worldCount.Inc()
}

func instrumentDecreaseWorldGauge() {
	worldCount.Dec()
}

func instrumentCountWorld() {
	worldCountTotal.Inc()
}

func instrumentEntityGauge(delta int) {
	entityCount.Add(float64(delta))
}

func instrumentAreaQuery(cached bool, start time.Time) {
	label := "false"
	if cached {
		label = "true"
	}

	areaQueryLatency.
		With(prometheus.Labels{cachedLabel: label}).
		Observe(time.Since(start).Seconds())
}

// WorldCollector is a prometheus collector that reports the tree pools usage
// of the worlds of a store when scraped.
type WorldCollector struct {
	worlds *WorldStore

	poolUsedDesc *prometheus.Desc
	poolSizeDesc *prometheus.Desc
	entriesDesc  *prometheus.Desc
}

func NewWorldCollector(worlds *WorldStore) *WorldCollector {
	return &WorldCollector{
		worlds: worlds,
		poolUsedDesc: prometheus.NewDesc(
			"world_tree_pool_used",
			"The number of pooled tree items in use.",
			[]string{worldUUIDLabel, poolLabel},
			nil,
		),
		poolSizeDesc: prometheus.NewDesc(
			"world_tree_pool_size",
			"The number of tree items allocated by a pool.",
			[]string{worldUUIDLabel, poolLabel},
			nil,
		),
		entriesDesc: prometheus.NewDesc(
			"world_tree_entries",
			"The number of entries indexed by a world tree.",
			[]string{worldUUIDLabel},
			nil,
		),
	}
}

func (c *WorldCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.poolUsedDesc
	ch <- c.poolSizeDesc
	ch <- c.entriesDesc
}

func (c *WorldCollector) Collect(ch chan<- prometheus.Metric) {
	for _, w := range c.worlds.List() {
		for name, stats := range w.PoolStats() {
			ch <- prometheus.MustNewConstMetric(c.poolUsedDesc,
				prometheus.GaugeValue,
				float64(stats.Used),
				w.WorldUUID,
				name,
			)
			ch <- prometheus.MustNewConstMetric(c.poolSizeDesc,
				prometheus.GaugeValue,
				float64(stats.Size),
				w.WorldUUID,
				name,
			)
		}

		ch <- prometheus.MustNewConstMetric(c.entriesDesc,
			prometheus.GaugeValue,
			float64(w.EntityCount()),
			w.WorldUUID,
		)
	}
}
