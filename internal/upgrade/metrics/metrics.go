// Package metrics holds the upgrade engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector 升级指标收集器
type Collector struct {
	registry *prometheus.Registry

	upgrades        *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	transferBytes   *prometheus.CounterVec
	databases       *prometheus.CounterVec
	readinessProbes *prometheus.HistogramVec
}

// New 创建指标收集器，指标注册到独立的 registry
func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		// 升级任务结果计数
		upgrades: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clusterupgrade_upgrades_total",
				Help: "Total number of cluster upgrades by result.",
			},
			[]string{"result"},
		),

		// 各阶段耗时
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clusterupgrade_stage_duration_seconds",
				Help:    "Duration of each upgrade stage in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s ~ 68min
			},
			[]string{"stage"},
		),

		// 传输字节数
		transferBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clusterupgrade_transfer_bytes_total",
				Help: "Bytes streamed from dump to restore.",
			},
			[]string{"database"},
		),

		// 数据库迁移结果计数
		databases: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clusterupgrade_databases_total",
				Help: "Databases processed by outcome.",
			},
			[]string{"outcome"},
		),

		// 就绪探测次数分布
		readinessProbes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clusterupgrade_readiness_probe_attempts",
				Help:    "Readiness probes needed before an instance accepted connections.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 11),
			},
			[]string{"image"},
		),
	}
}

// Registry returns the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) ObserveUpgrade(result string) {
	c.upgrades.WithLabelValues(result).Inc()
}

func (c *Collector) ObserveStage(stage string, seconds float64) {
	c.stageDuration.WithLabelValues(stage).Observe(seconds)
}

func (c *Collector) AddTransferBytes(database string, n int) {
	c.transferBytes.WithLabelValues(database).Add(float64(n))
}

func (c *Collector) ObserveDatabase(outcome string) {
	c.databases.WithLabelValues(outcome).Inc()
}

func (c *Collector) ObserveProbes(image string, attempts int) {
	c.readinessProbes.WithLabelValues(image).Observe(float64(attempts))
}
