// Package telemetry 收集一次运行的 Prometheus 指标，并在结束时写成 node_exporter 的 textfile。
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 是单次运行的指标集合；每次运行使用独立的 Registry，避免全局状态。
type Metrics struct {
	reg *prometheus.Registry

	Entries         *prometheus.CounterVec
	FramesBlended   prometheus.Counter
	ComposeDuration *prometheus.HistogramVec
}

// New 创建并注册全部指标。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		Entries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "snapmem_entries_total",
			Help: "Number of main-media entries processed, by kind and status",
		}, []string{"kind", "status"}),
		FramesBlended: f.NewCounter(prometheus.CounterOpts{
			Name: "snapmem_frames_blended_total",
			Help: "Number of video frames blended with an overlay",
		}),
		ComposeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "snapmem_compose_duration_seconds",
			Help:    "Per-entry compose duration seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"kind"}),
	}
}

// ObserveEntry 记录一个条目的结果与耗时。kind 为空（合成的失败条目）时记为 "none"。
func (m *Metrics) ObserveEntry(kind, status string, frames int, d time.Duration) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "none"
	}
	m.Entries.WithLabelValues(kind, status).Inc()
	if frames > 0 {
		m.FramesBlended.Add(float64(frames))
	}
	if d > 0 {
		m.ComposeDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

// Gatherer 暴露底层 Registry（测试与 textfile 输出共用）。
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.reg }

// WriteTextfile 把当前指标写成 textfile（内部先写临时文件再 rename）。
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.reg)
}
