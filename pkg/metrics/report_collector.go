package metrics

import (
	"fmt"

	"github.com/kubev2v/heap-monitor/internal/store"
	"github.com/kubev2v/heap-monitor/internal/store/model"
	"github.com/prometheus/client_golang/prometheus"
)

type reportStatsCollector struct {
	store          store.Store
	totalReports   *prometheus.Desc
	reportsByState *prometheus.Desc
}

func newReportStatsCollector(s store.Store) prometheus.Collector {
	fqName := func(name string) string {
		return fmt.Sprintf("%s_reports_%s", heapMonitor, name)
	}

	return &reportStatsCollector{
		store: s,
		totalReports: prometheus.NewDesc(
			fqName("total"),
			"Total number of reports in the index.",
			nil,
			prometheus.Labels{},
		),
		reportsByState: prometheus.NewDesc(
			fqName("by_status"),
			"Number of reports in each status.",
			[]string{"status"},
			prometheus.Labels{},
		),
	}
}

// RegisterReportStatsCollector exposes the report counts of s.
func RegisterReportStatsCollector(s store.Store) error {
	return prometheus.Register(newReportStatsCollector(s))
}

func (c *reportStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalReports
	ch <- c.reportsByState
}

// Collect implements Collector.
func (c *reportStatsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.store.Statistics()
	ch <- prometheus.MustNewConstMetric(c.totalReports, prometheus.GaugeValue, float64(stats.Total()))

	for status, total := range map[model.ReportStatus]int{
		model.ReportStatusQueued:    stats.Queued,
		model.ReportStatusRunning:   stats.Running,
		model.ReportStatusCompleted: stats.Completed,
		model.ReportStatusFailed:    stats.Failed,
	} {
		ch <- prometheus.MustNewConstMetric(c.reportsByState, prometheus.GaugeValue, float64(total), string(status))
	}
}
