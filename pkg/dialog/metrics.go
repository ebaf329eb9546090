package dialog

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatsProvider отдаёт счётчики диалогового слоя для метрик.
// Реализуется менеджером диалогов.
type StatsProvider interface {
	Stats() ManagerStats
}

// Collector - prometheus.Collector, собирающий метрики диалогового слоя
// в момент scrape.
type Collector struct {
	provider StatsProvider

	activeDialogsDesc       *prometheus.Desc
	dialogsCreatedDesc      *prometheus.Desc
	dialogsTerminatedDesc   *prometheus.Desc
	recoveriesStartedDesc   *prometheus.Desc
	recoveriesCompletedDesc *prometheus.Desc
	recoveriesAbandonedDesc *prometheus.Desc
}

// NewCollector создаёт коллектор метрик диалогового слоя.
func NewCollector(provider StatsProvider) *Collector {
	return &Collector{
		provider: provider,
		activeDialogsDesc: prometheus.NewDesc(
			"sip_dialogs_active",
			"Number of live SIP dialogs",
			nil, nil),
		dialogsCreatedDesc: prometheus.NewDesc(
			"sip_dialogs_created_total",
			"Total number of SIP dialogs created",
			nil, nil),
		dialogsTerminatedDesc: prometheus.NewDesc(
			"sip_dialogs_terminated_total",
			"Total number of SIP dialogs terminated",
			nil, nil),
		recoveriesStartedDesc: prometheus.NewDesc(
			"sip_dialog_recoveries_started_total",
			"Total number of dialog recovery cycles started",
			nil, nil),
		recoveriesCompletedDesc: prometheus.NewDesc(
			"sip_dialog_recoveries_completed_total",
			"Total number of dialog recovery cycles completed successfully",
			nil, nil),
		recoveriesAbandonedDesc: prometheus.NewDesc(
			"sip_dialog_recoveries_abandoned_total",
			"Total number of dialog recovery cycles abandoned",
			nil, nil),
	}
}

// Describe реализует prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeDialogsDesc
	ch <- c.dialogsCreatedDesc
	ch <- c.dialogsTerminatedDesc
	ch <- c.recoveriesStartedDesc
	ch <- c.recoveriesCompletedDesc
	ch <- c.recoveriesAbandonedDesc
}

// Collect реализует prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.provider.Stats()

	ch <- prometheus.MustNewConstMetric(c.activeDialogsDesc,
		prometheus.GaugeValue, float64(stats.ActiveDialogs))
	ch <- prometheus.MustNewConstMetric(c.dialogsCreatedDesc,
		prometheus.CounterValue, float64(stats.DialogsCreated))
	ch <- prometheus.MustNewConstMetric(c.dialogsTerminatedDesc,
		prometheus.CounterValue, float64(stats.DialogsTerminated))
	ch <- prometheus.MustNewConstMetric(c.recoveriesStartedDesc,
		prometheus.CounterValue, float64(stats.RecoveriesStarted))
	ch <- prometheus.MustNewConstMetric(c.recoveriesCompletedDesc,
		prometheus.CounterValue, float64(stats.RecoveriesCompleted))
	ch <- prometheus.MustNewConstMetric(c.recoveriesAbandonedDesc,
		prometheus.CounterValue, float64(stats.RecoveriesAbandoned))
}

var _ prometheus.Collector = (*Collector)(nil)
