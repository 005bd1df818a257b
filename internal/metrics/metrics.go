package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TransferCounter returns the number of live transfers grouped by status.
type TransferCounter interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// Statuses reported by the transfers gauge. Statuses without live
// transfers are still reported as zero so dashboards keep their series.
var Statuses = []string{"starting", "ringback", "answered", "blind_transferred", "completed", "cancelled", "abandoned"}

// Collector is a prometheus.Collector that gathers transferd metrics at scrape time.
type Collector struct {
	transfers TransferCounter
	startTime time.Time

	events        *prometheus.CounterVec
	notifications *prometheus.CounterVec

	// Metric descriptors.
	transfersDesc *prometheus.Desc
	uptimeDesc    *prometheus.Desc
}

// NewCollector creates a new metrics collector. transfers may be nil if unavailable.
func NewCollector(transfers TransferCounter, startTime time.Time) *Collector {
	return &Collector{
		transfers: transfers,
		startTime: startTime,

		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transferd_events_total",
			Help: "ARI events dispatched by the router",
		}, []string{"event", "result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transferd_notifications_total",
			Help: "Transfer notifications published on the bus",
		}, []string{"name", "result"}),

		transfersDesc: prometheus.NewDesc(
			"transferd_transfers",
			"Number of live transfers by status",
			[]string{"status"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"transferd_uptime_seconds",
			"Seconds since the transferd process started",
			nil, nil,
		),
	}
}

// ObserveEvent counts one dispatched event. It matches the router's observer hook.
func (c *Collector) ObserveEvent(eventType string, err error) {
	c.events.WithLabelValues(eventType, result(err)).Inc()
}

// ObserveNotification counts one published notification. It matches the
// notifier's observer hook.
func (c *Collector) ObserveNotification(name string, err error) {
	c.notifications.WithLabelValues(name, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.events.Describe(ch)
	c.notifications.Describe(ch)
	ch <- c.transfersDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.events.Collect(ch)
	c.notifications.Collect(ch)

	// Live transfers by status.
	if c.transfers != nil {
		counts, err := c.transfers.CountByStatus(ctx)
		if err != nil {
			slog.Error("metrics: failed to count transfers by status", "error", err)
		} else {
			for _, status := range Statuses {
				ch <- prometheus.MustNewConstMetric(
					c.transfersDesc, prometheus.GaugeValue,
					float64(counts[status]), status,
				)
			}
		}
	}

	// Uptime.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
