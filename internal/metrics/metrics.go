package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveCampaignsProvider exposes the campaigns currently registered for
// dispatch.
type ActiveCampaignsProvider interface {
	ActiveCampaigns() []string
}

// CallStatusCounter returns call counts across all campaigns grouped by
// status.
type CallStatusCounter interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// SubscriberCounter returns the number of live event subscribers.
type SubscriberCounter interface {
	SubscriberCount() int
	Dropped() uint64
}

// Collector is a prometheus.Collector that gathers dialcast metrics at scrape time.
type Collector struct {
	campaigns   ActiveCampaignsProvider
	calls       CallStatusCounter
	subscribers SubscriberCounter
	startTime   time.Time

	// Metric descriptors.
	activeCampaignsDesc *prometheus.Desc
	callsByStatusDesc   *prometheus.Desc
	subscribersDesc     *prometheus.Desc
	droppedEventsDesc   *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	campaigns ActiveCampaignsProvider,
	calls CallStatusCounter,
	subscribers SubscriberCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		campaigns:   campaigns,
		calls:       calls,
		subscribers: subscribers,
		startTime:   startTime,

		activeCampaignsDesc: prometheus.NewDesc(
			"dialcast_active_campaigns",
			"Number of campaigns currently registered for dispatch",
			nil, nil,
		),
		callsByStatusDesc: prometheus.NewDesc(
			"dialcast_calls",
			"Call rows across all campaigns, by status",
			[]string{"status"}, nil,
		),
		subscribersDesc: prometheus.NewDesc(
			"dialcast_event_subscribers",
			"Number of attached live-event subscribers",
			nil, nil,
		),
		droppedEventsDesc: prometheus.NewDesc(
			"dialcast_events_dropped_total",
			"Events discarded because a subscriber buffer was full",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"dialcast_uptime_seconds",
			"Seconds since the dialcast process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCampaignsDesc
	ch <- c.callsByStatusDesc
	ch <- c.subscribersDesc
	ch <- c.droppedEventsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.campaigns != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCampaignsDesc, prometheus.GaugeValue,
			float64(len(c.campaigns.ActiveCampaigns())),
		)
	}

	if c.calls != nil {
		counts, err := c.calls.CountByStatus(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by status", "error", err)
		} else {
			for status, count := range counts {
				ch <- prometheus.MustNewConstMetric(
					c.callsByStatusDesc, prometheus.GaugeValue,
					float64(count), status,
				)
			}
		}
	}

	if c.subscribers != nil {
		ch <- prometheus.MustNewConstMetric(
			c.subscribersDesc, prometheus.GaugeValue,
			float64(c.subscribers.SubscriberCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.droppedEventsDesc, prometheus.CounterValue,
			float64(c.subscribers.Dropped()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
