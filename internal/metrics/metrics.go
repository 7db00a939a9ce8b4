package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveCallsProvider exposes the number of live outbound channels.
type ActiveCallsProvider interface {
	Count() int
}

// QueueDepthProvider exposes the number of callers waiting for an agent.
type QueueDepthProvider interface {
	QueueLen() int
}

// AgentStatusProvider exposes agent counts grouped by status.
type AgentStatusProvider interface {
	StatusCounts() map[string]int
}

// EngineStats aggregates persisted engine-wide counts.
type EngineStats interface {
	CountCampaignsByStatus(ctx context.Context) (map[string]int64, error)
	CountContactsByStatus(ctx context.Context) (map[string]int64, error)
	BudgetTotals(ctx context.Context) (used, max int64, err error)
}

// Collector is a prometheus.Collector that gathers engine metrics at scrape
// time.
type Collector struct {
	calls     ActiveCallsProvider
	queue     QueueDepthProvider
	agents    AgentStatusProvider
	stats     EngineStats
	startTime time.Time

	// Metric descriptors.
	activeCallsDesc *prometheus.Desc
	queueDepthDesc  *prometheus.Desc
	agentsDesc      *prometheus.Desc
	campaignsDesc   *prometheus.Desc
	contactsDesc    *prometheus.Desc
	budgetUsedDesc  *prometheus.Desc
	budgetMaxDesc   *prometheus.Desc
	uptimeDesc      *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if
// unavailable.
func NewCollector(
	calls ActiveCallsProvider,
	queue QueueDepthProvider,
	agents AgentStatusProvider,
	stats EngineStats,
	startTime time.Time,
) *Collector {
	return &Collector{
		calls:     calls,
		queue:     queue,
		agents:    agents,
		stats:     stats,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"dialcast_active_calls",
			"Number of currently live outbound channels (ringing + answered)",
			nil, nil,
		),
		queueDepthDesc: prometheus.NewDesc(
			"dialcast_agent_queue_depth",
			"Number of callers waiting for an agent",
			nil, nil,
		),
		agentsDesc: prometheus.NewDesc(
			"dialcast_agents",
			"Number of call-center agents by status",
			[]string{"status"}, nil,
		),
		campaignsDesc: prometheus.NewDesc(
			"dialcast_campaigns",
			"Number of campaigns by status",
			[]string{"status"}, nil,
		),
		contactsDesc: prometheus.NewDesc(
			"dialcast_contacts",
			"Number of contacts by call status",
			[]string{"status"}, nil,
		),
		budgetUsedDesc: prometheus.NewDesc(
			"dialcast_channel_budget_used",
			"Channel budget slots currently reserved across all tenants",
			nil, nil,
		),
		budgetMaxDesc: prometheus.NewDesc(
			"dialcast_channel_budget_max",
			"Channel budget slots configured across all tenants",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"dialcast_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.queueDepthDesc
	ch <- c.agentsDesc
	ch <- c.campaignsDesc
	ch <- c.contactsDesc
	ch <- c.budgetUsedDesc
	ch <- c.budgetMaxDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.calls.Count()),
		)
	}

	if c.queue != nil {
		ch <- prometheus.MustNewConstMetric(
			c.queueDepthDesc, prometheus.GaugeValue,
			float64(c.queue.QueueLen()),
		)
	}

	if c.agents != nil {
		for status, n := range c.agents.StatusCounts() {
			ch <- prometheus.MustNewConstMetric(
				c.agentsDesc, prometheus.GaugeValue,
				float64(n), status,
			)
		}
	}

	if c.stats != nil {
		if counts, err := c.stats.CountCampaignsByStatus(ctx); err != nil {
			slog.Error("metrics: failed to count campaigns", "error", err)
		} else {
			for status, n := range counts {
				ch <- prometheus.MustNewConstMetric(
					c.campaignsDesc, prometheus.GaugeValue,
					float64(n), status,
				)
			}
		}

		if counts, err := c.stats.CountContactsByStatus(ctx); err != nil {
			slog.Error("metrics: failed to count contacts", "error", err)
		} else {
			for status, n := range counts {
				ch <- prometheus.MustNewConstMetric(
					c.contactsDesc, prometheus.GaugeValue,
					float64(n), status,
				)
			}
		}

		if used, max, err := c.stats.BudgetTotals(ctx); err != nil {
			slog.Error("metrics: failed to read budget totals", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(c.budgetUsedDesc, prometheus.GaugeValue, float64(used))
			ch <- prometheus.MustNewConstMetric(c.budgetMaxDesc, prometheus.GaugeValue, float64(max))
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
