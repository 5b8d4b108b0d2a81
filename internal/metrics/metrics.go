package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/otpgate/otpgate/internal/database/models"
)

// StatusCounter returns request counts grouped by delivery status.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// BreakerLister exposes circuit breaker states.
type BreakerLister interface {
	List(ctx context.Context) ([]models.CircuitBreaker, error)
}

// WebhookCounter returns delivered and failed webhook attempt totals.
type WebhookCounter interface {
	CountAttempts(ctx context.Context) (delivered, failed int64, err error)
}

// RateCounter returns the number of learned carrier rate rows.
type RateCounter interface {
	Count(ctx context.Context) (int64, error)
}

// SavingsTotaler returns the accumulated fraud savings in 1/10000 USD.
type SavingsTotaler interface {
	TotalSince(ctx context.Context, sinceMs int64) (int64, error)
}

// ActiveCallsProvider exposes the number of in-flight voice calls.
type ActiveCallsProvider interface {
	Active() int
}

// Collector is a prometheus.Collector that gathers otpgate metrics at scrape time.
type Collector struct {
	requests  StatusCounter
	breakers  BreakerLister
	webhooks  WebhookCounter
	rates     RateCounter
	savings   SavingsTotaler
	calls     ActiveCallsProvider
	startTime time.Time

	// Metric descriptors.
	requestsDesc     *prometheus.Desc
	breakerDesc      *prometheus.Desc
	webhookDesc      *prometheus.Desc
	rateRowsDesc     *prometheus.Desc
	savingsDesc      *prometheus.Desc
	activeCallsDesc  *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	requests StatusCounter,
	breakers BreakerLister,
	webhooks WebhookCounter,
	rates RateCounter,
	savings SavingsTotaler,
	calls ActiveCallsProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		requests:  requests,
		breakers:  breakers,
		webhooks:  webhooks,
		rates:     rates,
		savings:   savings,
		calls:     calls,
		startTime: startTime,

		requestsDesc: prometheus.NewDesc(
			"otpgate_requests_total",
			"Total OTP requests by delivery status",
			[]string{"status"}, nil,
		),
		breakerDesc: prometheus.NewDesc(
			"otpgate_circuit_breaker_open",
			"Circuit breaker state (1=open or half_open, 0=closed)",
			[]string{"key", "state"}, nil,
		),
		webhookDesc: prometheus.NewDesc(
			"otpgate_webhook_attempts_total",
			"Total webhook delivery attempts by outcome",
			[]string{"outcome"}, nil,
		),
		rateRowsDesc: prometheus.NewDesc(
			"otpgate_carrier_rates",
			"Number of learned carrier rate rows",
			nil, nil,
		),
		savingsDesc: prometheus.NewDesc(
			"otpgate_fraud_savings_usd",
			"Estimated cost avoided by blocking fraudulent requests, in USD",
			nil, nil,
		),
		activeCallsDesc: prometheus.NewDesc(
			"otpgate_active_calls",
			"Number of in-flight voice OTP calls",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"otpgate_uptime_seconds",
			"Seconds since the otpgate process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requestsDesc
	ch <- c.breakerDesc
	ch <- c.webhookDesc
	ch <- c.rateRowsDesc
	ch <- c.savingsDesc
	ch <- c.activeCallsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.requests != nil {
		counts, err := c.requests.CountByStatus(ctx)
		if err != nil {
			slog.Error("metrics: failed to count requests", "error", err)
		} else {
			for status, n := range counts {
				ch <- prometheus.MustNewConstMetric(
					c.requestsDesc, prometheus.CounterValue,
					float64(n), status,
				)
			}
		}
	}

	if c.breakers != nil {
		entries, err := c.breakers.List(ctx)
		if err != nil {
			slog.Error("metrics: failed to list breakers", "error", err)
		} else {
			for _, e := range entries {
				val := 0.0
				if e.State != models.BreakerClosed {
					val = 1.0
				}
				ch <- prometheus.MustNewConstMetric(
					c.breakerDesc, prometheus.GaugeValue, val,
					e.Key, e.State,
				)
			}
		}
	}

	if c.webhooks != nil {
		delivered, failed, err := c.webhooks.CountAttempts(ctx)
		if err != nil {
			slog.Error("metrics: failed to count webhook attempts", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.webhookDesc, prometheus.CounterValue, float64(delivered), "delivered")
			ch <- prometheus.MustNewConstMetric(
				c.webhookDesc, prometheus.CounterValue, float64(failed), "failed")
		}
	}

	if c.rates != nil {
		n, err := c.rates.Count(ctx)
		if err != nil {
			slog.Error("metrics: failed to count carrier rates", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.rateRowsDesc, prometheus.GaugeValue, float64(n))
		}
	}

	if c.savings != nil {
		total, err := c.savings.TotalSince(ctx, 0)
		if err != nil {
			slog.Error("metrics: failed to total fraud savings", "error", err)
		} else {
			// Stored in 1/10000 USD.
			ch <- prometheus.MustNewConstMetric(
				c.savingsDesc, prometheus.CounterValue, float64(total)/10000)
		}
	}

	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue, float64(c.calls.Active()))
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
