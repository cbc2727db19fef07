// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shipping"

var (
	QuotesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quotes_issued_total",
		Help:      "Quotes created by GetQuote and durably committed.",
	})

	QuotesConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quotes_consumed_total",
		Help:      "Quotes consumed by PrepareShipOrder.",
	})

	QuotesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quotes_expired_total",
		Help:      "Quotes removed by ExpireQuoteTask.",
	})

	QuoteRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quote_rejections_total",
		Help:      "PrepareShipOrder calls rejected with QuoteInvalidOrExpired.",
	})

	Commits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "write_commits_total",
		Help:      "Writer-class transactions by result.",
	}, []string{"result"})

	TasksScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_scheduled_total",
		Help:      "Tasks committed to the outbox, by kind.",
	}, []string{"kind"})

	TasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_dispatched_total",
		Help:      "Outbox tasks handed to a sink, by kind and result.",
	}, []string{"kind", "result"})

	ShipmentAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shipment_attempts_total",
		Help:      "Carrier calls made by ShipOrderTask, by result.",
	}, []string{"result"})
)
