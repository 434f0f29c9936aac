package cdp

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Command outcomes used as the "outcome" label.
const (
	outcomeOK               = "ok"
	outcomeBrowserError     = "browser_error"
	outcomeTimeout          = "timeout"
	outcomeTargetGone       = "target_gone"
	outcomeConnectionClosed = "connection_closed"
	outcomeProtocolError    = "protocol_error"
)

var (
	metricCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cdp",
		Name:      "commands_total",
		Help:      "Commands resolved, by outcome.",
	}, []string{"outcome"})
	metricCommandsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cdp",
		Name:      "commands_pending",
		Help:      "Commands awaiting a response.",
	})
	metricCommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cdp",
		Name:      "command_duration_seconds",
		Help:      "Time from transmission to resolution of a command.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	})
	metricEventsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cdp",
		Name:      "events_dispatched_total",
		Help:      "Events delivered to subscriber queues.",
	})
	metricEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cdp",
		Name:      "events_dropped_total",
		Help:      "Events discarded because a subscriber queue was full.",
	})
	metricFramesMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cdp",
		Name:      "frames_malformed_total",
		Help:      "Inbound frames that were neither a response nor an event.",
	})
	metricResponsesUnmatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cdp",
		Name:      "responses_unmatched_total",
		Help:      "Responses whose id matched no pending command.",
	})
	metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cdp",
		Name:      "sessions_active",
		Help:      "Attached sessions across all engines.",
	})
)

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, ErrBrowserError):
		return outcomeBrowserError
	case errors.Is(err, ErrCommandTimeout):
		return outcomeTimeout
	case errors.Is(err, ErrTargetGone):
		return outcomeTargetGone
	case errors.Is(err, ErrProtocol):
		return outcomeProtocolError
	default:
		return outcomeConnectionClosed
	}
}
