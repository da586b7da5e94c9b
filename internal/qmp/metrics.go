package qmp

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics counts QMP command submissions and results.
type Metrics struct {
	commandsTotal  metric.Int64Counter
	commandErrors  metric.Int64Counter
	eventsTotal    metric.Int64Counter
}

// NewMetrics creates the QMP command/event counters on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	commandsTotal, err := meter.Int64Counter(
		"vmrunner_qmp_commands_total",
		metric.WithDescription("QMP commands submitted"),
	)
	if err != nil {
		return nil, err
	}
	commandErrors, err := meter.Int64Counter(
		"vmrunner_qmp_command_errors_total",
		metric.WithDescription("QMP commands that returned an error response"),
	)
	if err != nil {
		return nil, err
	}
	eventsTotal, err := meter.Int64Counter(
		"vmrunner_qmp_events_total",
		metric.WithDescription("QMP monitor events received"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{commandsTotal: commandsTotal, commandErrors: commandErrors, eventsTotal: eventsTotal}, nil
}
