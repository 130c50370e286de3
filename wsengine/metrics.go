package wsengine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	metricMessagesReceived = namespace + ".messages.received"
	metricMessagesSent     = namespace + ".messages.sent"
	metricBytesReceived    = namespace + ".bytes.received"
	metricBytesSent        = namespace + ".bytes.sent"
	metricPingsSent        = namespace + ".pings.sent"
	metricClosed           = namespace + ".connections.closed"
	metricPingLatency      = namespace + ".ping.latency"
)

// Internal structure used to retain references to instruments that record connection metrics.
type connectionInstruments struct {
	// Number of messages received
	messagesReceived metric.Int64Counter
	// Number of messages sent
	messagesSent metric.Int64Counter
	// Number of frame payload bytes received
	bytesReceived metric.Int64Counter
	// Number of frame payload bytes sent
	bytesSent metric.Int64Counter
	// Number of pings sent by the keepalive
	pingsSent metric.Int64Counter
	// Number of closed connections by close code
	closed metric.Int64Counter
	// Latency measured in latency ping mode (milliseconds)
	pingLatency metric.Float64Histogram
}

// # Description
//
// Create the instruments used by a connection from the provided meter.
func newConnectionInstruments(meter metric.Meter) (*connectionInstruments, error) {
	instruments := &connectionInstruments{}
	var err error
	if instruments.messagesReceived, err = meter.Int64Counter(metricMessagesReceived,
		metric.WithDescription("Number of received messages")); err != nil {
		return nil, err
	}
	if instruments.messagesSent, err = meter.Int64Counter(metricMessagesSent,
		metric.WithDescription("Number of sent messages")); err != nil {
		return nil, err
	}
	if instruments.bytesReceived, err = meter.Int64Counter(metricBytesReceived,
		metric.WithDescription("Number of received payload bytes"), metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if instruments.bytesSent, err = meter.Int64Counter(metricBytesSent,
		metric.WithDescription("Number of sent payload bytes"), metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if instruments.pingsSent, err = meter.Int64Counter(metricPingsSent,
		metric.WithDescription("Number of keepalive pings sent")); err != nil {
		return nil, err
	}
	if instruments.closed, err = meter.Int64Counter(metricClosed,
		metric.WithDescription("Number of closed connections")); err != nil {
		return nil, err
	}
	if instruments.pingLatency, err = meter.Float64Histogram(metricPingLatency,
		metric.WithDescription("Latency measured with keepalive pings"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return instruments, nil
}

// Record a connection closure
func (instruments *connectionInstruments) recordClosed(code StatusCode, remote bool) {
	instruments.closed.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Int(attrCloseCode, int(code)),
		attribute.Bool(attrCloseRemote, remote),
	))
}
