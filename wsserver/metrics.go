package wsserver

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Internal structure used to retain references to instruments that record server metrics.
type serverInstruments struct {
	// Gauge that monitors the number of active sessions
	activeSessionsGauge metric.Int64ObservableGauge
	// Gauge that monitors server Started state flag
	startedGauge metric.Int64ObservableGauge
	// Gauge that retains the server start time as a unix timestamp (seconds)
	startUnixGauge metric.Int64ObservableGauge
	// Counter of sessions accepted since the server has been created
	sessionsAccepted metric.Int64Counter
	// Counter of rejected handshakes
	handshakesRejected metric.Int64Counter
}

// # Description
//
// Create and register the server instruments. Observable gauges read the server state when
// metrics are collected.
func newServerInstruments(meter metric.Meter, srv *Server) (*serverInstruments, error) {
	instruments := &serverInstruments{}
	var err error
	instruments.activeSessionsGauge, err = meter.Int64ObservableGauge(metricActiveSessions,
		metric.WithDescription("Number of active websocket sessions"),
		metric.WithInt64Callback(func(ctx context.Context, io metric.Int64Observer) error {
			io.Observe(int64(srv.SessionCount()))
			return nil
		}))
	if err != nil {
		return nil, err
	}
	instruments.startedGauge, err = meter.Int64ObservableGauge(metricStarted,
		metric.WithDescription("1 if the server is started, 0 otherwise"),
		metric.WithInt64Callback(func(ctx context.Context, io metric.Int64Observer) error {
			if srv.isStarted() {
				io.Observe(1)
			} else {
				io.Observe(0)
			}
			return nil
		}))
	if err != nil {
		return nil, err
	}
	instruments.startUnixGauge, err = meter.Int64ObservableGauge(metricStartUnix,
		metric.WithUnit("s"),
		metric.WithInt64Callback(func(ctx context.Context, io metric.Int64Observer) error {
			io.Observe(srv.startUnixTimestamp.Load())
			return nil
		}))
	if err != nil {
		return nil, err
	}
	if instruments.sessionsAccepted, err = meter.Int64Counter(metricSessionsAccepted,
		metric.WithDescription("Number of accepted websocket sessions")); err != nil {
		return nil, err
	}
	if instruments.handshakesRejected, err = meter.Int64Counter(metricHandshakesRejected,
		metric.WithDescription("Number of rejected opening handshakes")); err != nil {
		return nil, err
	}
	return instruments, nil
}
