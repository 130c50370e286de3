// This package contains the implementation of a simple echo websocket server: each received
// message is sent back to the client with the same type. permessage-deflate is supported.
package echowsserver

import (
	"context"
	"errors"
	"io"

	"github.com/gbdevw/wsproto/wsengine"
	"github.com/gbdevw/wsproto/wsextensions/wsdeflate"
	"github.com/gbdevw/wsproto/wsserver"
	"github.com/klauspost/compress/flate"
	pool "github.com/libp2p/go-buffer-pool"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Size of the buffer used to copy messages
const copyBufferSize = 32 * 1024

// Echo websocket server
type EchoWebsocketServer struct {
	*wsserver.Server
}

// # Description
//
// Factory which creates a new, non-started EchoWebsocketServer.
//
// # Inputs
//
//   - opts: Server configuration options. If nil, default options are used (localhost:8080).
//   - logger: Logger to use. If nil, a no-op logger is used.
//   - tracerProvider: Tracer provider to use. If nil, the global tracer provider will be used.
//   - meterProvider: Meter provider to use. If nil, the global meter provider will be used.
//
// # Returns
//
// A new, non-started EchoWebsocketServer or an error if options are invalid.
func NewEchoWebsocketServer(
	opts *wsserver.ServerConfigurationOptions,
	logger *zap.Logger,
	tracerProvider trace.TracerProvider,
	meterProvider metric.MeterProvider) (*EchoWebsocketServer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	deflate, err := wsdeflate.NewExtension(flate.DefaultCompression, logger)
	if err != nil {
		return nil, err
	}
	handler := &EchoHandler{logger: logger}
	srv, err := wsserver.NewServer(opts, handler, []wsengine.Extension{deflate}, logger, tracerProvider, meterProvider)
	if err != nil {
		return nil, err
	}
	return &EchoWebsocketServer{Server: srv}, nil
}

// Handler which echoes messages until the connection is closed.
type EchoHandler struct {
	logger *zap.Logger
}

// # Description
//
// Read messages and send them back with the same type. Messages are streamed: the whole message
// is never held in memory.
func (h *EchoHandler) ServeWebsocket(ctx context.Context, conn *wsengine.Connection) {
	logger := h.logger.With(zap.String("session_id", conn.ID()))
	buf := pool.Get(copyBufferSize)
	defer pool.Put(buf)
	for {
		reader, err := conn.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, wsengine.ErrConnectionClosed) {
				logger.Debug("connection closed", zap.Error(err))
			} else {
				logger.Warn("read error", zap.Error(err))
			}
			return
		}
		if err := h.echo(ctx, conn, reader, buf); err != nil {
			logger.Warn("echo failed", zap.Error(err))
			return
		}
	}
}

// Copy a message to a new message writer of the same type
func (h *EchoHandler) echo(ctx context.Context, conn *wsengine.Connection, reader wsengine.MessageReader, buf []byte) error {
	defer reader.Close()
	writer, err := conn.NewMessageWriter(ctx, reader.MessageType())
	if err != nil {
		return err
	}
	if _, err := io.CopyBuffer(writer, reader, buf); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}
