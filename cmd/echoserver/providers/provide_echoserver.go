package providers

import (
	"context"

	"github.com/gbdevw/wsproto/cmd/echoserver/configuration"
	"github.com/gbdevw/wsproto/echowsserver"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func ProvideEchoServer(
	lc fx.Lifecycle,
	config configuration.Configuration,
	logger *zap.Logger,
	tp trace.TracerProvider) (*echowsserver.EchoWebsocketServer, error) {
	srv, err := echowsserver.NewEchoWebsocketServer(config.Server, logger, tp, nil)
	if err != nil {
		return nil, err
	}
	// Register Start and Stop hooks to Start and Stop the server
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return srv.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return srv.Stop(ctx)
		},
	})
	return srv, nil
}
