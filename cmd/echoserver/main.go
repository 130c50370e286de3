// Echo websocket server. Settings are loaded from environment variables, see the configuration
// package.
package main

import (
	"github.com/gbdevw/wsproto/cmd/echoserver/configuration"
	"github.com/gbdevw/wsproto/cmd/echoserver/providers"
	"github.com/gbdevw/wsproto/echowsserver"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	fx.New(
		fx.Provide(configuration.LoadConfiguration),
		fx.Provide(providers.ProvideLogger),
		fx.Provide(providers.ProvideTracerProvider),
		fx.Provide(providers.ProvideEchoServer),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger}
		}),
		// Use invoke to force the server to be instanciated and its hooks to be registered
		fx.Invoke(func(*echowsserver.EchoWebsocketServer) {}),
	).Run()
}
