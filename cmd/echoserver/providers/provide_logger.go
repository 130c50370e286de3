package providers

import (
	"github.com/gbdevw/wsproto/cmd/echoserver/configuration"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func ProvideLogger(lc fx.Lifecycle, config configuration.Configuration) (*zap.Logger, error) {
	var logger *zap.Logger
	var err error
	if config.LogDevelopment {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	// Flush buffered logs on shutdown
	lc.Append(fx.StopHook(func() {
		logger.Sync()
	}))
	return logger, nil
}
