package configuration

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gbdevw/wsproto/wsengine"
	"github.com/gbdevw/wsproto/wsserver"
)

// Environment variables
const (
	EnvNetwork          = "WSPROTO_NETWORK"
	EnvAddress          = "WSPROTO_ADDRESS"
	EnvSubProtocols     = "WSPROTO_SUBPROTOCOLS"
	EnvPingMode         = "WSPROTO_PING_MODE"
	EnvPingTimeoutMs    = "WSPROTO_PING_TIMEOUT_MS"
	EnvMaxMessageBytes  = "WSPROTO_MAX_MESSAGE_BYTES"
	EnvLogDevelopment   = "WSPROTO_LOG_DEVELOPMENT"
	EnvTracingEnabled   = "WSPROTO_TRACING_ENABLED"
	EnvTracingEndpoint  = "WSPROTO_TRACING_ENDPOINT"
	EnvDeploymentTarget = "WSPROTO_ENVIRONMENT"
)

type Configuration struct {
	// Server settings
	Server *wsserver.ServerConfigurationOptions
	// Use a development logger (human readable, debug level)
	LogDevelopment bool
	// Indicates whether tracing is enabled or not
	TracingEnabled bool
	// Endpoint of the OTLP/HTTP tracing backend (host:port)
	TracingEndpoint string
	// Deployment environment reported in traces
	Environment string
}

// # Description
//
// Load the configuration from environment variables. Unset variables keep server defaults
// (tcp, localhost:8080).
//
// # Return
//
// The configuration or an error if a variable cannot be parsed or if the server options are
// invalid.
func LoadConfiguration() (Configuration, error) {
	connOpts := wsengine.NewConnectionConfigurationOptions()
	opts := wsserver.NewServerConfigurationOptions().WithConnection(connOpts)
	if value := os.Getenv(EnvNetwork); value != "" {
		opts.WithNetwork(value)
	}
	if value := os.Getenv(EnvAddress); value != "" {
		opts.WithAddress(value)
	}
	if value := os.Getenv(EnvSubProtocols); value != "" {
		protocols := []string{}
		for _, p := range strings.Split(value, ",") {
			protocols = append(protocols, strings.TrimSpace(p))
		}
		opts.WithSubProtocols(protocols...)
	}
	if value := os.Getenv(EnvPingMode); value != "" {
		connOpts.WithPingMode(wsengine.PingMode(value))
	}
	if value := os.Getenv(EnvPingTimeoutMs); value != "" {
		timeout, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return Configuration{}, fmt.Errorf("invalid %s: %w", EnvPingTimeoutMs, err)
		}
		connOpts.WithPingTimeoutMs(timeout)
	}
	if value := os.Getenv(EnvMaxMessageBytes); value != "" {
		limit, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return Configuration{}, fmt.Errorf("invalid %s: %w", EnvMaxMessageBytes, err)
		}
		connOpts.WithMaxMessageBytes(limit)
	}
	if err := wsserver.Validate(opts); err != nil {
		return Configuration{}, err
	}
	environment := os.Getenv(EnvDeploymentTarget)
	if environment == "" {
		environment = "production"
	}
	return Configuration{
		Server:          opts,
		LogDevelopment:  isTrue(os.Getenv(EnvLogDevelopment)),
		TracingEnabled:  isTrue(os.Getenv(EnvTracingEnabled)),
		TracingEndpoint: os.Getenv(EnvTracingEndpoint),
		Environment:     environment,
	}, nil
}

func isTrue(value string) bool {
	return strings.ToLower(value) == "true" || value == "1"
}
