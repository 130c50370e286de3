package wsserver

import (
	"time"

	"github.com/gbdevw/wsproto/wsengine"
	"github.com/go-playground/validator/v10"
)

// Defines configuration options for the websocket server.
//
// Use the factory function to get a new instance of the struct with nice defaults and then modify
// settings using With*** methods.
type ServerConfigurationOptions struct {
	// Network to listen on: tcp, tcp4, tcp6 or unix.
	//
	// Defaults to tcp.
	Network string `validate:"oneof=tcp tcp4 tcp6 unix"`
	// Address to listen on: host:port for TCP networks, a socket path for unix.
	//
	// Defaults to localhost:8080.
	Address string `validate:"required"`
	// Maximum duration of the opening handshake (milliseconds).
	//
	// Defaults to 10000 (10 seconds). Must be at least 1.
	HandshakeTimeoutMs int64 `validate:"gte=1"`
	// Maximum number of bytes read during the opening handshake.
	//
	// Defaults to 8192. Must be at least 1024.
	MaxHandshakeHeaderBytes int64 `validate:"gte=1024"`
	// Sub-protocols supported by the server, in preference order.
	//
	// Defaults to none.
	SubProtocols []string `validate:"dive,required"`
	// Options used for accepted connections. The role is always server.
	//
	// Defaults to wsengine defaults.
	Connection *wsengine.ConnectionConfigurationOptions `validate:"required"`
}

// # Description
//
// Factory which creates a new ServerConfigurationOptions with default values:
//   - Network: tcp
//   - Address: localhost:8080
//   - HandshakeTimeoutMs: 10000
//   - MaxHandshakeHeaderBytes: 8192
//   - SubProtocols: none
//   - Connection: wsengine.NewConnectionConfigurationOptions()
func NewServerConfigurationOptions() *ServerConfigurationOptions {
	return &ServerConfigurationOptions{
		Network:                 "tcp",
		Address:                 "localhost:8080",
		HandshakeTimeoutMs:      10000,
		MaxHandshakeHeaderBytes: 8192,
		SubProtocols:            []string{},
		Connection:              wsengine.NewConnectionConfigurationOptions(),
	}
}

// Set opts.Network and return the modified object. Method does not validate inputs.
func (opts *ServerConfigurationOptions) WithNetwork(value string) *ServerConfigurationOptions {
	opts.Network = value
	return opts
}

// Set opts.Address and return the modified object. Method does not validate inputs.
func (opts *ServerConfigurationOptions) WithAddress(value string) *ServerConfigurationOptions {
	opts.Address = value
	return opts
}

// Set opts.HandshakeTimeoutMs and return the modified object. Method does not validate inputs.
func (opts *ServerConfigurationOptions) WithHandshakeTimeoutMs(value int64) *ServerConfigurationOptions {
	opts.HandshakeTimeoutMs = value
	return opts
}

// Set opts.MaxHandshakeHeaderBytes and return the modified object. Method does not validate
// inputs.
func (opts *ServerConfigurationOptions) WithMaxHandshakeHeaderBytes(value int64) *ServerConfigurationOptions {
	opts.MaxHandshakeHeaderBytes = value
	return opts
}

// Set opts.SubProtocols and return the modified object. Method does not validate inputs.
func (opts *ServerConfigurationOptions) WithSubProtocols(value ...string) *ServerConfigurationOptions {
	opts.SubProtocols = value
	return opts
}

// Set opts.Connection and return the modified object. Method does not validate inputs.
func (opts *ServerConfigurationOptions) WithConnection(value *wsengine.ConnectionConfigurationOptions) *ServerConfigurationOptions {
	opts.Connection = value
	return opts
}

func (opts *ServerConfigurationOptions) handshakeTimeout() time.Duration {
	return time.Duration(opts.HandshakeTimeoutMs) * time.Millisecond
}

// # Description
//
// Validate server configuration options, nested connection options included.
//
// # Return
//
// Nil if options are valid, a validator.ValidationErrors otherwise.
func Validate(opts *ServerConfigurationOptions) error {
	return validator.New().Struct(opts)
}
