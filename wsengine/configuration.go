package wsengine

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// Role played by the local endpoint. It drives the masking rules.
type Role string

const (
	// Server side: inbound frames must be masked, outbound frames are never masked.
	RoleServer Role = "server"
	// Client side: inbound frames must not be masked, outbound frames are masked with a fresh key.
	RoleClient Role = "client"
)

// Keepalive strategy used by the connection.
type PingMode string

const (
	// No keepalive.
	PingModeNone PingMode = "none"
	// Pings are sent on a regular basis and the connection is closed when no inbound frame has
	// been received for longer than the ping timeout.
	PingModeActivity PingMode = "activity"
	// Pings carrying a timestamp are sent on a regular basis. Echoed timestamps are used to
	// measure latency and the connection is closed when no pong has been received for longer
	// than the ping timeout.
	PingModeLatency PingMode = "latency"
)

// Defines configuration options for a websocket connection.
//
// Use the factory function to get a new instance of the struct with nice defaults and then modify
// settings using With*** methods.
type ConnectionConfigurationOptions struct {
	// Role played by the local endpoint.
	//
	// Defaults to server.
	Role Role `validate:"oneof=server client"`
	// Keepalive strategy.
	//
	// Defaults to activity.
	PingMode PingMode `validate:"oneof=none activity latency"`
	// Delay without activity (or pong in latency mode) after which the connection is closed with
	// GoingAway (milliseconds). Pings are sent every max(500ms, PingTimeoutMs/2).
	//
	// Defaults to 30000 (30 seconds). Must be at least 1.
	PingTimeoutMs int64 `validate:"gte=1"`
	// Maximum delay to acquire the write lock and write a frame (milliseconds).
	//
	// Defaults to 10000 (10 seconds) - 0 disables the timeout.
	SendTimeoutMs int64 `validate:"gte=0"`
	// Maximum delay to wait for the peer close frame once a close frame has been sent
	// (milliseconds). Also bounds the best-effort close frame sent when the connection fails.
	//
	// Defaults to 5000 (5 seconds). Must be at least 1.
	CloseTimeoutMs int64 `validate:"gte=1"`
	// Size of the buffer used by message writers. A frame is sent each time the buffer is full.
	//
	// Defaults to 4096. Must be between 16 and 16MB.
	SendBufferSize int `validate:"gte=16,lte=16777216"`
	// Size of the buffer used to read from the transport.
	//
	// Defaults to 4096. Must be between 16 and 16MB.
	ReceiveBufferSize int `validate:"gte=16,lte=16777216"`
	// Maximum size of a received message (sum of its frames payload). The limit also applies to
	// the message once decoded by extensions. The connection is closed with MessageTooBig when a
	// message exceeds the limit.
	//
	// Defaults to 16777216 (16MB) - 0 disables the limit.
	MaxMessageBytes int64 `validate:"gte=0"`
	// Pool the send buffer and the buffers used to discard unread messages are taken from.
	//
	// Defaults to nil: DefaultBufferPool is used.
	BufferPool BufferPool `validate:"-"`
}

// # Description
//
// Set opts.Role and return the modified object. Method does not validate inputs.
//
// # Return
//
// The modified options.
func (opts *ConnectionConfigurationOptions) WithRole(value Role) *ConnectionConfigurationOptions {
	// Set and return
	opts.Role = value
	return opts
}

// # Description
//
// Set opts.PingMode and return the modified object. Method does not validate inputs.
//
// # PingMode
//
// One of none, activity or latency. See PingMode constants.
//
// # Return
//
// The modified options.
func (opts *ConnectionConfigurationOptions) WithPingMode(value PingMode) *ConnectionConfigurationOptions {
	// Set and return
	opts.PingMode = value
	return opts
}

// # Description
//
// Set opts.PingTimeoutMs and return the modified object. Method does not validate inputs.
//
// # PingTimeoutMs
//
// Delay without activity after which the connection is closed with GoingAway. Pings are sent
// every max(500ms, PingTimeoutMs/2).
//
// Defaults to 30000. Must be greater or equal to 1.
//
// # Return
//
// The modified options.
func (opts *ConnectionConfigurationOptions) WithPingTimeoutMs(value int64) *ConnectionConfigurationOptions {
	// Set and return
	opts.PingTimeoutMs = value
	return opts
}

// # Description
//
// Set opts.SendTimeoutMs and return the modified object. Method does not validate inputs.
//
// # SendTimeoutMs
//
// Maximum delay to acquire the write lock and write a frame. A value of 0 disables the timeout.
//
// Defaults to 10000. Must be greater or equal to 0.
//
// # Return
//
// The modified options.
func (opts *ConnectionConfigurationOptions) WithSendTimeoutMs(value int64) *ConnectionConfigurationOptions {
	// Set and return
	opts.SendTimeoutMs = value
	return opts
}

// # Description
//
// Set opts.CloseTimeoutMs and return the modified object. Method does not validate inputs.
//
// # Return
//
// The modified options.
func (opts *ConnectionConfigurationOptions) WithCloseTimeoutMs(value int64) *ConnectionConfigurationOptions {
	// Set and return
	opts.CloseTimeoutMs = value
	return opts
}

// # Description
//
// Set opts.SendBufferSize and return the modified object. Method does not validate inputs.
//
// # Return
//
// The modified options.
func (opts *ConnectionConfigurationOptions) WithSendBufferSize(value int) *ConnectionConfigurationOptions {
	// Set and return
	opts.SendBufferSize = value
	return opts
}

// # Description
//
// Set opts.ReceiveBufferSize and return the modified object. Method does not validate inputs.
//
// # Return
//
// The modified options.
func (opts *ConnectionConfigurationOptions) WithReceiveBufferSize(value int) *ConnectionConfigurationOptions {
	// Set and return
	opts.ReceiveBufferSize = value
	return opts
}

// # Description
//
// Set opts.MaxMessageBytes and return the modified object. Method does not validate inputs.
//
// # MaxMessageBytes
//
// Maximum size of a received message. A value of 0 disables the limit.
//
// # Return
//
// The modified options.
func (opts *ConnectionConfigurationOptions) WithMaxMessageBytes(value int64) *ConnectionConfigurationOptions {
	// Set and return
	opts.MaxMessageBytes = value
	return opts
}

// Send timeout as a duration. 0 means no timeout.
func (opts *ConnectionConfigurationOptions) sendTimeout() time.Duration {
	return time.Duration(opts.SendTimeoutMs) * time.Millisecond
}

// Close timeout as a duration.
func (opts *ConnectionConfigurationOptions) closeTimeout() time.Duration {
	return time.Duration(opts.CloseTimeoutMs) * time.Millisecond
}

// Ping timeout as a duration.
func (opts *ConnectionConfigurationOptions) pingTimeout() time.Duration {
	return time.Duration(opts.PingTimeoutMs) * time.Millisecond
}

// # Description
//
// Factory which creates a new ConnectionConfigurationOptions object with nice defaults. Settings
// can then be modified by the user by using With*** methods.
//
// # Default settings
//
//   - Role = server
//   - PingMode = activity
//   - PingTimeoutMs = 30000 (30 seconds), pings are sent every 15 seconds.
//   - SendTimeoutMs = 10000 (10 seconds).
//   - CloseTimeoutMs = 5000 (5 seconds).
//   - SendBufferSize = 4096
//   - ReceiveBufferSize = 4096
//   - MaxMessageBytes = 16777216 (16MB)
func NewConnectionConfigurationOptions() *ConnectionConfigurationOptions {
	return &ConnectionConfigurationOptions{
		Role:              RoleServer,
		PingMode:          PingModeActivity,
		PingTimeoutMs:     30000,
		SendTimeoutMs:     10000,
		CloseTimeoutMs:    5000,
		SendBufferSize:    4096,
		ReceiveBufferSize: 4096,
		MaxMessageBytes:   16777216,
	}
}

// # Description
//
// Helper function which validates ConnectionConfigurationOptions. Options are valid if:
//   - opts is not nil
//   - opts.Role is server or client
//   - opts.PingMode is none, activity or latency
//   - opts.PingTimeoutMs is greater or equal to 1
//   - opts.SendTimeoutMs is greater or equal to 0
//   - opts.CloseTimeoutMs is greater or equal to 1
//   - opts.SendBufferSize and opts.ReceiveBufferSize are between 16 and 16MB
//   - opts.MaxMessageBytes is greater or equal to 0
//
// # Returns
//
// InvalidValidationError for bad values passed in and nil or ValidationErrors as error otherwise.
// You will need to assert the error if it's not nil eg. err.(validator.ValidationErrors) to access
// the array of errors.
func Validate(opts *ConnectionConfigurationOptions) error {
	// Validate
	return validator.New().Struct(opts)
}

// # Description
//
// Set opts.BufferPool and return the modified object. Method does not validate inputs.
//
// # BufferPool
//
// Pool used by the connection for its buffers. Nil means DefaultBufferPool.
//
// # Return
//
// The modified options.
func (opts *ConnectionConfigurationOptions) WithBufferPool(value BufferPool) *ConnectionConfigurationOptions {
	// Set and return
	opts.BufferPool = value
	return opts
}
