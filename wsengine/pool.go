package wsengine

import (
	pool "github.com/libp2p/go-buffer-pool"
)

// Interface of the buffer pool used by connections to get their buffers. The send buffer obtained
// by a connection is returned exactly once, when the connection is disposed.
type BufferPool interface {
	// Get returns a slice of exactly length bytes.
	Get(length int) []byte
	// Put returns a slice obtained from Get to the pool.
	Put(buf []byte)
}

// Pool used when ConnectionConfigurationOptions.BufferPool is not set.
var DefaultBufferPool BufferPool = pool.GlobalPool
