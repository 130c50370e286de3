package wsengine

import (
	"context"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"time"

	"github.com/gbdevw/wsproto/wsframe"
	"go.uber.org/zap"
)

// Minimum delay between two pings
const minPingInterval = 500 * time.Millisecond

// Keepalive strategy.
type pingStrategy interface {
	// Payload of the next ping, built in buf (8 bytes).
	nextPing(now time.Time, buf []byte) []byte
	// Last time the peer has shown it is alive.
	lastSeen() time.Time
	// Called with the payload of each received pong.
	onPong(payload []byte)
}

// Delay between two pings: max(500ms, timeout/2).
func pingInterval(timeout time.Duration) time.Duration {
	interval := timeout / 2
	if interval < minPingInterval {
		return minPingInterval
	}
	return interval
}

// # Description
//
// Keepalive loop. On each tick, the connection is closed with GoingAway if the peer has not shown
// it is alive within the ping timeout. Otherwise a ping is sent. The loop competes with message
// writers for the write lock: a ping which cannot acquire the lock within the send timeout is
// skipped.
func (c *Connection) runKeepalive(ctx context.Context, strategy pingStrategy) {
	timeout := c.opts.pingTimeout()
	ticker := time.NewTicker(pingInterval(timeout))
	defer ticker.Stop()
	buf := [8]byte{}
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Sub(strategy.lastSeen()) > timeout {
				c.fail(GoingAway, "ping timeout", nil, true)
				return
			}
			err := c.writeControl(ctx, wsframe.OpcodePing, strategy.nextPing(now, buf[:]))
			if err != nil {
				timeoutErr := TimeoutError{}
				if errors.As(err, &timeoutErr) && timeoutErr.Operation == operationWriteLock {
					c.logger.Debug("ping skipped", zap.Error(err))
					continue
				}
				return
			}
			c.instruments.pingsSent.Add(ctx, 1)
		}
	}
}

/*************************************************************************************************/
/* ACTIVITY STRATEGY                                                                             */
/*************************************************************************************************/

// Sends empty pings and considers any inbound frame as a sign of life.
type activityPingStrategy struct {
	conn *Connection
}

func (s *activityPingStrategy) nextPing(now time.Time, buf []byte) []byte {
	return buf[:0]
}

func (s *activityPingStrategy) lastSeen() time.Time {
	return time.Unix(0, s.conn.lastActivity.Load())
}

func (s *activityPingStrategy) onPong(payload []byte) {}

/*************************************************************************************************/
/* LATENCY STRATEGY                                                                              */
/*************************************************************************************************/

// Sends the current time (unix nanoseconds, big-endian) in pings and measures latency as half the
// round trip when the matching pong arrives. Only pongs are considered as signs of life.
type latencyPingStrategy struct {
	conn *Connection
	// Unix timestamp (nanoseconds) of the last valid pong
	lastPong atomic.Int64
}

func newLatencyPingStrategy(conn *Connection) *latencyPingStrategy {
	s := &latencyPingStrategy{conn: conn}
	s.lastPong.Store(time.Now().UnixNano())
	return s
}

func (s *latencyPingStrategy) nextPing(now time.Time, buf []byte) []byte {
	binary.BigEndian.PutUint64(buf, uint64(now.UnixNano()))
	return buf[:8]
}

func (s *latencyPingStrategy) lastSeen() time.Time {
	return time.Unix(0, s.lastPong.Load())
}

func (s *latencyPingStrategy) onPong(payload []byte) {
	if len(payload) != 8 {
		// Unsolicited pong
		return
	}
	now := time.Now().UnixNano()
	sent := int64(binary.BigEndian.Uint64(payload))
	if sent <= 0 || sent > now {
		return
	}
	latency := (now - sent) / 2
	s.conn.latency.Store(latency)
	s.lastPong.Store(now)
	s.conn.instruments.pingLatency.Record(context.Background(), float64(latency)/float64(time.Millisecond))
}
