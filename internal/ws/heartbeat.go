package ws

import (
	"log"
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig tunes stale-connection detection. A chat client sitting in
// an idle conversation produces no frames, so liveness comes from pings.
type HeartbeatConfig struct {
	Interval time.Duration // ping cadence
	Timeout  time.Duration // extra grace after a ping before reaping
}

// DefaultHeartbeatConfig is 30s pings with a 10s grace window.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat runs the reaper loop in the background: every Interval it
// pings all connections and drops the ones with no activity inside
// Interval + Timeout. Dropping a connection goes through the server, which
// also closes any conversation sessions attached to it. The loop exits when
// the server's done channel closes.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config)
			}
		}
	}()
}

// checkConnections reaps connections whose last successful read is older
// than Interval + Timeout and pings the rest. Browsers answer the
// protocol-level ping (opcode 0x9) with a pong automatically, which counts
// as read activity.
func checkConnections(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.Connections().All() {
		if now.Sub(c.LastPing) > deadline {
			log.Printf("ws: heartbeat timeout conn=%s last_activity=%s ago",
				c.ID, now.Sub(c.LastPing).Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		// The connection's write mutex keeps the ping frame from
		// interleaving with outbound chat messages.
		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed conn=%s: %v", c.ID, err)
			server.RemoveConnection(c)
		}
	}
}

// WritePing sends a protocol-level ping frame, serialized with other
// outbound frames by the connection's write mutex.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}
