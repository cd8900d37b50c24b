package ws

import (
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace after a missed ping (default: 10s)
}

// DefaultHeartbeatConfig returns the defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval and removes those
// with no inbound frame within Interval + Timeout. It returns immediately;
// the goroutine exits on Shutdown.
func (s *Server) StartHeartbeat() {
	cfg := s.config.Heartbeat
	if cfg.Interval <= 0 {
		cfg = DefaultHeartbeatConfig()
	}
	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.checkConnections(cfg, time.Now())
			}
		}
	}()
}

// checkConnections evicts stale connections and pings the rest with a
// protocol-level ping frame, which browsers answer automatically.
func (s *Server) checkConnections(cfg HeartbeatConfig, now time.Time) {
	deadline := cfg.Interval + cfg.Timeout

	for _, c := range s.conns.All() {
		idle := now.Sub(c.LastSeen())
		if idle > deadline {
			s.logger.Info("heartbeat timeout", "conn", c.ID, "user", c.UserID(), "idle", idle.Round(time.Second))
			s.RemoveConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			s.logger.Debug("heartbeat ping failed", "conn", c.ID, "err", err)
			s.RemoveConnection(c)
		}
	}
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.NewPingFrame(nil))
}
