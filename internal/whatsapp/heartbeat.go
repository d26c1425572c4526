package whatsapp

import (
	"context"
	"time"

	"go.mau.fi/whatsmeow/types"
)

// HeartbeatInterval is how often a connected client announces presence.
// Idle linked devices are otherwise dropped by the server after a while.
const HeartbeatInterval = 5 * time.Minute

// startHeartbeat runs until the connection is closed. It is started once,
// on the first successful connect.
func (c *conn) startHeartbeat(interval time.Duration) {
	c.heartbeat.Do(func() {
		go c.heartbeatLoop(interval)
	})
}

func (c *conn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.Healthy() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := c.client.SendPresence(ctx, types.PresenceAvailable); err != nil {
				c.log.WithError(err).Debug("Heartbeat failed")
			}
			cancel()
		}
	}
}
