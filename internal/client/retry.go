package client

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/thenoetrevino/boardsync/internal/events"
)

// DefaultRetries is how many times an intent is sent before a busy
// rejection is final
const DefaultRetries = 3

const retryBaseDelay = 50 * time.Millisecond

// retry resends an intent the server rejected as busy after an exponential
// delay: 50ms, 100ms, 200ms. The mutation stays pending meanwhile. If the
// connection drops or the mutation times out first, the resend is dropped
// since the mutation was already rolled back.
func (c *Client) retry(conn *websocket.Conn, f *flight, cause *events.Error) {
	delay := retryBaseDelay * (1 << f.attempt)
	f.attempt++
	corr := f.intent.CorrelationID

	c.logger.Debug("intent busy, retrying",
		"attempt", f.attempt+1,
		"max_retries", c.retries,
		"retry_delay", delay,
		"correlation_id", corr,
		"error", cause)

	c.mu.Lock()
	c.inflight[corr] = f
	c.mu.Unlock()

	time.AfterFunc(delay, func() {
		c.mu.Lock()
		current := c.conn == conn
		_, pending := c.inflight[corr]
		c.mu.Unlock()
		if !current || !pending {
			return
		}
		if err := c.write(conn, intentMessage(f.intent)); err != nil {
			c.logger.Warn("intent resend failed",
				"correlation_id", corr,
				"error", err)
		}
	})
}
