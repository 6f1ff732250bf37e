package mq

// processPublishQueue flushes queued publishes that were held back by
// WithMaxInFlight, sending as many as current capacity allows.
func (c *Client) processPublishQueue() {
	for len(c.publishQueue) > 0 {
		if c.opts.MaxInFlight > 0 && c.session.InFlight() >= c.opts.MaxInFlight {
			return
		}

		req := c.publishQueue[0]
		if !c.sendPublishLocked(req) {
			return
		}

		c.publishQueue = c.publishQueue[1:]
	}
}
