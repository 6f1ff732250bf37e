package mq

import (
	"fmt"

	"github.com/coreward/mqbroker/internal/packets"
)

// internalPublish processes a publish request synchronously with locking.
func (c *Client) internalPublish(req *publishRequest) {
	pkt := req.packet

	c.sessionLock.Lock()

	if pkt.QoS == packets.QoS0 {
		c.sessionLock.Unlock()
		select {
		case c.outgoing <- pkt:
			req.token.complete(nil)
		case <-c.stop:
			req.token.complete(fmt.Errorf("client stopped"))
		}
		return
	}

	// Flow control: hold back new publishes while too many are already
	// in flight, rather than growing the session's outbound map without
	// bound.
	if c.opts.MaxInFlight > 0 && c.session.InFlight() >= c.opts.MaxInFlight {
		c.publishQueue = append(c.publishQueue, req)
		c.sessionLock.Unlock()
		return
	}

	c.sendPublishLocked(req)
	c.sessionLock.Unlock()
}

// sendPublishLocked assigns a packet id, tracks the publish in the session
// state, and enqueues it for the writeLoop. Assumes sessionLock is held.
func (c *Client) sendPublishLocked(req *publishRequest) bool {
	pkt := req.packet

	c.session.TrackPublish(pkt)
	c.tokens[pkt.PacketID] = req.token

	if c.opts.SessionStore != nil {
		pub := c.convertToPersistedPublish(req)
		if err := c.opts.SessionStore.SavePendingPublish(pkt.PacketID, pub); err != nil {
			c.opts.Logger.Warn("failed to persist publish", "packet_id", pkt.PacketID, "error", err)
		}
	}

	select {
	case c.outgoing <- pkt:
		return true
	case <-c.stop:
		return false
	default:
		// Channel full, back off: leave the op tracked so a later retry
		// tick resends it rather than silently dropping it.
		return false
	}
}

// internalSubscribe processes a subscribe request synchronously with locking.
func (c *Client) internalSubscribe(req *subscribeRequest) {
	pkt := req.packet

	c.sessionLock.Lock()

	pkt.PacketID = c.session.NextID()
	c.session.TrackRequest(pkt.PacketID, pkt)
	c.tokens[pkt.PacketID] = req.token

	// Register before receiving SUBACK to avoid racing with the server,
	// since it might send messages right away before we get a SUBACK.
	for i, topic := range pkt.Topics {
		qos := uint8(0)
		if i < len(pkt.QoS) {
			qos = pkt.QoS[i]
		}

		c.subscriptions[topic] = subscriptionEntry{
			handler: req.handler,
			options: SubscribeOptions{Persistence: req.persistence},
			qos:     qos,
		}
	}

	c.sessionLock.Unlock()
	select {
	case c.outgoing <- pkt:
	case <-c.stop:
		req.token.complete(fmt.Errorf("client stopped"))
	}
}

// internalUnsubscribe processes an unsubscribe request synchronously with locking.
func (c *Client) internalUnsubscribe(req *unsubscribeRequest) {
	pkt := req.packet

	c.sessionLock.Lock()

	pkt.PacketID = c.session.NextID()
	c.session.TrackRequest(pkt.PacketID, pkt)
	c.tokens[pkt.PacketID] = req.token

	for _, topic := range req.topics {
		delete(c.subscriptions, topic)
	}

	c.sessionLock.Unlock()
	select {
	case c.outgoing <- pkt:
	case <-c.stop:
		req.token.complete(fmt.Errorf("client stopped"))
	}
}
