package mq

import (
	"time"

	"github.com/coreward/mqbroker/internal/packets"
)

// logicLoop is the state machine goroutine that manages client state. It holds
// sessionLock around each step, since Publish and the connect path touch the
// same session state from other goroutines.
func (c *Client) logicLoop() {
	defer c.wg.Done()

	retryTicker := time.NewTicker(5 * time.Second)
	defer retryTicker.Stop()

	for {
		select {
		case pkt := <-c.incoming:
			c.sessionLock.Lock()
			c.handleIncoming(pkt)
			c.sessionLock.Unlock()

		case <-retryTicker.C:
			c.sessionLock.Lock()
			c.retryPending()
			c.processPublishQueue()
			c.sessionLock.Unlock()

		case <-c.stop:
			c.opts.Logger.Debug("logicLoop stopped")
			c.sessionLock.Lock()
			for id, tok := range c.tokens {
				tok.complete(ErrClientDisconnected)
				delete(c.tokens, id)
			}
			for _, req := range c.publishQueue {
				req.token.complete(ErrClientDisconnected)
			}
			c.publishQueue = nil
			c.sessionLock.Unlock()
			return
		}
	}
}

// internalResetState resets session state (e.g. on clean session reconnect).
// It acquires the session lock.
func (c *Client) internalResetState() {
	c.sessionLock.Lock()
	defer c.sessionLock.Unlock()
	c.session.Reset()
	c.tokens = make(map[uint16]*token)
}

// handleIncoming processes incoming packets from the server.
func (c *Client) handleIncoming(pkt packets.Packet) {
	switch p := pkt.(type) {
	case *packets.PublishPacket:
		c.handlePublish(p)

	case *packets.PubackPacket:
		c.handlePuback(p)

	case *packets.PubrecPacket:
		c.handlePubrec(p)

	case *packets.PubrelPacket:
		c.handlePubrel(p)

	case *packets.PubcompPacket:
		c.handlePubcomp(p)

	case *packets.SubackPacket:
		c.handleSuback(p)

	case *packets.UnsubackPacket:
		c.handleUnsuback(p)

	case *packets.PingrespPacket:
		// Keepalive response - signal writeLoop that PINGRESP was received
		select {
		case c.pingPendingCh <- struct{}{}:
		default:
			// Channel full, which means writeLoop hasn't processed the previous signal yet
		}

	case *packets.DisconnectPacket:
		c.handleDisconnectPacket(p)
	}
}

// handlePublish processes an incoming PUBLISH packet.
func (c *Client) handlePublish(p *packets.PublishPacket) {
	duplicate := c.session.IncomingPublish(p)

	if p.QoS == packets.QoS2 && duplicate {
		// Already received and pending release - re-ack without redelivering.
		select {
		case c.outgoing <- &packets.PubrecPacket{PacketID: p.PacketID}:
		case <-c.stop:
		default:
		}
		return
	}

	if p.QoS == packets.QoS2 && c.opts.SessionStore != nil {
		if err := c.opts.SessionStore.SaveReceivedQoS2(p.PacketID); err != nil {
			c.opts.Logger.Warn("failed to persist QoS2 ID", "packet_id", p.PacketID, "error", err)
		}
	}

	// Find matching handlers
	var handlers []MessageHandler
	for filter, entry := range c.subscriptions {
		if MatchTopic(filter, p.Topic) {
			if entry.handler != nil {
				handlers = append(handlers, entry.handler)
			}
		}
	}

	// Use default handler if no matches found
	if len(handlers) == 0 && c.opts.DefaultPublishHandler != nil {
		handlers = append(handlers, c.opts.DefaultPublishHandler)
	}

	msg := Message{
		Topic:     p.Topic,
		Payload:   p.Payload,
		QoS:       QoS(p.QoS),
		Retained:  p.Retain,
		Duplicate: p.Dup,
	}

	// Call handlers in separate goroutines (don't block logicLoop)
	for _, handler := range handlers {
		h := c.wrapHandler(handler) // Capture for goroutine
		go h(c, msg)
	}

	switch p.QoS {
	case packets.QoS1:
		select {
		case c.outgoing <- &packets.PubackPacket{PacketID: p.PacketID}:
		case <-c.stop:
		default:
		}
	case packets.QoS2:
		select {
		case c.outgoing <- &packets.PubrecPacket{PacketID: p.PacketID}:
		case <-c.stop:
		default:
		}
	}
}

// handlePuback processes a PUBACK packet (QoS 1 acknowledgment).
func (c *Client) handlePuback(p *packets.PubackPacket) {
	if _, ok := c.session.HandlePuback(p); ok {
		c.completeToken(p.PacketID, nil)

		if c.opts.SessionStore != nil {
			if err := c.opts.SessionStore.DeletePendingPublish(p.PacketID); err != nil {
				c.opts.Logger.Warn("failed to delete pending publish", "packet_id", p.PacketID, "error", err)
			}
		}

		c.processPublishQueue()
	}
}

// handlePubrec processes a PUBREC packet (QoS 2, step 1).
func (c *Client) handlePubrec(p *packets.PubrecPacket) {
	rel, ok := c.session.HandlePubrec(p)
	if !ok {
		return
	}

	select {
	case c.outgoing <- rel:
	case <-c.stop:
	default:
	}
}

// handlePubrel processes a PUBREL packet (QoS 2, step 2).
func (c *Client) handlePubrel(p *packets.PubrelPacket) {
	select {
	case c.outgoing <- &packets.PubcompPacket{PacketID: p.PacketID}:
	case <-c.stop:
	default:
	}

	c.session.ReleaseIncoming(p)

	if c.opts.SessionStore != nil {
		if err := c.opts.SessionStore.DeleteReceivedQoS2(p.PacketID); err != nil {
			c.opts.Logger.Warn("failed to delete QoS2 ID", "packet_id", p.PacketID, "error", err)
		}
	}
}

// handlePubcomp processes a PUBCOMP packet (QoS 2, step 3).
func (c *Client) handlePubcomp(p *packets.PubcompPacket) {
	if _, ok := c.session.HandlePubcomp(p); ok {
		c.completeToken(p.PacketID, nil)

		if c.opts.SessionStore != nil {
			if err := c.opts.SessionStore.DeletePendingPublish(p.PacketID); err != nil {
				c.opts.Logger.Warn("failed to delete pending publish", "packet_id", p.PacketID, "error", err)
			}
		}

		c.processPublishQueue()
	}
}

// handleSuback processes a SUBACK packet.
func (c *Client) handleSuback(p *packets.SubackPacket) {
	op, ok := c.session.HandleSuback(p)
	if !ok {
		return
	}

	var err error
	for _, code := range p.ReturnCodes {
		if code >= packets.SubackFailure {
			err = ErrSubscriptionFailed
			break
		}
	}

	if c.opts.SessionStore != nil && err == nil {
		if subPkt, ok := op.Packet.(*packets.SubscribePacket); ok {
			for i, topic := range subPkt.Topics {
				success := i < len(p.ReturnCodes) && p.ReturnCodes[i] < packets.SubackFailure
				if !success {
					continue
				}

				entry, ok := c.subscriptions[topic]
				if !ok || !entry.options.Persistence {
					continue
				}

				sub := &SubscriptionInfo{
					QoS:     entry.qos,
					Options: &SubscriptionOptions{Persistence: entry.options.Persistence},
				}
				if err := c.opts.SessionStore.SaveSubscription(topic, sub); err != nil {
					c.opts.Logger.Warn("failed to persist subscription", "topic", topic, "error", err)
				}
			}
		}
	}

	c.completeToken(p.PacketID, err)
}

// handleUnsuback processes an UNSUBACK packet.
func (c *Client) handleUnsuback(p *packets.UnsubackPacket) {
	op, ok := c.session.HandleUnsuback(p)
	if !ok {
		return
	}

	c.completeToken(p.PacketID, nil)

	if c.opts.SessionStore != nil {
		if unsubPkt, ok := op.Packet.(*packets.UnsubscribePacket); ok {
			for _, topic := range unsubPkt.Topics {
				if err := c.opts.SessionStore.DeleteSubscription(topic); err != nil {
					c.opts.Logger.Warn("failed to delete subscription", "topic", topic, "error", err)
				}
			}
		}
	}
}

// completeToken completes and forgets the token associated with a packet id,
// if one is tracked (resubscribe-on-reconnect packets carry no token).
func (c *Client) completeToken(packetID uint16, err error) {
	if tok, ok := c.tokens[packetID]; ok {
		tok.complete(err)
		delete(c.tokens, packetID)
	}
}

// retryPending retransmits packets that haven't been acknowledged.
func (c *Client) retryPending() {
	now := time.Now()
	for _, op := range c.session.RetryDue(10*time.Second, now) {
		select {
		case c.outgoing <- op.Packet:
			op.Touch(now)
		case <-c.stop:
			return
		default:
			// Outgoing queue is full, skip retransmission for now
			// to avoid blocking the logicLoop.
			return
		}
	}
}

// handleDisconnectPacket processes a DISCONNECT packet from the server.
//
// MQTT 3.1.1's DISCONNECT carries no payload, so the only information
// conveyed is the fact the server chose to close the connection cleanly
// (as opposed to the network simply dropping).
func (c *Client) handleDisconnectPacket(_ *packets.DisconnectPacket) {
	c.opts.Logger.Warn("received DISCONNECT from server")

	c.connLock.Lock()
	c.lastDisconnectReason = ErrServerDisconnect
	c.connLock.Unlock()
}
