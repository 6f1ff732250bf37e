package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/coreward/mqbroker/internal/packets"
	"github.com/coreward/mqbroker/internal/router"
	"github.com/coreward/mqbroker/internal/session"
	"github.com/coreward/mqbroker/internal/sessionstore"
)

// errAwaitPingResp mirrors the client's ErrAwaitPingResp (errors.go): the
// network-side keep-alive timer fired a second time while still awaiting a
// response to the PingReq it injected on the previous cycle, per
// SPEC_FULL.md §7.
var errAwaitPingResp = errors.New("no pingresp received within two keep-alive cycles")

// connection drives a single accepted MQTT connection: the shared
// read/write/state-machine loop described by the teacher's client-side
// logicLoop (client.go/logic.go), adapted to sit on the accepting side and
// feed/receive from a Router instead of a remote broker.
type connection struct {
	conn   net.Conn
	framer *packets.Framer
	logger *slog.Logger

	r    *router.Router
	outC chan router.OutMessage

	store         sessionstore.Store
	maxInFlight   int
	keepAliveDflt time.Duration
	maxPacketSize int

	clientID     string
	connID       int
	registered   bool
	cleanSession bool
	keepAlive    time.Duration
	// awaitPingResp mirrors the client's pingPending flag: set by the
	// network-side keep-alive timer, cleared on any incoming packet.
	awaitPingResp bool

	session *session.State

	incoming chan packets.Packet
	readErrs chan error
	stop     chan struct{}
}

// serve runs the connection to completion: CONNECT handshake, registration
// with the router, and the steady-state event loop. It always closes conn
// before returning.
func serve(ctx context.Context, conn net.Conn, r *router.Router, store sessionstore.Store, maxInFlight, maxPacketSize int, keepAliveDflt time.Duration, logger *slog.Logger) {
	defer conn.Close()

	c := &connection{
		conn:          conn,
		framer:        packets.NewFramer(conn, maxPacketSize),
		logger:        logger,
		r:             r,
		store:         store,
		maxInFlight:   maxInFlight,
		maxPacketSize: maxPacketSize,
		keepAliveDflt: keepAliveDflt,
		incoming:      make(chan packets.Packet, 1),
		readErrs:      make(chan error, 1),
		stop:          make(chan struct{}),
	}

	if err := c.handshake(); err != nil {
		c.logger.Warn("connect handshake failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	defer c.teardown()

	go c.readLoop()
	c.eventLoop(ctx)
}

// handshake reads the mandatory first CONNECT packet, registers the
// connection with the router, and writes the CONNACK reply. It runs with a
// 5s deadline per SPEC_FULL.md's connect timeout.
func (c *connection) handshake() error {
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer c.conn.SetReadDeadline(time.Time{})

	pkt, err := c.framer.Next()
	if err != nil {
		return fmt.Errorf("reading CONNECT: %w", err)
	}
	connect, ok := pkt.(*packets.ConnectPacket)
	if !ok {
		return fmt.Errorf("first packet was %T, not CONNECT", pkt)
	}

	clientID := connect.ClientID
	if clientID == "" {
		if !connect.CleanSession {
			return c.writeConnack(false, packets.ConnRefusedIdentifierRejected)
		}
		clientID = uuid.NewString()
	}

	c.clientID = clientID
	c.cleanSession = connect.CleanSession
	c.keepAlive = time.Duration(connect.KeepAlive) * time.Second
	if c.keepAlive == 0 {
		c.keepAlive = c.keepAliveDflt
	}

	sessionPresent := false
	if !connect.CleanSession && c.store != nil {
		if snap, ok, err := c.store.Load(clientID); err != nil {
			c.logger.Warn("failed to load session snapshot", "client_id", clientID, "error", err)
		} else if ok {
			c.session = sessionstore.Restore(snap)
			sessionPresent = true
		}
	}
	if c.session == nil {
		c.session = session.New()
	}

	c.outC = make(chan router.OutMessage, 32)

	c.r.In <- router.InMessage{Connect: &router.Connect{
		ClientID:     clientID,
		CleanSession: connect.CleanSession,
		Out:          c.outC,
	}}

	// The router's handleConnect always replies with exactly one
	// ConnectionAck before anything else can be queued on Out, so this
	// first receive cannot observe a Data/Acks message.
	reply := <-c.outC
	if reply.ConnectionAck == nil || !reply.ConnectionAck.Success {
		reason := "rejected"
		if reply.ConnectionAck != nil {
			reason = reply.ConnectionAck.Reason
		}
		c.logger.Warn("router rejected connection", "client_id", clientID, "reason", reason)
		return c.writeConnack(false, packets.ConnRefusedServerUnavailable)
	}
	c.connID = reply.ConnectionAck.ID
	c.registered = true

	return c.writeConnack(sessionPresent, packets.ConnAccepted)
}

func (c *connection) writeConnack(sessionPresent bool, code uint8) error {
	buf, err := (&packets.ConnackPacket{SessionPresent: sessionPresent, ReturnCode: code}).Encode(nil)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(buf)
	return err
}

// readLoop decodes packets off the wire and hands them to eventLoop,
// exactly mirroring the teacher's client-side readLoop/incoming channel
// split so both directions of the connection share the same shape.
func (c *connection) readLoop() {
	for {
		pkt, err := c.framer.Next()
		if err != nil {
			c.readErrs <- err
			return
		}
		select {
		case c.incoming <- pkt:
		case <-c.stop:
			return
		}
	}
}

// eventLoop composes the network read stream, the router's reply stream,
// and the keep-alive timers — the sources named in SPEC_FULL.md §4.2's
// Client Event Loop section, which this handler shares with the client's
// own writeLoop — into one select, writing replies through a buffered
// writer the same way the teacher's writeLoop does.
//
// Keep-alive mirrors client.go's writeLoop exactly: a request-side timer
// fires after K seconds with no outgoing write, and an independent
// network-side timer fires after K+1 seconds with no incoming packet,
// arming awaitPingResp. A second network-timer trip while still awaiting
// fails the connection with errAwaitPingResp.
func (c *connection) eventLoop(ctx context.Context) {
	bw := bufio.NewWriter(c.conn)

	var requestTimer, networkTimer *time.Timer
	var requestTimerC, networkTimerC <-chan time.Time
	if c.keepAlive > 0 {
		requestTimer = time.NewTimer(c.keepAlive)
		networkTimer = time.NewTimer(c.keepAlive + time.Second)
		requestTimerC = requestTimer.C
		networkTimerC = networkTimer.C
		defer requestTimer.Stop()
		defer networkTimer.Stop()
	}

	resetTimer := func(t *time.Timer, d time.Duration) {
		if t == nil {
			return
		}
		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(d)
	}

	write := func(p packets.Packet) {
		buf, err := p.Encode(nil)
		if err != nil {
			c.logger.Error("encode failed", "type", packets.PacketNames[p.Type()], "error", err)
			return
		}
		if _, err := bw.Write(buf); err != nil {
			return
		}
		bw.Flush()
		resetTimer(requestTimer, c.keepAlive)
	}

	retryTicker := time.NewTicker(5 * time.Second)
	defer retryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-c.readErrs:
			if err != nil {
				c.logger.Debug("connection closed", "client_id", c.clientID, "error", err)
			}
			return

		case pkt := <-c.incoming:
			c.awaitPingResp = false
			resetTimer(networkTimer, c.keepAlive+time.Second)
			if !c.handleIncoming(pkt, write) {
				return
			}

		case msg := <-c.outC:
			c.handleRouterMessage(msg, write)

		case <-requestTimerC:
			// No outgoing write for K seconds: inject a PingReq regardless
			// of awaitPingResp — only the network-side timer gates on it.
			write(&packets.PingreqPacket{})

		case <-networkTimerC:
			if c.awaitPingResp {
				c.logger.Warn("keep-alive timeout, no activity within two ping cycles", "client_id", c.clientID, "error", errAwaitPingResp)
				return
			}
			c.awaitPingResp = true
			write(&packets.PingreqPacket{})
			resetTimer(networkTimer, c.keepAlive+time.Second)

		case <-retryTicker.C:
			now := time.Now()
			for _, op := range c.session.RetryDue(c.keepAlive*2, now) {
				write(op.Packet)
				op.Touch(now)
			}
			c.persistSnapshot()
		}
	}
}

func (c *connection) handleIncoming(pkt packets.Packet, write func(packets.Packet)) bool {
	switch p := pkt.(type) {
	case *packets.PublishPacket:
		return c.handlePublish(p, write)

	case *packets.PubackPacket:
		c.session.HandlePuback(p)

	case *packets.PubrecPacket:
		if rel, ok := c.session.HandlePubrec(p); ok {
			write(rel)
		}

	case *packets.PubrelPacket:
		write(&packets.PubcompPacket{PacketID: p.PacketID})
		c.session.ReleaseIncoming(p)

	case *packets.PubcompPacket:
		c.session.HandlePubcomp(p)

	case *packets.SubscribePacket:
		c.handleSubscribe(p, write)

	case *packets.UnsubscribePacket:
		c.handleUnsubscribe(p, write)

	case *packets.PingreqPacket:
		write(&packets.PingrespPacket{})

	case *packets.DisconnectPacket:
		// teardown keeps or deletes the snapshot per the CONNECT clean flag.
		return false
	}
	return true
}

func (c *connection) handlePublish(p *packets.PublishPacket, write func(packets.Packet)) bool {
	if len(c.session.Outbound) >= c.maxInFlight && c.maxInFlight > 0 && p.QoS > 0 {
		// Backpressure: while this connection's outbound in-flight map is
		// full, an incoming QoS 1/2 publish is discarded: it is neither
		// forwarded to the router nor acknowledged.
		return true
	}

	duplicate := c.session.IncomingPublish(p)
	if p.QoS == packets.QoS2 && duplicate {
		write(&packets.PubrecPacket{PacketID: p.PacketID})
		return true
	}

	c.r.In <- router.InMessage{Data: []router.PacketAtConnection{{ConnectionID: c.connID, Packet: p}}}

	// The PUBACK for QoS 1 comes from the router once replication allows.
	switch p.QoS {
	case packets.QoS2:
		write(&packets.PubrecPacket{PacketID: p.PacketID})
	}
	return true
}

func (c *connection) handleSubscribe(p *packets.SubscribePacket, write func(packets.Packet)) {
	codes := make([]uint8, len(p.Topics))
	for i, topic := range p.Topics {
		if !router.ValidFilter(topic) {
			codes[i] = packets.SubackFailure
			continue
		}
		codes[i] = p.QoS[i] & 0x03
		c.r.In <- router.InMessage{DataRequest: &router.DataRequestMsg{
			ConnectionID: c.connID,
			Topic:        topic,
			MaxCount:     100,
		}}
	}
	write(&packets.SubackPacket{PacketID: p.PacketID, ReturnCodes: codes})
}

func (c *connection) handleUnsubscribe(p *packets.UnsubscribePacket, write func(packets.Packet)) {
	for _, topic := range p.Topics {
		c.r.In <- router.InMessage{Unsubscribe: &router.UnsubscribeMsg{
			ConnectionID: c.connID,
			Topic:        topic,
		}}
	}
	write(&packets.UnsubackPacket{PacketID: p.PacketID})
}

func (c *connection) handleRouterMessage(msg router.OutMessage, write func(packets.Packet)) {
	switch {
	case msg.Data != nil:
		for _, payload := range msg.Data.Payload {
			write(&packets.PublishPacket{Topic: msg.Data.Topic, Payload: payload, QoS: packets.QoS0})
		}
		c.r.In <- router.InMessage{Ready: &router.Ready{ConnectionID: c.connID}}

	case msg.Acks != nil:
		for _, ack := range msg.Acks.Acks {
			write(ack.Original)
		}
	}
}

func (c *connection) persistSnapshot() {
	if c.store == nil || c.cleanSession {
		return
	}
	snap := sessionstore.ToSnapshot(c.session)
	if err := c.store.Save(c.clientID, snap); err != nil {
		c.logger.Warn("failed to persist session snapshot", "client_id", c.clientID, "error", err)
	}
}

func (c *connection) teardown() {
	close(c.stop)
	if c.registered {
		c.r.In <- router.InMessage{Disconnect: &router.Disconnect{ConnectionID: c.connID}}
	}
	if c.cleanSession && c.store != nil {
		c.store.Delete(c.clientID)
	} else {
		c.persistSnapshot()
	}
	// c.outC is intentionally left open: the router may still attempt a
	// non-blocking send to it after Disconnect is enqueued but before it is
	// processed, and closing here would turn that into a panic.
}
