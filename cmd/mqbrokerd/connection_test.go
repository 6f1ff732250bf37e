package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/coreward/mqbroker/internal/packets"
	"github.com/coreward/mqbroker/internal/router"
	"github.com/coreward/mqbroker/internal/sessionstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startTestRouter(t *testing.T) *router.Router {
	t.Helper()
	r := router.New(router.Config{Logger: testLogger()})
	stop := make(chan struct{})
	go r.Run(stop)
	t.Cleanup(func() { close(stop) })
	return r
}

func readPacket(t *testing.T, conn net.Conn) packets.Packet {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f := packets.NewFramer(conn, 0)
	pkt, err := f.Next()
	if err != nil {
		t.Fatalf("reading packet: %v", err)
	}
	return pkt
}

func writePacket(t *testing.T, conn net.Conn, p packets.Packet) {
	t.Helper()
	buf, err := p.Encode(nil)
	if err != nil {
		t.Fatalf("encoding packet: %v", err)
	}
	if _, err := conn.Write(buf); err != nil {
		t.Fatalf("writing packet: %v", err)
	}
}

// TestConnectionAcceptsCleanSessionConnect verifies the handshake returns a
// CONNACK with SessionPresent false for a clean-session CONNECT with no
// client id, the case in which the broker assigns the id itself.
func TestConnectionAcceptsCleanSessionConnect(t *testing.T) {
	r := startTestRouter(t)
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		serve(ctx, serverConn, r, sessionstore.NewMemory(), 100, 0, 60*time.Second, testLogger())
		close(done)
	}()

	writePacket(t, clientConn, &packets.ConnectPacket{
		ProtocolName: "MQTT", ProtocolLevel: 4, CleanSession: true, KeepAlive: 30,
	})

	pkt := readPacket(t, clientConn)
	ack, ok := pkt.(*packets.ConnackPacket)
	if !ok {
		t.Fatalf("expected CONNACK, got %T", pkt)
	}
	if ack.ReturnCode != packets.ConnAccepted {
		t.Fatalf("expected ConnAccepted, got %d", ack.ReturnCode)
	}
	if ack.SessionPresent {
		t.Fatal("clean session connect must not report SessionPresent")
	}

	clientConn.Close()
	cancel()
	<-done
}

// TestConnectionRejectsEmptyClientIDWithoutCleanSession mirrors the
// CONNACK-refused path spec.md requires when a client sends an empty
// ClientID but CleanSession false.
func TestConnectionRejectsEmptyClientIDWithoutCleanSession(t *testing.T) {
	r := startTestRouter(t)
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go serve(ctx, serverConn, r, sessionstore.NewMemory(), 100, 0, 60*time.Second, testLogger())

	writePacket(t, clientConn, &packets.ConnectPacket{
		ProtocolName: "MQTT", ProtocolLevel: 4, CleanSession: false,
	})

	pkt := readPacket(t, clientConn)
	ack, ok := pkt.(*packets.ConnackPacket)
	if !ok {
		t.Fatalf("expected CONNACK, got %T", pkt)
	}
	if ack.ReturnCode != packets.ConnRefusedIdentifierRejected {
		t.Fatalf("expected ConnRefusedIdentifierRejected, got %d", ack.ReturnCode)
	}
}

// TestConnectionPublishSubscribeRoundTrip drives two connections through a
// shared router: one subscribes to a topic, the other publishes to it at
// QoS 1, and the subscriber must observe the payload and the publisher must
// receive its PUBACK.
func TestConnectionPublishSubscribeRoundTrip(t *testing.T) {
	r := startTestRouter(t)

	subServer, subClient := net.Pipe()
	defer subClient.Close()
	pubServer, pubClient := net.Pipe()
	defer pubClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go serve(ctx, subServer, r, sessionstore.NewMemory(), 100, 0, 60*time.Second, testLogger())
	go serve(ctx, pubServer, r, sessionstore.NewMemory(), 100, 0, 60*time.Second, testLogger())

	writePacket(t, subClient, &packets.ConnectPacket{ProtocolName: "MQTT", ProtocolLevel: 4, ClientID: "sub-1", CleanSession: true})
	readPacket(t, subClient) // CONNACK

	writePacket(t, subClient, &packets.SubscribePacket{PacketID: 1, Topics: []string{"sensors/temp"}, QoS: []uint8{1}})
	subackPkt := readPacket(t, subClient)
	if _, ok := subackPkt.(*packets.SubackPacket); !ok {
		t.Fatalf("expected SUBACK, got %T", subackPkt)
	}

	writePacket(t, pubClient, &packets.ConnectPacket{ProtocolName: "MQTT", ProtocolLevel: 4, ClientID: "pub-1", CleanSession: true})
	readPacket(t, pubClient) // CONNACK

	subPkts := streamPackets(subClient)
	pubPkts := streamPackets(pubClient)

	writePacket(t, pubClient, &packets.PublishPacket{Topic: "sensors/temp", Payload: []byte("21C"), QoS: 1, PacketID: 1})

	gotPublish, gotPuback := false, false
	deadline := time.After(3 * time.Second)
	for !gotPublish || !gotPuback {
		select {
		case p := <-subPkts:
			if pub, ok := p.(*packets.PublishPacket); ok && string(pub.Payload) == "21C" {
				gotPublish = true
			}
		case p := <-pubPkts:
			if _, ok := p.(*packets.PubackPacket); ok {
				gotPuback = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for publish=%v puback=%v", gotPublish, gotPuback)
		}
	}
}

// TestConnectionKeepAliveRequestTimerSendsPingReq verifies the broker-side
// handler mirrors client.go's request-side timer: with no outgoing traffic
// of its own, it still injects a PingReq after K seconds per SPEC_FULL.md
// §4.2's shared state machine.
func TestConnectionKeepAliveRequestTimerSendsPingReq(t *testing.T) {
	r := startTestRouter(t)
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	keepAlive := 150 * time.Millisecond
	go serve(ctx, serverConn, r, sessionstore.NewMemory(), 100, 0, keepAlive, testLogger())

	writePacket(t, clientConn, &packets.ConnectPacket{ProtocolName: "MQTT", ProtocolLevel: 4, ClientID: "ka-1", CleanSession: true, KeepAlive: uint16(keepAlive.Seconds())})
	readPacket(t, clientConn) // CONNACK

	pkts := streamPackets(clientConn)
	select {
	case p, ok := <-pkts:
		if !ok {
			t.Fatal("connection closed before sending PingReq")
		}
		if _, ok := p.(*packets.PingreqPacket); !ok {
			t.Fatalf("expected PINGREQ, got %T", p)
		}
	case <-time.After(keepAlive + time.Second):
		t.Fatal("timed out waiting for broker's request-timer PingReq")
	}
}

// TestConnectionKeepAliveHalfOpenClosesConnection verifies the broker-side
// network-timer detects a half-open link (client never sends anything,
// including never answering the broker's own PingReq) and closes the
// connection after two cycles, matching the client's ErrAwaitPingResp path.
func TestConnectionKeepAliveHalfOpenClosesConnection(t *testing.T) {
	r := startTestRouter(t)
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	keepAlive := 80 * time.Millisecond
	go serve(ctx, serverConn, r, sessionstore.NewMemory(), 100, 0, keepAlive, testLogger())

	writePacket(t, clientConn, &packets.ConnectPacket{ProtocolName: "MQTT", ProtocolLevel: 4, ClientID: "ka-2", CleanSession: true, KeepAlive: uint16(keepAlive.Seconds())})
	readPacket(t, clientConn) // CONNACK

	// Drain and ignore everything the broker sends, including its PingReqs;
	// never reply, simulating a half-open link.
	pkts := streamPackets(clientConn)
	closed := make(chan struct{})
	go func() {
		for range pkts {
		}
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(2*keepAlive + 3*time.Second):
		t.Fatal("timed out waiting for broker to close a half-open connection")
	}
}

// streamPackets decodes every packet arriving on conn onto a channel, so a
// single goroutine owns the Framer for the lifetime of the test connection
// instead of racing multiple short-lived readers over the same conn.
func streamPackets(conn net.Conn) <-chan packets.Packet {
	ch := make(chan packets.Packet, 8)
	go func() {
		f := packets.NewFramer(conn, 0)
		for {
			pkt, err := f.Next()
			if err != nil {
				close(ch)
				return
			}
			ch <- pkt
		}
	}()
	return ch
}
