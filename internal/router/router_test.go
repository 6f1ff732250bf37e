package router

import (
	"testing"
	"time"

	"github.com/coreward/mqbroker/internal/packets"
)

func newTestRouter(t *testing.T) (*Router, chan struct{}) {
	t.Helper()
	r := New(Config{})
	stop := make(chan struct{})
	go r.Run(stop)
	t.Cleanup(func() { close(stop) })
	return r, stop
}

func connect(t *testing.T, r *Router, clientID string) (int, chan OutMessage) {
	t.Helper()
	out := make(chan OutMessage, 10)
	r.In <- InMessage{Connect: &Connect{ClientID: clientID, Out: out}}

	select {
	case msg := <-out:
		if msg.ConnectionAck == nil || !msg.ConnectionAck.Success {
			t.Fatalf("expected successful ConnectionAck, got %+v", msg)
		}
		return msg.ConnectionAck.ID, out
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ConnectionAck")
		return 0, nil
	}
}

func TestRouterConnectAssignsUniqueSlots(t *testing.T) {
	r, _ := newTestRouter(t)
	id1, _ := connect(t, r, "c1")
	id2, _ := connect(t, r, "c2")
	if id1 == id2 {
		t.Fatal("expected distinct slot ids for distinct client ids")
	}
}

// TestRouterPublishSubscribeDelivery exercises spec scenario S1: connect,
// subscribe to a wildcard filter, publish, and expect the data back.
func TestRouterPublishSubscribeDelivery(t *testing.T) {
	r, _ := newTestRouter(t)
	id, out := connect(t, r, "c1")

	r.In <- InMessage{DataRequest: &DataRequestMsg{ConnectionID: id, Topic: "hello/#", MaxCount: 10}}

	pub := &packets.PublishPacket{Topic: "hello/world", Payload: []byte("hi"), QoS: packets.QoS1, PacketID: 1}
	r.In <- InMessage{Data: []PacketAtConnection{{ConnectionID: id, Packet: pub}}}

	var gotData, gotAck bool
	deadline := time.After(time.Second)
	for !gotData || !gotAck {
		select {
		case msg := <-out:
			if msg.Data != nil {
				if len(msg.Data.Payload) != 1 || string(msg.Data.Payload[0]) != "hi" {
					t.Fatalf("unexpected data payload: %+v", msg.Data)
				}
				gotData = true
			}
			if msg.Acks != nil {
				if len(msg.Acks.Acks) != 1 || msg.Acks.Acks[0].PacketID != 1 {
					t.Fatalf("unexpected acks: %+v", msg.Acks)
				}
				gotAck = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for data=%v ack=%v", gotData, gotAck)
		}
	}
}

// TestRouterUnsubscribeStopsDelivery verifies that an Unsubscribe message
// both untracks the connection's Tracker entry and removes it from
// Subscriptions, so a later publish to the same topic no longer enqueues
// the connection onto the ReadyQueue or yields a Data notification for it.
func TestRouterUnsubscribeStopsDelivery(t *testing.T) {
	r, _ := newTestRouter(t)
	id, out := connect(t, r, "c1")

	r.In <- InMessage{DataRequest: &DataRequestMsg{ConnectionID: id, Topic: "hello/#", MaxCount: 10}}

	first := &packets.PublishPacket{Topic: "hello/world", Payload: []byte("one"), QoS: packets.QoS0}
	r.In <- InMessage{Data: []PacketAtConnection{{ConnectionID: id, Packet: first}}}

	select {
	case msg := <-out:
		if msg.Data == nil || len(msg.Data.Payload) != 1 || string(msg.Data.Payload[0]) != "one" {
			t.Fatalf("expected first publish delivered, got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first publish")
	}
	r.In <- InMessage{Ready: &Ready{ConnectionID: id}}

	r.In <- InMessage{Unsubscribe: &UnsubscribeMsg{ConnectionID: id, Topic: "hello/#"}}
	time.Sleep(50 * time.Millisecond) // let the single-threaded router apply it

	second := &packets.PublishPacket{Topic: "hello/world", Payload: []byte("two"), QoS: packets.QoS0}
	r.In <- InMessage{Data: []PacketAtConnection{{ConnectionID: id, Packet: second}}}

	select {
	case msg := <-out:
		t.Fatalf("expected no further delivery after unsubscribe, got %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestRouterReplicationAcksDeliverToOwningConnection exercises spec §4.3's
// ReplicationData/ReplicationAcks contract: with one replica required, a
// PUBACK must stay pending until that replica acks the offset, and once it
// does the router must deliver it to the connection that actually published
// it — not to whichever connection's publish or replication event happened
// to trigger the release.
func TestRouterReplicationAcksDeliverToOwningConnection(t *testing.T) {
	r := New(Config{ReplicaCount: 1})
	stop := make(chan struct{})
	go r.Run(stop)
	t.Cleanup(func() { close(stop) })

	idA, outA := connect(t, r, "publisher-a")
	idB, outB := connect(t, r, "publisher-b")

	pubA := &packets.PublishPacket{Topic: "shared/topic", Payload: []byte("from-a"), QoS: packets.QoS1, PacketID: 1}
	r.In <- InMessage{Data: []PacketAtConnection{{ConnectionID: idA, Packet: pubA}}}

	pubB := &packets.PublishPacket{Topic: "shared/topic", Payload: []byte("from-b"), QoS: packets.QoS1, PacketID: 1}
	r.In <- InMessage{Data: []PacketAtConnection{{ConnectionID: idB, Packet: pubB}}}

	select {
	case msg := <-outA:
		t.Fatalf("expected no ack before replica has acked, got %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
	select {
	case msg := <-outB:
		t.Fatalf("expected no ack before replica has acked, got %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}

	// ReplicationAck for replica 1 covers both offsets at once; the
	// release must still be attributed per-publisher.
	r.In <- InMessage{ReplicationAcks: []ReplicationAck{{ReplicaIndex: 1, Topic: "shared/topic", Offset: 2}}}

	select {
	case msg := <-outA:
		if msg.Acks == nil || len(msg.Acks.Acks) != 1 || msg.Acks.Acks[0].PacketID != 1 {
			t.Fatalf("unexpected ack for connection A: %+v", msg)
		}
		if _, ok := msg.Acks.Acks[0].Original.(*packets.PubackPacket); !ok {
			t.Fatalf("expected QoS1 ack to be a PUBACK, got %T", msg.Acks.Acks[0].Original)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connection A's ack")
	}

	select {
	case msg := <-outB:
		if msg.Acks == nil || len(msg.Acks.Acks) != 1 || msg.Acks.Acks[0].PacketID != 1 {
			t.Fatalf("unexpected ack for connection B: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connection B's ack")
	}
}

// TestRouterReplicationDataReleasesOwnerAck verifies that applying
// ReplicationData (a replica's raw log catch-up, distinct from a
// ReplicationAck notification) itself triggers ack release to the original
// publisher once the replica's offset clears the requirement.
func TestRouterReplicationDataReleasesOwnerAck(t *testing.T) {
	r := New(Config{ReplicaCount: 1})
	stop := make(chan struct{})
	go r.Run(stop)
	t.Cleanup(func() { close(stop) })

	id, out := connect(t, r, "publisher")

	pub := &packets.PublishPacket{Topic: "repl/topic", Payload: []byte("hi"), QoS: packets.QoS2, PacketID: 9}
	r.In <- InMessage{Data: []PacketAtConnection{{ConnectionID: id, Packet: pub}}}

	select {
	case msg := <-out:
		t.Fatalf("expected no ack before replication catches up, got %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}

	r.In <- InMessage{ReplicationData: []ReplicationData{{ReplicaIndex: 1, Topic: "repl/topic", Payloads: [][]byte{[]byte("hi")}}}}

	select {
	case msg := <-out:
		if msg.Acks == nil || len(msg.Acks.Acks) != 1 || msg.Acks.Acks[0].PacketID != 9 {
			t.Fatalf("unexpected ack: %+v", msg)
		}
		if _, ok := msg.Acks.Acks[0].Original.(*packets.PubcompPacket); !ok {
			t.Fatalf("expected QoS2 ack to be a PUBCOMP, got %T", msg.Acks.Acks[0].Original)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ack release from ReplicationData")
	}
}

func TestRouterDisconnectFreesSlot(t *testing.T) {
	r, _ := newTestRouter(t)
	id, _ := connect(t, r, "c1")

	done := make(chan struct{})
	r.In <- InMessage{Disconnect: &Disconnect{ConnectionID: id}}
	go func() { close(done) }()
	<-done

	// Give the router a moment to process the disconnect serially.
	time.Sleep(50 * time.Millisecond)

	id2, _ := connect(t, r, "c2")
	if id2 != id {
		t.Errorf("expected freed slot %d to be reused, got %d", id, id2)
	}
}
