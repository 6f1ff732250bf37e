// Package session implements the MQTT 3.1.1 per-connection state machine:
// the outbound in-flight map (whose entries carry the QoS 2 release flag),
// the incoming QoS 2 dedup set, and packet id assignment. It is deliberately network-agnostic
// so that both the outbound client (dialing out to a broker) and the
// router's inbound connection handler (accepting a dial from a client) can
// drive the same transition table instead of each re-implementing QoS
// bookkeeping.
package session

import (
	"time"

	"github.com/coreward/mqbroker/internal/packets"
)

// OutboundOp tracks a QoS 1 or QoS 2 publish (or the subscribe/unsubscribe
// request that shares the same packet-id space) while it awaits
// acknowledgement.
type OutboundOp struct {
	Packet    packets.Packet
	Timestamp time.Time
	// Released is set once a PUBREC has been answered with a PUBREL; the
	// operation then waits for PUBCOMP instead of PUBACK/PUBREC.
	Released bool
}

// State is the mutable session state shared by the event loop driving a
// single connection. It is not safe for concurrent use; callers serialize
// access the same way the teacher's logicLoop does (a single goroutine
// owns the State for the lifetime of the connection).
type State struct {
	// Outbound holds QoS >= 1 publishes (and subscribe/unsubscribe requests)
	// awaiting their terminal acknowledgement, keyed by packet id.
	Outbound map[uint16]*OutboundOp

	// IncomingQoS2 is the set of packet ids for QoS 2 publishes received but
	// not yet released via PUBREL, used to suppress redelivery to handlers.
	IncomingQoS2 map[uint16]struct{}

	nextPacketID uint16
}

// New returns an empty session state ready to drive a fresh connection.
func New() *State {
	return &State{
		Outbound:     make(map[uint16]*OutboundOp),
		IncomingQoS2: make(map[uint16]struct{}),
	}
}

// Reset clears all in-flight bookkeeping, used when a clean session begins.
func (s *State) Reset() {
	s.Outbound = make(map[uint16]*OutboundOp)
	s.IncomingQoS2 = make(map[uint16]struct{})
	s.nextPacketID = 0
}

// NextID returns the next unused packet id, wrapping from 65535 back to 1
// (0 is reserved and never valid on the wire).
func (s *State) NextID() uint16 {
	for range 65535 {
		s.nextPacketID++
		if s.nextPacketID == 0 {
			s.nextPacketID = 1
		}
		if _, used := s.Outbound[s.nextPacketID]; !used {
			return s.nextPacketID
		}
	}
	// Every id is in flight; the id returned collides with one that is
	// still outstanding.
	return s.nextPacketID
}

// TrackPublish assigns (if needed) a packet id to an outgoing QoS >= 1
// publish and records it as in flight. QoS 0 publishes are left
// unmodified and are not tracked.
func (s *State) TrackPublish(p *packets.PublishPacket) {
	if p.QoS == packets.QoS0 {
		return
	}
	if p.PacketID == 0 {
		p.PacketID = s.NextID()
	}
	s.Outbound[p.PacketID] = &OutboundOp{Packet: p, Timestamp: time.Now()}
}

// TrackRequest records an outgoing Subscribe/Unsubscribe awaiting its ack.
func (s *State) TrackRequest(id uint16, p packets.Packet) {
	s.Outbound[id] = &OutboundOp{Packet: p, Timestamp: time.Now()}
}

// InFlight reports how many packet ids currently await acknowledgement.
func (s *State) InFlight() int {
	return len(s.Outbound)
}

// HandlePuback completes a QoS 1 publish. ok is false if the packet id was
// not outstanding (a protocol violation the caller should log and ignore,
// per spec.md's "duplicate/unexpected ack" handling).
func (s *State) HandlePuback(p *packets.PubackPacket) (op *OutboundOp, ok bool) {
	op, ok = s.Outbound[p.PacketID]
	if ok {
		delete(s.Outbound, p.PacketID)
	}
	return op, ok
}

// HandlePubrec moves a QoS 2 publish from "awaiting PUBREC" to "awaiting
// PUBCOMP" and returns the PUBREL that must be written back.
func (s *State) HandlePubrec(p *packets.PubrecPacket) (rel *packets.PubrelPacket, ok bool) {
	op, ok := s.Outbound[p.PacketID]
	if !ok {
		return nil, false
	}
	op.Released = true
	rel = &packets.PubrelPacket{PacketID: p.PacketID}
	op.Packet = rel
	op.Timestamp = time.Now()
	return rel, true
}

// HandlePubcomp completes a QoS 2 publish.
func (s *State) HandlePubcomp(p *packets.PubcompPacket) (op *OutboundOp, ok bool) {
	op, ok = s.Outbound[p.PacketID]
	if ok {
		delete(s.Outbound, p.PacketID)
	}
	return op, ok
}

// HandleSuback/HandleUnsuback simply complete the corresponding request;
// callers inspect the packet to decide success/failure.
func (s *State) HandleSuback(p *packets.SubackPacket) (op *OutboundOp, ok bool) {
	op, ok = s.Outbound[p.PacketID]
	if ok {
		delete(s.Outbound, p.PacketID)
	}
	return op, ok
}

func (s *State) HandleUnsuback(p *packets.UnsubackPacket) (op *OutboundOp, ok bool) {
	op, ok = s.Outbound[p.PacketID]
	if ok {
		delete(s.Outbound, p.PacketID)
	}
	return op, ok
}

// IncomingPublish records an inbound PUBLISH for QoS 2 deduplication and
// reports whether it is a duplicate; choosing and writing the ack is left to
// the caller. For QoS 2, duplicate is true when the packet id is already
// pending release — the caller must resend PUBREC without redelivering the
// payload to subscriber/handler logic. QoS 0 and 1 always report false.
func (s *State) IncomingPublish(p *packets.PublishPacket) (duplicate bool) {
	if p.QoS != packets.QoS2 {
		return false
	}
	if _, exists := s.IncomingQoS2[p.PacketID]; exists {
		return true
	}
	s.IncomingQoS2[p.PacketID] = struct{}{}
	return false
}

// ReleaseIncoming processes a PUBREL for a QoS 2 publish the connection
// received, clearing the dedup entry so the packet id can be reused.
func (s *State) ReleaseIncoming(p *packets.PubrelPacket) {
	delete(s.IncomingQoS2, p.PacketID)
}

// RetryDue returns the outbound operations that have been in flight longer
// than timeout and should be resent with the DUP flag set (for publishes).
func (s *State) RetryDue(timeout time.Duration, now time.Time) []*OutboundOp {
	var due []*OutboundOp
	for _, op := range s.Outbound {
		if now.Sub(op.Timestamp) > timeout {
			if pub, ok := op.Packet.(*packets.PublishPacket); ok {
				pub.Dup = true
			}
			due = append(due, op)
		}
	}
	return due
}

// Touch updates the timestamp of an in-flight operation after it has been
// successfully resent, restarting its retry window.
func (op *OutboundOp) Touch(now time.Time) {
	op.Timestamp = now
}
