// Package sessionstore persists broker-side session snapshots (the
// per-client outbound in-flight map and incoming QoS 2 dedup set) across
// daemon restarts, grounded on the teacher's own
// SessionStore/FileStore split in file_store.go and session_store.go, but
// scoped to what the router-side connection handler needs to resume a
// non-clean session rather than the client-facing token/handler model.
package sessionstore

import (
	"time"

	"github.com/coreward/mqbroker/internal/packets"
	"github.com/coreward/mqbroker/internal/session"
)

// Snapshot is the opaque per-client state persisted for reconnection, named
// directly in SPEC_FULL.md's "persisted state" section as
// (outbound_map, release_set, next_pkid). NextPacketID is part of the
// format, but ToSnapshot leaves it zero and Restore does not read it, so a
// restored State starts its packet id counter from zero.
type Snapshot struct {
	Outbound     map[uint16]SnapshotOp
	IncomingQoS2 []uint16
	NextPacketID uint16
}

// SnapshotOp is the persisted form of a session.OutboundOp: only the fields
// needed to rebuild a PublishPacket for redelivery survive a restart, since
// the encoded packet types unmarshal awkwardly through JSON's empty
// interfaces otherwise.
type SnapshotOp struct {
	Topic    string
	Payload  []byte
	QoS      uint8
	Retain   bool
	Released bool
}

// Store persists and restores Snapshots by client id.
type Store interface {
	Save(clientID string, snap Snapshot) error
	Load(clientID string) (Snapshot, bool, error)
	Delete(clientID string) error
}

// ToSnapshot captures the redeliverable parts of a live session.State.
func ToSnapshot(s *session.State) Snapshot {
	snap := Snapshot{
		Outbound:     make(map[uint16]SnapshotOp, len(s.Outbound)),
		IncomingQoS2: make([]uint16, 0, len(s.IncomingQoS2)),
	}
	for id, op := range s.Outbound {
		snap.Outbound[id] = snapshotOpFrom(op)
	}
	for id := range s.IncomingQoS2 {
		snap.IncomingQoS2 = append(snap.IncomingQoS2, id)
	}
	return snap
}

func snapshotOpFrom(op *session.OutboundOp) SnapshotOp {
	if pub, ok := op.Packet.(*packets.PublishPacket); ok {
		return SnapshotOp{Topic: pub.Topic, Payload: pub.Payload, QoS: pub.QoS, Retain: pub.Retain, Released: op.Released}
	}
	// Subscribe/Unsubscribe/PubRel requests in flight across a restart have
	// no meaningful redelivery target; only the publish case is restored.
	return SnapshotOp{Released: op.Released}
}

// Restore rebuilds a session.State from a persisted Snapshot. Every
// outbound publish is rebuilt with Dup set and a Timestamp of now, so
// RetryDue resends it once its retry timeout has elapsed. Entries with no
// topic (persisted non-publish requests) are skipped.
func Restore(snap Snapshot) *session.State {
	s := session.New()
	for id, op := range snap.Outbound {
		if op.Topic == "" {
			continue
		}
		pkt := &packets.PublishPacket{
			Topic:    op.Topic,
			Payload:  op.Payload,
			QoS:      op.QoS,
			Retain:   op.Retain,
			PacketID: id,
			Dup:      true,
		}
		s.Outbound[id] = &session.OutboundOp{Packet: pkt, Timestamp: time.Now(), Released: op.Released}
	}
	for _, id := range snap.IncomingQoS2 {
		s.IncomingQoS2[id] = struct{}{}
	}
	return s
}
