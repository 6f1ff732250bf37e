// Package router implements the broker-side core: a single-threaded
// dispatcher that owns one CommitLog per topic, a Tracker per connection,
// Watermarks per topic, a ReadyQueue for fair scheduling, and a
// Subscriptions table for topic-filter matching. It is grounded on
// rumqttlog's router/mod.rs (see original_source/rumqttlog/src/router/mod.rs)
// translated from Rust channels/enums into Go channels and message structs
// that carry one field per enum variant.
package router

import "github.com/coreward/mqbroker/internal/packets"

// Cursor names a position to resume reading a CommitLog from: the segment
// index and the log-wide offset of the next payload to read.
type Cursor struct {
	Segment int
	Offset  int
}

// Cursors holds one cursor per replica: index 0 is the native log, 1 and 2
// are replicas. A standalone broker (no replication configured) only ever
// advances index 0.
type Cursors [3]Cursor

// InMessage is the closed set of events the Router accepts on its inbound
// channel. Exactly one of the fields is non-nil/non-zero per message; Go has
// no tagged union, so this mirrors RouterInMessage from the original source
// with a field-per-variant instead of an enum.
type InMessage struct {
	Connect         *Connect
	Data            []PacketAtConnection
	ReplicationData []ReplicationData
	ReplicationAcks []ReplicationAck
	Ready           *Ready
	DataRequest     *DataRequestMsg
	Unsubscribe     *UnsubscribeMsg
	Disconnect      *Disconnect
}

// PacketAtConnection pairs an inbound packet with the connection id that
// produced it, since the Router's single inbound channel interleaves
// packets from every connection.
type PacketAtConnection struct {
	ConnectionID int
	Packet       packets.Packet
}

// Connect registers a new connection with the router.
type Connect struct {
	ClientID string
	// CleanSession carries the client's CONNECT flag. The router does not
	// read it: every Connect is given a fresh Tracker, whatever its value.
	CleanSession bool
	// Out is the handle the router uses to push OutMessages back to this
	// connection. It must be buffered; the router never blocks on a send.
	Out chan<- OutMessage
}

// Ready is sent by a connection's handler once it has finished processing
// the previous Data notification, asking to be re-enqueued.
type Ready struct {
	ConnectionID int
}

// DataRequestMsg asks the router to start tracking a topic (e.g. in
// response to an inbound SUBSCRIBE) on behalf of a connection.
type DataRequestMsg struct {
	ConnectionID int
	Topic        string
	MaxCount     int
}

// UnsubscribeMsg asks the router to stop tracking a topic filter for a
// connection, undoing a prior DataRequestMsg in response to an inbound
// UNSUBSCRIBE.
type UnsubscribeMsg struct {
	ConnectionID int
	Topic        string
}

// Disconnect tells the router a connection has gone away. CommitLogs and
// retained messages outlive the connection; only the Tracker and slab
// entry are dropped.
type Disconnect struct {
	ConnectionID int
}

// ReplicationData is data written to a replica's copy of a topic's log,
// forwarded to the router so it can advance that replica's watermark once
// applied. Not exercised by a standalone (replication-count 0) broker.
type ReplicationData struct {
	ReplicaIndex int
	Topic        string
	Payloads     [][]byte
}

// ReplicationAck reports that a replica has applied data up to offset.
type ReplicationAck struct {
	ReplicaIndex int
	Topic        string
	Offset       int
}

// OutMessage is the closed set of events the router sends back to a
// connection's handler over its per-connection Out channel.
type OutMessage struct {
	ConnectionAck *ConnectionAck
	Data          *DataReply
	Acks          *AcksReply
}

// ConnectionAck is the router's reply to a Connect request.
type ConnectionAck struct {
	Success bool
	// ID is the slab slot assigned to this connection, valid when Success.
	ID int
	// Reason explains a failure; empty when Success.
	Reason string
}

// DataReply carries newly available payloads for one topic back to a
// connection, along with the cursors to resume from on the next request.
type DataReply struct {
	Topic   string
	Cursors Cursors
	Payload [][]byte
}

// AcksReply carries packet ids (and the original packet, so the connection
// handler can tell a PUBACK from a PUBCOMP) that have cleared replication
// and may now be acknowledged to the client that published them.
type AcksReply struct {
	Acks []Ack
}

// Ack is one released acknowledgement.
type Ack struct {
	PacketID uint16
	Original packets.Packet
}
