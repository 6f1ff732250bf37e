package router

import (
	"log/slog"
	"slices"

	"github.com/coreward/mqbroker/internal/packets"
)

// Config bounds the resources a Router allocates.
type Config struct {
	// InboundCapacity bounds the router's single inbound event channel.
	InboundCapacity int
	// SegmentSize is the per-topic CommitLog segment size; see CommitLog.
	SegmentSize int
	// ReplicaCount is 0, 1, or 2: how many replicas must acknowledge a
	// native append before its publisher is sent a PUBACK/PUBCOMP. 0 means
	// standalone mode, releasing acks immediately on append.
	ReplicaCount int
	Logger       *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.InboundCapacity <= 0 {
		c.InboundCapacity = 100
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// connState is the router's per-slot bookkeeping for one live connection.
type connState struct {
	clientID string
	out      chan<- OutMessage
	tracker  *Tracker
	// lastFailed holds a DataReply that could not be delivered because Out
	// was full, retried the next time this connection sends Ready.
	lastFailed *DataReply
}

// Router is the single-threaded cooperative dispatcher described in
// original_source/rumqttlog/src/router/mod.rs: one goroutine owns every
// CommitLog, Watermarks, Tracker and the ReadyQueue, so none of them need
// locking. All communication in and out crosses the In channel and each
// connection's own Out channel.
type Router struct {
	cfg Config
	In  chan InMessage

	clientIDs  map[string]int // client id -> slot, to evict stale sessions
	slots      []*connState   // arena; a nil entry is a free slot
	free       []int
	logs       map[string]*CommitLog
	watermarks map[string]*Watermarks
	subs       *Subscriptions
	ready      *ReadyQueue
	retained   map[string][]byte
}

// New constructs a Router. Call Run in its own goroutine to start the
// dispatch loop; stop it by closing the stop channel passed to Run.
func New(cfg Config) *Router {
	cfg = cfg.withDefaults()
	return &Router{
		cfg:        cfg,
		In:         make(chan InMessage, cfg.InboundCapacity),
		clientIDs:  make(map[string]int),
		logs:       make(map[string]*CommitLog),
		watermarks: make(map[string]*Watermarks),
		subs:       NewSubscriptions(),
		ready:      NewReadyQueue(),
		retained:   make(map[string][]byte),
	}
}

// Run processes inbound events until stop is closed. It is the Router's
// entire concurrency surface: exactly one goroutine should call Run.
func (r *Router) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case msg := <-r.In:
			r.handle(msg)
			r.serveOneReady()
		}
	}
}

func (r *Router) handle(msg InMessage) {
	switch {
	case msg.Connect != nil:
		r.handleConnect(msg.Connect)
	case msg.Data != nil:
		r.handleData(msg.Data)
	case msg.ReplicationData != nil:
		r.handleReplicationData(msg.ReplicationData)
	case msg.ReplicationAcks != nil:
		r.handleReplicationAcks(msg.ReplicationAcks)
	case msg.Ready != nil:
		r.ready.Push(msg.Ready.ConnectionID)
	case msg.DataRequest != nil:
		r.handleDataRequest(msg.DataRequest)
	case msg.Unsubscribe != nil:
		r.handleUnsubscribe(msg.Unsubscribe)
	case msg.Disconnect != nil:
		r.handleDisconnect(msg.Disconnect)
	}
}

func (r *Router) handleConnect(c *Connect) {
	if old, exists := r.clientIDs[c.ClientID]; exists {
		r.evict(old)
	}

	slot := r.allocSlot()
	r.slots[slot] = &connState{clientID: c.ClientID, out: c.Out, tracker: NewTracker()}
	r.clientIDs[c.ClientID] = slot

	r.send(c.Out, OutMessage{ConnectionAck: &ConnectionAck{Success: true, ID: slot}})
}

func (r *Router) allocSlot() int {
	if n := len(r.free); n > 0 {
		slot := r.free[n-1]
		r.free = r.free[:n-1]
		return slot
	}
	r.slots = append(r.slots, nil)
	return len(r.slots) - 1
}

func (r *Router) evict(slot int) {
	if slot < 0 || slot >= len(r.slots) || r.slots[slot] == nil {
		return
	}
	r.ready.Remove(slot)
	r.subs.Drop(slot)
	r.slots[slot] = nil
	r.free = append(r.free, slot)
}

func (r *Router) handleDisconnect(d *Disconnect) {
	if d.ConnectionID < 0 || d.ConnectionID >= len(r.slots) {
		return
	}
	if cs := r.slots[d.ConnectionID]; cs != nil {
		delete(r.clientIDs, cs.clientID)
	}
	r.evict(d.ConnectionID)
}

func (r *Router) handleDataRequest(req *DataRequestMsg) {
	if req.ConnectionID < 0 || req.ConnectionID >= len(r.slots) || r.slots[req.ConnectionID] == nil {
		return
	}
	r.slots[req.ConnectionID].tracker.Track(req.Topic, req.MaxCount)
	r.subs.Subscribe(req.ConnectionID, req.Topic)
	for topic := range r.logs {
		if topic != req.Topic && MatchTopic(req.Topic, topic) {
			r.slots[req.ConnectionID].tracker.Track(topic, req.MaxCount)
		}
	}

	if retained, ok := r.retained[req.Topic]; ok && ValidFilter(req.Topic) {
		r.send(r.slots[req.ConnectionID].out, OutMessage{Data: &DataReply{
			Topic:   req.Topic,
			Payload: [][]byte{retained},
		}})
	}
	r.ready.Push(req.ConnectionID)
}

func (r *Router) handleUnsubscribe(req *UnsubscribeMsg) {
	if req.ConnectionID < 0 || req.ConnectionID >= len(r.slots) || r.slots[req.ConnectionID] == nil {
		return
	}
	r.slots[req.ConnectionID].tracker.Untrack(req.Topic)
	r.subs.Unsubscribe(req.ConnectionID, req.Topic)
	tracker := r.slots[req.ConnectionID].tracker
	for _, topic := range tracker.Topics() {
		if MatchTopic(req.Topic, topic) && !slices.Contains(r.subs.Matches(topic), req.ConnectionID) {
			tracker.Untrack(topic)
		}
	}
}

func (r *Router) logFor(topic string) *CommitLog {
	l, ok := r.logs[topic]
	if !ok {
		l = NewCommitLog(r.cfg.SegmentSize)
		r.logs[topic] = l
	}
	return l
}

func (r *Router) watermarksFor(topic string) *Watermarks {
	w, ok := r.watermarks[topic]
	if !ok {
		w = NewWatermarks(r.cfg.ReplicaCount)
		r.watermarks[topic] = w
	}
	return w
}

func (r *Router) handleData(pkts []PacketAtConnection) {
	for _, pc := range pkts {
		pub, ok := pc.Packet.(*packets.PublishPacket)
		if !ok {
			continue
		}

		log := r.logFor(pub.Topic)
		_, offset := log.Append(pub.Payload)

		w := r.watermarksFor(pub.Topic)
		w.NativeAppend(offset, pub.PacketID, publishAck(pub), pc.ConnectionID)

		if pub.Retain {
			if len(pub.Payload) == 0 {
				delete(r.retained, pub.Topic)
			} else {
				r.retained[pub.Topic] = pub.Payload
			}
		}

		for _, id := range r.subs.Matches(pub.Topic) {
			if cs := r.slots[id]; cs != nil && !slices.Contains(cs.tracker.Topics(), pub.Topic) {
				cs.tracker.Track(pub.Topic, 0)
			}
			r.ready.Push(id)
		}

		r.releaseAcks(w)
	}
}

// publishAck records what the acking connection should echo back: for QoS 1
// that is a PUBACK, for QoS 2 a PUBCOMP.
func publishAck(p *packets.PublishPacket) packets.Packet {
	switch p.QoS {
	case packets.QoS1:
		return &packets.PubackPacket{PacketID: p.PacketID}
	case packets.QoS2:
		return &packets.PubcompPacket{PacketID: p.PacketID}
	default:
		return nil
	}
}

func (r *Router) handleReplicationData(data []ReplicationData) {
	for _, d := range data {
		log := r.logFor(d.Topic)
		var last int
		for _, payload := range d.Payloads {
			_, last = log.Append(payload)
		}
		w := r.watermarksFor(d.Topic)
		w.ReplicaAck(d.ReplicaIndex, last)
		r.releaseAcks(w)
	}
}

func (r *Router) handleReplicationAcks(acks []ReplicationAck) {
	for _, a := range acks {
		w := r.watermarksFor(a.Topic)
		w.ReplicaAck(a.ReplicaIndex, a.Offset)
		r.releaseAcks(w)
	}
}

// releaseAcks pops every ack that has cleared replication for w's topic and
// delivers each one to the connection that actually published it, grouping
// by owner since a single release can span acks from several different
// publishing connections.
func (r *Router) releaseAcks(w *Watermarks) {
	released := w.Released()
	if len(released) == 0 {
		return
	}

	byConn := make(map[int][]Ack)
	for _, rel := range released {
		pkt, _ := rel.Original.(packets.Packet)
		if pkt == nil {
			continue
		}
		byConn[rel.ConnID] = append(byConn[rel.ConnID], Ack{PacketID: rel.PacketID, Original: pkt})
	}

	for connID, acks := range byConn {
		if connID < 0 || connID >= len(r.slots) || r.slots[connID] == nil {
			continue
		}
		r.send(r.slots[connID].out, OutMessage{Acks: &AcksReply{Acks: acks}})
	}
}

// serveOneReady advances one connection from the ready queue by one topic
// sweep, matching the original source's "after handling one event, service
// one ready connection" scheduling.
func (r *Router) serveOneReady() {
	id, ok := r.ready.Pop()
	if !ok {
		return
	}
	cs := r.slots[id]
	if cs == nil {
		return
	}

	if cs.lastFailed != nil {
		if r.send(cs.out, OutMessage{Data: cs.lastFailed}) {
			cs.lastFailed = nil
		} else {
			return // stays parked; will retry on the next Ready
		}
	}

	idx, hasData := cs.tracker.next(func(topic string, c Cursors) bool {
		return r.logFor(topic).TailOffset() > c[0].Offset || c[0].Segment < len(r.logs[topic].segments)-1
	})
	if !hasData {
		return
	}

	topics := cs.tracker.Topics()
	topic := topics[idx]
	state := cs.tracker.topics[idx]

	payload, next, _ := r.logFor(topic).Readv(state.cursors[0], state.maxCount)
	cursors := state.cursors
	cursors[0] = next
	cs.tracker.Advance(idx, cursors)

	if len(payload) == 0 {
		return
	}

	reply := &DataReply{Topic: topic, Cursors: cursors, Payload: payload}
	if !r.send(cs.out, OutMessage{Data: reply}) {
		cs.lastFailed = reply
	}
}

// send attempts a non-blocking delivery, per the single-threaded router's
// rule that it must never block on a connection's channel.
func (r *Router) send(out chan<- OutMessage, msg OutMessage) bool {
	select {
	case out <- msg:
		return true
	default:
		return false
	}
}
