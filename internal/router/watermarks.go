package router

// pendingAck is one native-log offset awaiting replication before its
// packet id can be released back to the publishing connection.
type pendingAck struct {
	offset   int
	packetID uint16
	original interface{}
	// connID is the slab slot of the connection whose publish produced this
	// offset, so a release triggered by a later, unrelated publish to the
	// same topic still delivers the ack to the right connection.
	connID int
}

// Watermarks tracks, per topic, the highest contiguous offset each replica
// (native plus up to two replicas) has applied, and releases acks for
// offsets once they have cleared every replica the broker is configured to
// require.
//
// replicaCount is the number of replicas (0, 1, or 2) this broker instance
// requires before releasing an ack; with 0 configured replicas acks release
// immediately on native append, matching the standalone-mode carve-out.
type Watermarks struct {
	replicaCount int
	w            [3]int
	pending      []pendingAck
}

// NewWatermarks creates per-topic watermark tracking requiring replicaCount
// replicas (0, 1, or 2) to acknowledge before release.
func NewWatermarks(replicaCount int) *Watermarks {
	// Every watermark starts at -1: no offset, not even 0, has been applied.
	return &Watermarks{replicaCount: replicaCount, w: [3]int{-1, -1, -1}}
}

// NativeAppend records that the native log has advanced to offset o,
// queuing packetID/original for release to connID once replication catches
// up.
func (w *Watermarks) NativeAppend(o int, packetID uint16, original interface{}, connID int) {
	w.w[0] = o
	w.pending = append(w.pending, pendingAck{offset: o, packetID: packetID, original: original, connID: connID})
}

// ReplicaAck advances replica index i (1 or 2) to at least offset o.
func (w *Watermarks) ReplicaAck(i int, o int) {
	if i < 1 || i > 2 {
		return
	}
	if o > w.w[i] {
		w.w[i] = o
	}
}

// requiredMin is the offset up to which every required replica has caught
// up: min() over the replicas actually required by replicaCount.
func (w *Watermarks) requiredMin() int {
	switch w.replicaCount {
	case 0:
		return w.w[0]
	case 1:
		return w.w[1]
	default:
		if w.w[1] < w.w[2] {
			return w.w[1]
		}
		return w.w[2]
	}
}

// ReleasedAck is one pending ack that has cleared the required replicas and
// must be delivered back to the connection that published it.
type ReleasedAck struct {
	PacketID uint16
	Original interface{}
	ConnID   int
}

// Released pops and returns every pending ack whose offset has now cleared
// the required replicas, in offset order, each tagged with its owning
// connection.
func (w *Watermarks) Released() []ReleasedAck {
	min := w.requiredMin()
	i := 0
	for i < len(w.pending) && w.pending[i].offset <= min {
		i++
	}
	released := w.pending[:i]
	w.pending = w.pending[i:]

	out := make([]ReleasedAck, len(released))
	for j, p := range released {
		out[j] = ReleasedAck{PacketID: p.packetID, Original: p.original, ConnID: p.connID}
	}
	return out
}

// NativeOffset reports the current native (non-replicated) watermark.
func (w *Watermarks) NativeOffset() int {
	return w.w[0]
}
