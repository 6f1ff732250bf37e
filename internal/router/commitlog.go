package router

// defaultSegmentSize matches rumqttlog's default of capping each segment so
// that indefinitely-growing topics roll over instead of reallocating one
// giant slice.
const defaultSegmentSize = 10000

// segment is a capped, append-only run of payloads. base is the log-wide
// offset of payloads[0].
type segment struct {
	base     int
	payloads [][]byte
}

// CommitLog is a single topic's append-only, segmented log. It never
// mutates or relocates a payload once appended, so a Cursor handed out by
// readv remains valid for the lifetime of the process (eviction of old
// segments is out of scope).
type CommitLog struct {
	segmentSize int
	segments    []*segment
}

// NewCommitLog creates an empty log. segmentSize <= 0 uses the default.
func NewCommitLog(segmentSize int) *CommitLog {
	if segmentSize <= 0 {
		segmentSize = defaultSegmentSize
	}
	return &CommitLog{
		segmentSize: segmentSize,
		segments:    []*segment{{base: 0}},
	}
}

// Append adds payload to the log, rolling over to a new segment if the
// active one is full, and returns the offset assigned to payload counted
// from the start of the log (across all segments).
func (l *CommitLog) Append(payload []byte) (segIdx, offset int) {
	active := l.segments[len(l.segments)-1]
	if len(active.payloads) >= l.segmentSize {
		active = &segment{base: active.base + len(active.payloads)}
		l.segments = append(l.segments, active)
	}
	segIdx = len(l.segments) - 1
	offset = active.base + len(active.payloads)
	active.payloads = append(active.payloads, payload)
	return segIdx, offset
}

// TailOffset returns the offset that the next Append will assign.
func (l *CommitLog) TailOffset() int {
	active := l.segments[len(l.segments)-1]
	return active.base + len(active.payloads)
}

// Readv returns up to max payloads starting at cursor, plus the cursor to
// resume from on the next call. done is true when the returned cursor has
// caught up with the log tail (no more data available right now).
func (l *CommitLog) Readv(cursor Cursor, max int) (payloads [][]byte, next Cursor, done bool) {
	if cursor.Segment < 0 || cursor.Segment >= len(l.segments) {
		return nil, cursor, true
	}

	segIdx := cursor.Segment
	offset := cursor.Offset
	for len(payloads) < max && segIdx < len(l.segments) {
		seg := l.segments[segIdx]
		localIdx := offset - seg.base
		if localIdx < 0 {
			localIdx = 0
		}
		for localIdx < len(seg.payloads) && len(payloads) < max {
			payloads = append(payloads, seg.payloads[localIdx])
			localIdx++
		}
		offset = seg.base + localIdx
		if localIdx >= len(seg.payloads) && segIdx < len(l.segments)-1 {
			segIdx++
			offset = l.segments[segIdx].base
			continue
		}
		break
	}

	next = Cursor{Segment: segIdx, Offset: offset}
	done = segIdx == len(l.segments)-1 && offset >= l.segments[segIdx].base+len(l.segments[segIdx].payloads)
	return payloads, next, done
}
