package router

// topicState is one topic a connection is tracking: the cursor to resume
// from and how many payloads to pull per sweep.
type topicState struct {
	topic    string
	cursors  Cursors
	maxCount int
}

// Tracker is a per-connection round-robin iterator over the topics that
// connection is interested in, grounded on rumqttlog's DataRequest list:
// "NOTE Connection can make one sweep request to get data from multiple
// topics but we'll keep it simple for now".
type Tracker struct {
	topics []topicState
	cursor int // index into topics of the next candidate to serve
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Track begins (or updates) tracking of topic with the given max sweep
// count, starting from offset zero if not already tracked.
func (t *Tracker) Track(topic string, maxCount int) {
	for i := range t.topics {
		if t.topics[i].topic == topic {
			t.topics[i].maxCount = maxCount
			return
		}
	}
	if maxCount <= 0 {
		maxCount = 100
	}
	t.topics = append(t.topics, topicState{topic: topic, maxCount: maxCount})
}

// Untrack stops tracking topic (used on UNSUBSCRIBE).
func (t *Tracker) Untrack(topic string) {
	for i := range t.topics {
		if t.topics[i].topic == topic {
			t.topics = append(t.topics[:i], t.topics[i+1:]...)
			if t.cursor > i {
				t.cursor--
			}
			return
		}
	}
}

// Topics reports the set of topics currently tracked.
func (t *Tracker) Topics() []string {
	out := make([]string, len(t.topics))
	for i, ts := range t.topics {
		out[i] = ts.topic
	}
	return out
}

// next identifies the next topic (round robin) whose log tail exceeds its
// tracked cursor, i.e. has new data. It reports false if nothing is ready.
func (t *Tracker) next(hasNewData func(topic string, c Cursors) bool) (int, bool) {
	n := len(t.topics)
	if n == 0 {
		return 0, false
	}
	for i := range n {
		idx := (t.cursor + i) % n
		if hasNewData(t.topics[idx].topic, t.topics[idx].cursors) {
			t.cursor = (idx + 1) % n
			return idx, true
		}
	}
	return 0, false
}

// Advance records the cursors the CommitLog returned after serving topic at
// index idx.
func (t *Tracker) Advance(idx int, cursors Cursors) {
	if idx < 0 || idx >= len(t.topics) {
		return
	}
	t.topics[idx].cursors = cursors
}
