package kafka

import "sync"

type topicPartition struct {
	topic     string
	partition int
}

// offsetTracker releases commits in fetch order per partition. An offset
// becomes committable once it and every offset fetched before it settled.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[topicPartition]*partitionOffsets
}

type partitionOffsets struct {
	pending []int64
	settled map[int64]struct{}
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[topicPartition]*partitionOffsets)}
}

// track records a fetched offset
func (ot *offsetTracker) track(topic string, partition int, offset int64) {
	ot.mu.Lock()
	defer ot.mu.Unlock()

	id := topicPartition{topic, partition}
	p, ok := ot.partitions[id]
	if !ok {
		p = &partitionOffsets{settled: make(map[int64]struct{})}
		ot.partitions[id] = p
	}
	p.pending = append(p.pending, offset)
}

// settle marks offset done and returns the highest offset that can now be
// committed, if any
func (ot *offsetTracker) settle(topic string, partition int, offset int64) (int64, bool) {
	ot.mu.Lock()
	defer ot.mu.Unlock()

	p, ok := ot.partitions[topicPartition{topic, partition}]
	if !ok {
		return 0, false
	}
	p.settled[offset] = struct{}{}

	var (
		last  int64
		ready bool
	)
	for len(p.pending) > 0 {
		head := p.pending[0]
		if _, done := p.settled[head]; !done {
			break
		}
		delete(p.settled, head)
		p.pending = p.pending[1:]
		last, ready = head, true
	}
	return last, ready
}

// inFlight returns the number of tracked, uncommitted offsets
func (ot *offsetTracker) inFlight() int {
	ot.mu.Lock()
	defer ot.mu.Unlock()

	n := 0
	for _, p := range ot.partitions {
		n += len(p.pending)
	}
	return n
}
