package logfeed

import (
	"context"
	"sync"
)

// MemoryLog is an in-process fake durable log, partitioned by a simple
// hash of the record key, used by unit tests in place of a real broker.
type MemoryLog struct {
	mu         sync.Mutex
	partitions int
	topics     map[string][][]Record // topic -> partition -> records
	subs       map[string][]chan Record
	committed  map[string]map[int32]int64
}

// NewMemoryLog creates a fake log with the given partition count per
// topic (topics are created lazily on first publish).
func NewMemoryLog(partitions int) *MemoryLog {
	if partitions <= 0 {
		partitions = 1
	}
	return &MemoryLog{
		partitions: partitions,
		topics:     make(map[string][][]Record),
		subs:       make(map[string][]chan Record),
		committed:  make(map[string]map[int32]int64),
	}
}

func (m *MemoryLog) partitionFor(key []byte) int32 {
	var h uint32
	for _, b := range key {
		h = h*31 + uint32(b)
	}
	if len(key) == 0 {
		return 0
	}
	return int32(h % uint32(m.partitions))
}

// Producer returns a Producer view of this log.
func (m *MemoryLog) Producer() Producer { return &memoryProducer{log: m} }

// ConsumerGroup returns a ConsumerGroup view reading topic from the
// beginning; group is accepted for interface-compatibility but the fake
// does not implement multi-member rebalancing.
func (m *MemoryLog) ConsumerGroup(topic string, group string) ConsumerGroup {
	return &memoryConsumer{log: m, topic: topic, group: group, nextOffset: make(map[int32]int64)}
}

type memoryProducer struct{ log *MemoryLog }

func (p *memoryProducer) Publish(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	m := p.log
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.topics[topic]; !ok {
		m.topics[topic] = make([][]Record, m.partitions)
	}
	partition := m.partitionFor(key)
	offset := int64(len(m.topics[topic][partition]))
	rec := Record{Topic: topic, Partition: partition, Offset: offset, Key: key, Value: value, Headers: headers}
	m.topics[topic][partition] = append(m.topics[topic][partition], rec)
	return nil
}

func (p *memoryProducer) Close() error { return nil }

type memoryConsumer struct {
	log        *MemoryLog
	topic      string
	group      string
	nextOffset map[int32]int64
}

func (c *memoryConsumer) Poll(ctx context.Context) ([]Record, error) {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()

	partitions := c.log.topics[c.topic]
	var out []Record
	for p, records := range partitions {
		next := c.nextOffset[int32(p)]
		if int(next) < len(records) {
			out = append(out, records[next:]...)
			c.nextOffset[int32(p)] = int64(len(records))
		}
	}
	if len(out) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			return nil, nil
		}
	}
	return out, nil
}

func (c *memoryConsumer) CommitOffsets(_ context.Context, topic string, offsets map[int32]int64) error {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	if c.log.committed[topic] == nil {
		c.log.committed[topic] = make(map[int32]int64)
	}
	for p, o := range offsets {
		c.log.committed[topic][p] = o
	}
	return nil
}

func (c *memoryConsumer) Close() error { return nil }

// CommittedOffset exposes what was committed, for assertions in tests.
func (m *MemoryLog) CommittedOffset(topic string, partition int32) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.committed[topic]
	if !ok {
		return 0, false
	}
	off, ok := p[partition]
	return off, ok
}

// RecordCount returns how many records have been published to a topic
// across all partitions.
func (m *MemoryLog) RecordCount(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, p := range m.topics[topic] {
		total += len(p)
	}
	return total
}
