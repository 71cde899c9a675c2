// Package partitioner provides the default record partitioner: keyed records
// hash with murmur2 over every partition of the topic, keyless records stick
// to one available partition until its batch fills up.
package partitioner

import (
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"kpub/internal/pub"
)

// Default is safe for concurrent use.
type Default struct {
	impl kgo.Partitioner

	mu     sync.Mutex
	topics map[string]kgo.TopicPartitioner
}

var _ pub.Partitioner = (*Default)(nil)

func New() *Default {
	return &Default{
		impl:   kgo.StickyKeyPartitioner(nil),
		topics: make(map[string]kgo.TopicPartitioner),
	}
}

// topic must be called with mu held.
func (d *Default) topic(name string) kgo.TopicPartitioner {
	tp, ok := d.topics[name]
	if !ok {
		tp = d.impl.ForTopic(name)
		d.topics[name] = tp
	}
	return tp
}

// Partition returns a partition id from all (keyed records) or from
// available (keyless records, falling back to all when nothing is available).
func (d *Default) Partition(topic string, key []byte, all, available []int32) int32 {
	if len(all) == 0 {
		return pub.AnyPartition
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	tp := d.topic(topic)
	r := &kgo.Record{Topic: topic, Key: key}

	candidates := all
	if !tp.RequiresConsistency(r) && len(available) > 0 {
		candidates = available
	}
	return candidates[tp.Partition(r, len(candidates))]
}

// OnNewBatch moves keyless records of topic to another partition. The
// producer calls it when the sticky partition's batch is full.
func (d *Default) OnNewBatch(topic string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if nb, ok := d.topic(topic).(kgo.TopicPartitionerOnNewBatch); ok {
		nb.OnNewBatch()
	}
}

// BatchAware is implemented by partitioners that react to new batches.
type BatchAware interface {
	OnNewBatch(topic string)
}
