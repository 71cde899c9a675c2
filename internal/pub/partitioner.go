package pub

// Partitioner picks the partition for a record whose partition was not set
// explicitly. available may be empty when no partition currently has a leader.
type Partitioner interface {
	Partition(topic string, key []byte, all, available []int32) int32
}

// PartitionerFunc adapts a function to Partitioner.
type PartitionerFunc func(topic string, key []byte, all, available []int32) int32

func (f PartitionerFunc) Partition(topic string, key []byte, all, available []int32) int32 {
	return f(topic, key, all, available)
}

// Serializer turns an application key or value into bytes.
type Serializer interface {
	Serialize(topic string, v any) ([]byte, error)
}

// SerializerFunc adapts a function to Serializer.
type SerializerFunc func(topic string, v any) ([]byte, error)

func (f SerializerFunc) Serialize(topic string, v any) ([]byte, error) {
	return f(topic, v)
}
