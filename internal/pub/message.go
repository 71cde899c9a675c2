package pub

import "time"

// Header is a record header. Keys may repeat.
type Header struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// Message is what applications hand to the producer. Key and Value go
// through the configured serializers. Partition is used as given; set it to
// AnyPartition, as NewMessage does, to let the partitioner choose.
type Message struct {
	Topic     string
	Partition int32
	Key       any
	Value     any
	Headers   []Header
	// Timestamp defaults to the time the record is appended.
	Timestamp time.Time
}

// NewMessage returns a message for topic left to the partitioner.
func NewMessage(topic string, key, value any) Message {
	return Message{Topic: topic, Partition: AnyPartition, Key: key, Value: value}
}

// Record is a serialized entry as stored in a batch.
type Record struct {
	Key       []byte    `json:"key,omitempty"`
	Value     []byte    `json:"value,omitempty"`
	Headers   []Header  `json:"headers,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RecordMetadata is the broker acknowledgement for a single record.
type RecordMetadata struct {
	TopicPartition
	// Offset is -1 when the broker did not report one (acks=0).
	Offset    int64
	Timestamp time.Time
}
