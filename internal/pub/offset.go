package pub

import "fmt"

// OffsetAndMetadata is a consumer group offset committed as part of a transaction.
type OffsetAndMetadata struct {
	Offset   int64  `json:"offset"`
	Metadata string `json:"metadata,omitempty"`
}

// ValidateOffsets checks the structure of offsets handed to a transaction.
func ValidateOffsets(offsets map[TopicPartition]OffsetAndMetadata) error {
	for tp, om := range offsets {
		if tp.Topic == "" || tp.Partition < 0 {
			return fmt.Errorf("%w: invalid partition %s in offsets", ErrInvalidOffsets, tp)
		}
		if om.Offset < 0 {
			return fmt.Errorf("%w: negative offset %d for %s", ErrInvalidOffsets, om.Offset, tp)
		}
	}
	return nil
}
