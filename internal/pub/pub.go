// Package pub holds the types and collaborator interfaces shared by the
// producer pipeline: records, completion futures, cluster metadata, transport,
// codec and partitioning strategies.
package pub

import (
	"fmt"
	"strconv"
)

// AnyPartition lets the configured partitioner choose the partition.
const AnyPartition int32 = -1

// TopicPartition identifies a single partition of a topic.
type TopicPartition struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
}

func (tp TopicPartition) String() string {
	return tp.Topic + "-" + strconv.Itoa(int(tp.Partition))
}

// APIVersion is the broker API version negotiated at bootstrap. It decides
// the record format and which features (headers, idempotence) are usable.
type APIVersion struct {
	Major int
	Minor int
	Patch int
}

// AtLeast reports whether v is the same as or newer than o.
func (v APIVersion) AtLeast(o APIVersion) bool {
	if v.Major != o.Major {
		return v.Major > o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor > o.Minor
	}
	return v.Patch >= o.Patch
}

func (v APIVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// ParseAPIVersion parses "major.minor[.patch]".
func ParseAPIVersion(s string) (APIVersion, error) {
	var v APIVersion
	n, err := fmt.Sscanf(s, "%d.%d.%d", &v.Major, &v.Minor, &v.Patch)
	if n >= 2 {
		return v, nil
	}
	return APIVersion{}, fmt.Errorf("%w: invalid api version %q: %v", ErrInvalidConfig, s, err)
}

var (
	Version0_8_2 = APIVersion{0, 8, 2}
	Version0_10  = APIVersion{0, 10, 0}
	Version0_11  = APIVersion{0, 11, 0}
)

// Magic returns the record format used for this API version.
func (v APIVersion) Magic() int8 {
	switch {
	case !v.AtLeast(Version0_10):
		return 0
	case !v.AtLeast(Version0_11):
		return 1
	default:
		return 2
	}
}
