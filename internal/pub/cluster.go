package pub

import "context"

// Cluster is the view of cluster metadata the producer needs. Implementations
// refresh asynchronously; callers tolerate stale or missing data by calling
// RequestUpdate and retrying later.
type Cluster interface {
	// Bootstrap connects to the cluster and returns the negotiated API version.
	Bootstrap(ctx context.Context) (APIVersion, error)

	// WaitOnMetadata blocks until partitions for topic are known.
	WaitOnMetadata(ctx context.Context, topic string) ([]int32, error)

	// PartitionsFor returns every known partition of topic.
	PartitionsFor(topic string) []int32

	// AvailablePartitionsFor returns the partitions of topic that currently have a leader.
	AvailablePartitionsFor(topic string) []int32

	// Leader returns the node leading tp; ok is false when unknown.
	Leader(tp TopicPartition) (node int32, ok bool)

	// AnyNode returns some reachable node, used for requests without a fixed destination.
	AnyNode() (node int32, ok bool)

	// RequestUpdate asks for a metadata refresh without waiting for it.
	RequestUpdate()
}
