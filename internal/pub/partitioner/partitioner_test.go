package partitioner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kpub/internal/pub"
)

func TestDefault_KeyedIsConsistent(t *testing.T) {
	p := New()
	all := []int32{0, 1, 2, 3, 4, 5}

	first := p.Partition("orders", []byte("customer-42"), all, all)
	for range 10 {
		// a key keeps its partition even when that partition has no leader
		assert.Equal(t, first, p.Partition("orders", []byte("customer-42"), all, []int32{6}))
	}
	assert.Contains(t, all, first)
}

func TestDefault_KeyedIsStableAcrossInstances(t *testing.T) {
	all := make([]int32, 10)
	for i := range all {
		all[i] = int32(i)
	}

	for _, key := range []string{"foo", "bar", "customer-1", ""} {
		assert.Equal(t,
			New().Partition("t", []byte(key), all, all),
			New().Partition("other", []byte(key), all, all),
			"key %q", key,
		)
	}
}

func TestDefault_KeylessSticksToAvailable(t *testing.T) {
	p := New()
	all := []int32{0, 1, 2, 3}
	available := []int32{1, 3}

	first := p.Partition("orders", nil, all, available)
	require.Contains(t, available, first)
	for range 20 {
		assert.Equal(t, first, p.Partition("orders", nil, all, available))
	}

	p.OnNewBatch("orders")
	next := p.Partition("orders", nil, all, available)
	assert.Contains(t, available, next)
	assert.NotEqual(t, first, next, "a new batch moves to another partition")
}

func TestDefault_KeylessFallsBackToAll(t *testing.T) {
	p := New()
	all := []int32{7, 8}

	assert.Contains(t, all, p.Partition("orders", nil, all, nil))
}

func TestDefault_UnknownTopic(t *testing.T) {
	assert.Equal(t, pub.AnyPartition, New().Partition("orders", []byte("k"), nil, nil))
}
