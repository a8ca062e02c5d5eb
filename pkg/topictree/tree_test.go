package topictree_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-mapping-gateway/pkg/mapping"
	"github.com/illmade-knight/go-mapping-gateway/pkg/topictree"
)

func newMapping(identifier, topic string) *mapping.Mapping {
	return &mapping.Mapping{
		ID:         identifier,
		Identifier: identifier,
		Direction:  mapping.DirectionInbound,
		Topic:      topic,
	}
}

func TestTree_ExactMatch(t *testing.T) {
	tree := topictree.New()
	require.NoError(t, tree.Insert(newMapping("m1", "sensors/room1/temperature")))

	assert.Equal(t, []string{"m1"}, tree.Resolve("sensors/room1/temperature"))
	assert.Empty(t, tree.Resolve("sensors/room1"))
	assert.Empty(t, tree.Resolve("sensors/room1/temperature/extra"))
}

func TestTree_SingleLevelWildcard(t *testing.T) {
	tree := topictree.New()
	require.NoError(t, tree.Insert(newMapping("m1", "sensors/+/temperature")))

	// '+' spans exactly one level.
	assert.Equal(t, []string{"m1"}, tree.Resolve("sensors/room1/temperature"))
	assert.Empty(t, tree.Resolve("sensors/room1/room2/temperature"))
	assert.Empty(t, tree.Resolve("sensors/temperature"))
}

func TestTree_MultiLevelWildcard(t *testing.T) {
	tree := topictree.New()
	require.NoError(t, tree.Insert(newMapping("m1", "devices/#")))

	assert.Equal(t, []string{"m1"}, tree.Resolve("devices/a/b/c"))
	assert.Equal(t, []string{"m1"}, tree.Resolve("devices/a"))
	assert.Equal(t, []string{"m1"}, tree.Resolve("devices"))
	assert.Empty(t, tree.Resolve("vehicles/a"))
}

func TestTree_MultiWildcardMustBeTerminal(t *testing.T) {
	tree := topictree.New()
	err := tree.Insert(newMapping("m1", "devices/#/state"))
	require.Error(t, err)
	assert.ErrorIs(t, err, mapping.ErrMultiWildcardNotEnd)
}

func TestTree_OverlappingBranchesAllFire(t *testing.T) {
	tree := topictree.New()
	require.NoError(t, tree.Insert(newMapping("exact", "sensors/room1/temperature")))
	require.NoError(t, tree.Insert(newMapping("single", "sensors/+/temperature")))
	require.NoError(t, tree.Insert(newMapping("multi", "sensors/#")))

	// No precedence between exact and wildcard branches: the union fires.
	resolved := tree.Resolve("sensors/room1/temperature")
	assert.ElementsMatch(t, []string{"exact", "single", "multi"}, resolved)
}

func TestTree_SharedPattern(t *testing.T) {
	tree := topictree.New()
	require.NoError(t, tree.Insert(newMapping("m1", "telemetry/+")))
	require.NoError(t, tree.Insert(newMapping("m2", "telemetry/+")))

	// Multiple mappings on one pattern resolve in insertion order.
	assert.Equal(t, []string{"m1", "m2"}, tree.Resolve("telemetry/device42"))
}

func TestTree_InsertResolveRemoveRoundTrip(t *testing.T) {
	tree := topictree.New()
	m := newMapping("m1", "plant/+/line/+/status")

	require.NoError(t, tree.Insert(m))
	assert.Contains(t, tree.Resolve("plant/p1/line/l3/status"), "m1")

	require.NoError(t, tree.Remove(m))
	assert.NotContains(t, tree.Resolve("plant/p1/line/l3/status"), "m1")

	// Pruning removed the empty branch entirely.
	snap := tree.Snapshot()
	assert.Empty(t, snap.Children)
}

func TestTree_RemovePreservesSiblings(t *testing.T) {
	tree := topictree.New()
	keep := newMapping("keep", "sensors/room1/temperature")
	drop := newMapping("drop", "sensors/room1/humidity")
	require.NoError(t, tree.Insert(keep))
	require.NoError(t, tree.Insert(drop))

	require.NoError(t, tree.Remove(drop))

	assert.Equal(t, []string{"keep"}, tree.Resolve("sensors/room1/temperature"))
	assert.Empty(t, tree.Resolve("sensors/room1/humidity"))
}

func TestTree_RemoveUnknownMapping(t *testing.T) {
	tree := topictree.New()
	require.NoError(t, tree.Insert(newMapping("m1", "a/b")))
	require.Error(t, tree.Remove(newMapping("unknown", "a/b")))
}

func TestTree_EmptyTopicResolvesEmpty(t *testing.T) {
	tree := topictree.New()
	require.NoError(t, tree.Insert(newMapping("m1", "a/b")))
	assert.Empty(t, tree.Resolve(""))
	assert.Empty(t, tree.Resolve("/"))
}

func TestTree_ConcurrentResolveAndMutate(t *testing.T) {
	tree := topictree.New()
	for i := 0; i < 10; i++ {
		require.NoError(t, tree.Insert(newMapping(fmt.Sprintf("seed-%d", i), fmt.Sprintf("seed/%d", i))))
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m := newMapping(fmt.Sprintf("w%d-%d", worker, j), fmt.Sprintf("churn/%d/+", worker))
				_ = tree.Insert(m)
				_ = tree.Remove(m)
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = tree.Resolve("seed/3")
			}
		}()
	}
	wg.Wait()

	// The seeded mappings survive the churn untouched.
	for i := 0; i < 10; i++ {
		assert.Equal(t, []string{fmt.Sprintf("seed-%d", i)}, tree.Resolve(fmt.Sprintf("seed/%d", i)))
	}
}
