package graph

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countNode(existing PartyNode, exists bool) PartyNode {
	existing.RecordCount++
	return existing
}

func countEdge(existing CallEdge, exists bool) CallEdge {
	existing.Count++
	return existing
}

func TestNewCallGraph(t *testing.T) {
	t.Parallel()

	g := NewCallGraph()

	assert.NotNil(t, g)
	assert.Equal(t, 0, g.NodeCount())
	assert.Equal(t, 0, g.EdgeCount())
}

func TestCallGraph_UpsertNode(t *testing.T) {
	t.Parallel()

	t.Run("CreatesNode", func(t *testing.T) {
		t.Parallel()
		g := NewCallGraph()

		var sawExists bool
		node := g.UpsertNode("5551234567", func(existing PartyNode, exists bool) PartyNode {
			sawExists = exists
			existing.RecordCount = 1
			return existing
		})

		assert.False(t, sawExists)
		assert.Equal(t, "5551234567", node.Key)
		assert.Equal(t, 1, g.NodeCount())
	})

	t.Run("UpdatesExisting", func(t *testing.T) {
		t.Parallel()
		g := NewCallGraph()

		g.UpsertNode("a", countNode)
		g.UpsertNode("a", countNode)
		node := g.UpsertNode("a", countNode)

		assert.Equal(t, int64(3), node.RecordCount)
		assert.Equal(t, 1, g.NodeCount())
	})

	t.Run("KeyIsForced", func(t *testing.T) {
		t.Parallel()
		g := NewCallGraph()

		node := g.UpsertNode("a", func(existing PartyNode, exists bool) PartyNode {
			return PartyNode{Key: "something-else"}
		})

		assert.Equal(t, "a", node.Key)
		_, ok := g.GetNode("something-else")
		assert.False(t, ok)
	})
}

func TestCallGraph_UpsertEdge(t *testing.T) {
	t.Parallel()

	t.Run("CreatesAndIndexes", func(t *testing.T) {
		t.Parallel()
		g := NewCallGraph()
		key := EdgeKey{Pair: PairKey{A: "a", B: "b"}, Type: RecordVoice}

		g.UpsertEdge(key, countEdge)

		assert.Equal(t, 1, g.EdgeCount())
		assert.Len(t, g.Neighbors("a"), 1)
		assert.Len(t, g.Neighbors("b"), 1)
		assert.Equal(t, "b", g.Neighbors("a")[0].Party)
		assert.Equal(t, "a", g.Neighbors("b")[0].Party)
	})

	t.Run("SeparateEdgePerRecordType", func(t *testing.T) {
		t.Parallel()
		g := NewCallGraph()
		pair := PairKey{A: "a", B: "b"}

		g.UpsertEdge(EdgeKey{Pair: pair, Type: RecordVoice}, countEdge)
		g.UpsertEdge(EdgeKey{Pair: pair, Type: RecordSMS}, countEdge)
		g.UpsertEdge(EdgeKey{Pair: pair, Type: RecordSMS}, countEdge)

		assert.Equal(t, 2, g.EdgeCount())
		sms, ok := g.GetEdge(EdgeKey{Pair: pair, Type: RecordSMS})
		require.True(t, ok)
		assert.Equal(t, int64(2), sms.Count)
	})

	t.Run("SelfLoopReportedOnce", func(t *testing.T) {
		t.Parallel()
		g := NewCallGraph()

		g.UpsertEdge(EdgeKey{Pair: PairKey{A: "a", B: "a"}, Type: RecordVoice}, countEdge)

		neighbors := g.Neighbors("a")
		require.Len(t, neighbors, 1)
		assert.Equal(t, "a", neighbors[0].Party)
	})

	t.Run("SeparatorInPartyIDsKeepsPairsApart", func(t *testing.T) {
		t.Parallel()
		g := NewCallGraph()
		k1 := EdgeKey{Pair: PairKey{A: "unresolved:x|unresolved:y", B: "unresolved:z"}, Type: RecordVoice}
		k2 := EdgeKey{Pair: PairKey{A: "unresolved:x", B: "unresolved:y|unresolved:z"}, Type: RecordVoice}

		g.UpsertEdge(k1, countEdge)
		g.UpsertEdge(k2, countEdge)

		assert.Equal(t, 2, g.EdgeCount())
		e1, ok := g.GetEdge(k1)
		require.True(t, ok)
		assert.Equal(t, k1, e1.Key)
		assert.Equal(t, int64(1), e1.Count)

		nbrs := g.Neighbors("unresolved:z")
		require.Len(t, nbrs, 1)
		assert.Equal(t, "unresolved:x|unresolved:y", nbrs[0].Party)
	})

	t.Run("ReturnedEdgeIsACopy", func(t *testing.T) {
		t.Parallel()
		g := NewCallGraph()
		key := EdgeKey{Pair: PairKey{A: "a", B: "b"}, Type: RecordVoice}

		e := g.UpsertEdge(key, func(existing CallEdge, exists bool) CallEdge {
			existing.Statuses = map[string]int64{"answered": 1}
			return existing
		})
		e.Statuses["answered"] = 99

		stored, _ := g.GetEdge(key)
		assert.Equal(t, int64(1), stored.Statuses["answered"])
	})
}

func TestCallGraph_Neighbors(t *testing.T) {
	t.Parallel()

	t.Run("UnknownParty", func(t *testing.T) {
		t.Parallel()
		g := NewCallGraph()
		assert.Nil(t, g.Neighbors("nobody"))
	})

	t.Run("SortedByEdgeID", func(t *testing.T) {
		t.Parallel()
		g := NewCallGraph()

		g.UpsertEdge(EdgeKey{Pair: PairKey{A: "a", B: "c"}, Type: RecordVoice}, countEdge)
		g.UpsertEdge(EdgeKey{Pair: PairKey{A: "a", B: "b"}, Type: RecordVoice}, countEdge)

		neighbors := g.Neighbors("a")
		require.Len(t, neighbors, 2)
		assert.Equal(t, "b", neighbors[0].Party)
		assert.Equal(t, "c", neighbors[1].Party)
	})
}

func TestCallGraph_Snapshots(t *testing.T) {
	t.Parallel()

	g := NewCallGraph()
	g.UpsertNode("b", countNode)
	g.UpsertNode("a", countNode)
	g.UpsertEdge(EdgeKey{Pair: PairKey{A: "a", B: "b"}, Type: RecordVoice}, countEdge)

	nodes := g.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, "a", nodes[0].Key)
	assert.Equal(t, "b", nodes[1].Key)

	edges := g.Edges()
	require.Len(t, edges, 1)
	assert.Equal(t, "a|b|voice", edges[0].ID())

	assert.Equal(t, map[string]int{"nodes": 2, "edges": 1}, g.Stats())
}

func TestCallGraph_ConcurrentUpserts(t *testing.T) {
	t.Parallel()

	g := NewCallGraph()
	key := EdgeKey{Pair: PairKey{A: "a", B: "b"}, Type: RecordVoice}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g.UpsertNode("a", countNode)
			g.UpsertEdge(key, func(existing CallEdge, exists bool) CallEdge {
				existing.Count++
				existing.TotalDuration += time.Second
				if !exists || start.Before(existing.FirstStart) {
					existing.FirstStart = start
				}
				return existing
			})
			_ = g.Neighbors("a")
		}(i)
	}
	wg.Wait()

	node, ok := g.GetNode("a")
	require.True(t, ok)
	assert.Equal(t, int64(50), node.RecordCount)

	edge, ok := g.GetEdge(key)
	require.True(t, ok)
	assert.Equal(t, int64(50), edge.Count)
	assert.Equal(t, 50*time.Second, edge.TotalDuration)
}
