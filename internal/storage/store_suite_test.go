package storage

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/cdrgraph/internal/aggregate"
	"github.com/Benny93/cdrgraph/internal/graph"
	"github.com/Benny93/cdrgraph/internal/identity"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func record(caller, callee string, offset time.Duration, dur time.Duration) graph.CallRecord {
	return graph.CallRecord{
		Caller:   identity.Resolve(caller),
		Callee:   identity.Resolve(callee),
		Start:    t0.Add(offset),
		Duration: dur,
		Type:     graph.RecordVoice,
	}
}

// apply writes rec the way the graph builder does.
func apply(t *testing.T, s Store, rec graph.CallRecord) {
	t.Helper()
	ctx := t.Context()

	_, err := s.UpsertNode(ctx, rec.Caller.ID, aggregate.PartyObserver(rec.Caller, rec.Start))
	require.NoError(t, err)
	if rec.Callee.ID != rec.Caller.ID {
		_, err = s.UpsertNode(ctx, rec.Callee.ID, aggregate.PartyObserver(rec.Callee, rec.Start))
		require.NoError(t, err)
	}
	key, _ := rec.EdgeKey()
	_, err = s.UpsertEdge(ctx, key, aggregate.EdgeMerger(rec))
	require.NoError(t, err)
}

// runStoreSuite exercises the Store contract against one backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("UpsertCreatesAndMerges", func(t *testing.T) {
		s := newStore(t)

		apply(t, s, record("5551234567", "5559876543", 0, 30*time.Second))
		apply(t, s, record("5559876543", "5551234567", time.Hour, 10*time.Second))

		stats, err := s.Stats(t.Context())
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Nodes)
		assert.Equal(t, 1, stats.Edges)

		node, ok, err := s.GetNode(t.Context(), "5551234567")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(2), node.RecordCount)
		assert.True(t, node.FirstSeen.Equal(t0))
		assert.True(t, node.LastSeen.Equal(t0.Add(time.Hour)))
		assert.Equal(t, "(555) 123-4567", node.Label)
		assert.True(t, node.Resolved)
	})

	t.Run("NeighborsFromBothEnds", func(t *testing.T) {
		s := newStore(t)

		apply(t, s, record("5551234567", "5559876543", 0, 30*time.Second))
		apply(t, s, record("5551234567", "5550000001", 0, 5*time.Second))

		fromA, err := s.Neighbors(t.Context(), "5551234567")
		require.NoError(t, err)
		require.Len(t, fromA, 2)
		assert.Equal(t, "5550000001", fromA[0].Party)
		assert.Equal(t, "5559876543", fromA[1].Party)

		fromB, err := s.Neighbors(t.Context(), "5559876543")
		require.NoError(t, err)
		require.Len(t, fromB, 1)
		assert.Equal(t, "5551234567", fromB[0].Party)

		edge := fromB[0].Edge
		assert.Equal(t, int64(1), edge.Count)
		assert.Equal(t, 30*time.Second, edge.TotalDuration)
		assert.Equal(t, int64(1), edge.Directions.Forward)
	})

	t.Run("SelfCallIndexedOnce", func(t *testing.T) {
		s := newStore(t)

		apply(t, s, record("5551234567", "5551234567", 0, time.Second))

		nbrs, err := s.Neighbors(t.Context(), "5551234567")
		require.NoError(t, err)
		require.Len(t, nbrs, 1)
		assert.Equal(t, "5551234567", nbrs[0].Party)

		node, ok, err := s.GetNode(t.Context(), "5551234567")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(1), node.RecordCount)
	})

	t.Run("SeparatorInPartyIDs", func(t *testing.T) {
		s := newStore(t)

		apply(t, s, record("x|unresolved:y", "z", 0, time.Second))
		apply(t, s, record("x", "y|unresolved:z", 0, 2*time.Second))

		stats, err := s.Stats(t.Context())
		require.NoError(t, err)
		assert.Equal(t, 4, stats.Nodes)
		assert.Equal(t, 2, stats.Edges)

		nbrs, err := s.Neighbors(t.Context(), "unresolved:z")
		require.NoError(t, err)
		require.Len(t, nbrs, 1)
		assert.Equal(t, "unresolved:x|unresolved:y", nbrs[0].Party)
		assert.Equal(t, int64(1), nbrs[0].Edge.Count)
		assert.Equal(t, time.Second, nbrs[0].Edge.TotalDuration)

		nbrs, err = s.Neighbors(t.Context(), "unresolved:x")
		require.NoError(t, err)
		require.Len(t, nbrs, 1)
		assert.Equal(t, "unresolved:y|unresolved:z", nbrs[0].Party)
	})

	t.Run("UnixEpochStart", func(t *testing.T) {
		s := newStore(t)

		rec := record("5551234567", "5559876543", 0, time.Second)
		rec.Start = time.Unix(0, 0).UTC()
		apply(t, s, rec)
		rec.Start = t0
		apply(t, s, rec)

		node, ok, err := s.GetNode(t.Context(), "5551234567")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, node.FirstSeen.Equal(time.Unix(0, 0)))

		nbrs, err := s.Neighbors(t.Context(), "5551234567")
		require.NoError(t, err)
		require.Len(t, nbrs, 1)
		assert.True(t, nbrs[0].Edge.FirstStart.Equal(time.Unix(0, 0)))
		assert.True(t, nbrs[0].Edge.LastStart.Equal(t0))
	})

	t.Run("ApplyRecordWritesWholeRecord", func(t *testing.T) {
		s := newStore(t)
		w, ok := s.(RecordWriter)
		require.True(t, ok)

		require.NoError(t, w.ApplyRecord(t.Context(), record("5551234567", "5559876543", 0, 30*time.Second)))
		require.NoError(t, w.ApplyRecord(t.Context(), record("5559876543", "5551234567", time.Hour, 10*time.Second)))
		require.NoError(t, w.ApplyRecord(t.Context(), record("5551234567", "(555) 123-4567", 2*time.Hour, time.Second)))

		stats, err := s.Stats(t.Context())
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Nodes)
		assert.Equal(t, 2, stats.Edges)

		node, ok, err := s.GetNode(t.Context(), "5551234567")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(3), node.RecordCount)
		assert.True(t, node.LastSeen.Equal(t0.Add(2*time.Hour)))

		nbrs, err := s.Neighbors(t.Context(), "5559876543")
		require.NoError(t, err)
		require.Len(t, nbrs, 1)
		assert.Equal(t, int64(2), nbrs[0].Edge.Count)
		assert.Equal(t, 40*time.Second, nbrs[0].Edge.TotalDuration)
		assert.Equal(t, graph.DirectionTally{Forward: 1, Reverse: 1}, nbrs[0].Edge.Directions)
	})

	t.Run("ApplyRecordOnClosedStoreWritesNothing", func(t *testing.T) {
		s := newStore(t)
		w, ok := s.(RecordWriter)
		require.True(t, ok)
		require.NoError(t, s.Close())

		err := w.ApplyRecord(t.Context(), record("5551234567", "5559876543", 0, time.Second))
		assert.ErrorIs(t, err, graph.ErrStoreUnavailable)
	})

	t.Run("UnknownNode", func(t *testing.T) {
		s := newStore(t)

		_, ok, err := s.GetNode(t.Context(), "nobody")
		require.NoError(t, err)
		assert.False(t, ok)

		nbrs, err := s.Neighbors(t.Context(), "nobody")
		require.NoError(t, err)
		assert.Empty(t, nbrs)
	})

	t.Run("StatusesPersist", func(t *testing.T) {
		s := newStore(t)

		rec := record("5551234567", "5559876543", 0, time.Second)
		rec.Status = "answered"
		apply(t, s, rec)
		rec.Status = "missed"
		apply(t, s, rec)
		apply(t, s, rec)

		nbrs, err := s.Neighbors(t.Context(), "5551234567")
		require.NoError(t, err)
		require.Len(t, nbrs, 1)
		assert.Equal(t, map[string]int64{"answered": 1, "missed": 2}, nbrs[0].Edge.Statuses)
	})

	t.Run("ConcurrentUpsertsOfOneEdge", func(t *testing.T) {
		s := newStore(t)

		const writers, perWriter = 8, 25
		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					rec := record("5551234567", "5559876543", time.Duration(i)*time.Minute, time.Second)
					key, _ := rec.EdgeKey()
					if _, err := s.UpsertEdge(t.Context(), key, aggregate.EdgeMerger(rec)); err != nil {
						t.Error(err)
						return
					}
				}
			}()
		}
		wg.Wait()

		nbrs, err := s.Neighbors(t.Context(), "5551234567")
		require.NoError(t, err)
		require.Len(t, nbrs, 1)
		assert.Equal(t, int64(writers*perWriter), nbrs[0].Edge.Count)
		assert.Equal(t, time.Duration(writers*perWriter)*time.Second, nbrs[0].Edge.TotalDuration)
	})

	t.Run("ClosedStoreUnavailable", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Close())

		_, err := s.UpsertNode(t.Context(), "x", aggregate.PartyObserver(identity.Resolve("x"), t0))
		assert.ErrorIs(t, err, graph.ErrStoreUnavailable)

		_, err = s.Neighbors(t.Context(), "x")
		assert.ErrorIs(t, err, graph.ErrStoreUnavailable)

		_, err = s.Stats(t.Context())
		assert.ErrorIs(t, err, graph.ErrStoreUnavailable)
	})
}

// fill writes n distinct single-record pairs fanned out from hub.
func fill(t *testing.T, s Store, hub string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		apply(t, s, record(hub, fmt.Sprintf("555000%04d", i), time.Duration(i)*time.Minute, time.Second))
	}
}
