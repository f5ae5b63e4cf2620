// Package aggregate implements the merge law for repeated interactions.
//
// Every function here is pure: it takes the current aggregate and returns
// the next one. Merging is commutative and associative over records, so
// the final state of a node or edge does not depend on processing order.
package aggregate

import (
	"maps"
	"math"
	"time"

	"github.com/Benny93/cdrgraph/internal/graph"
)

// MergeInteraction folds one record into the edge for its pair and type.
// When exists is false edge is ignored and a fresh aggregate is started.
func MergeInteraction(edge graph.CallEdge, exists bool, rec graph.CallRecord) graph.CallEdge {
	key, forward := rec.EdgeKey()

	if !exists {
		edge = graph.CallEdge{
			Key:        key,
			FirstStart: rec.Start,
			LastStart:  rec.Start,
		}
	}

	edge.Count++
	edge.TotalDuration = addDuration(edge.TotalDuration, rec.Duration)
	if rec.Start.Before(edge.FirstStart) {
		edge.FirstStart = rec.Start
	}
	if rec.Start.After(edge.LastStart) {
		edge.LastStart = rec.Start
	}

	if forward {
		edge.Directions.Forward++
	} else {
		edge.Directions.Reverse++
	}

	if rec.Status != "" {
		statuses := maps.Clone(edge.Statuses)
		if statuses == nil {
			statuses = make(map[string]int64, 1)
		}
		statuses[rec.Status]++
		edge.Statuses = statuses
	}

	return edge
}

// ObserveParty records one sighting of key at the given instant.
func ObserveParty(node graph.PartyNode, exists bool, key graph.PartyKey, at time.Time) graph.PartyNode {
	if !exists {
		node = graph.PartyNode{
			Key:       key.ID,
			FirstSeen: at,
			LastSeen:  at,
		}
	}

	node.Label = key.Label
	node.Resolved = key.Resolved
	node.RecordCount++
	if at.Before(node.FirstSeen) {
		node.FirstSeen = at
	}
	if at.After(node.LastSeen) {
		node.LastSeen = at
	}
	return node
}

// EdgeMerger adapts MergeInteraction to a store merge callback.
func EdgeMerger(rec graph.CallRecord) graph.EdgeMergeFunc {
	return func(existing graph.CallEdge, exists bool) graph.CallEdge {
		return MergeInteraction(existing, exists, rec)
	}
}

// PartyObserver adapts ObserveParty to a store merge callback.
func PartyObserver(key graph.PartyKey, at time.Time) graph.NodeMergeFunc {
	return func(existing graph.PartyNode, exists bool) graph.PartyNode {
		return ObserveParty(existing, exists, key, at)
	}
}

// CombineEdges merges two aggregates of the same edge, as if every record
// behind b had been merged into a. An edge with a zero count is the
// identity element.
func CombineEdges(a, b graph.CallEdge) graph.CallEdge {
	if b.Count == 0 {
		return a.Clone()
	}
	if a.Count == 0 {
		return b.Clone()
	}

	out := a.Clone()
	out.Count += b.Count
	out.TotalDuration = addDuration(out.TotalDuration, b.TotalDuration)
	out.FirstStart = minTime(a.FirstStart, b.FirstStart)
	out.LastStart = maxTime(a.LastStart, b.LastStart)
	out.Directions.Forward += b.Directions.Forward
	out.Directions.Reverse += b.Directions.Reverse

	if len(b.Statuses) > 0 {
		if out.Statuses == nil {
			out.Statuses = make(map[string]int64, len(b.Statuses))
		}
		for status, n := range b.Statuses {
			out.Statuses[status] += n
		}
	}
	return out
}

// CombineNodes merges two aggregates of the same party.
func CombineNodes(a, b graph.PartyNode) graph.PartyNode {
	if b.RecordCount == 0 {
		return a
	}
	if a.RecordCount == 0 {
		return b
	}

	a.RecordCount += b.RecordCount
	a.FirstSeen = minTime(a.FirstSeen, b.FirstSeen)
	a.LastSeen = maxTime(a.LastSeen, b.LastSeen)
	return a
}

// addDuration adds two non-negative durations, saturating at the largest
// representable duration instead of wrapping negative.
func addDuration(a, b time.Duration) time.Duration {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

func minTime(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
