package graph

import (
	"sort"
	"sync"
)

// CallGraph is an in-memory undirected multigraph of parties and call edges.
//
// Nodes and edges are stored by value and handed out as copies, so a reader
// never observes a node or edge halfway through an update. Each upsert runs
// its merge function under the write lock, which makes a single merge
// atomic with respect to every other reader and writer.
//
// An adjacency index keeps neighbor lookups O(degree) rather than O(graph).
type CallGraph struct {
	mu    sync.RWMutex
	nodes map[string]PartyNode
	edges map[string]CallEdge

	// adjacency maps a party ID to the IDs of the edges touching it.
	adjacency map[string]map[string]struct{}
}

// NewCallGraph creates a new empty call graph.
func NewCallGraph() *CallGraph {
	return &CallGraph{
		nodes:     make(map[string]PartyNode),
		edges:     make(map[string]CallEdge),
		adjacency: make(map[string]map[string]struct{}),
	}
}

// NodeCount returns the number of nodes.
func (g *CallGraph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// EdgeCount returns the number of edges.
func (g *CallGraph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// UpsertNode creates or updates the node with the given ID.
func (g *CallGraph) UpsertNode(id string, merge NodeMergeFunc) PartyNode {
	g.mu.Lock()
	defer g.mu.Unlock()

	existing, ok := g.nodes[id]
	next := merge(existing, ok)
	next.Key = id
	g.nodes[id] = next
	return next
}

// UpsertEdge creates or updates the edge with the given key and indexes it
// under both endpoints.
func (g *CallGraph) UpsertEdge(key EdgeKey, merge EdgeMergeFunc) CallEdge {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := key.ID()
	existing, ok := g.edges[id]
	if ok {
		existing = existing.Clone()
	}
	next := merge(existing, ok)
	next.Key = key
	g.edges[id] = next

	if !ok {
		g.index(key.Pair.A, id)
		g.index(key.Pair.B, id)
	}
	return next.Clone()
}

// index records edge id under party. Must be called with the write lock held.
func (g *CallGraph) index(party, id string) {
	if g.adjacency[party] == nil {
		g.adjacency[party] = make(map[string]struct{})
	}
	g.adjacency[party][id] = struct{}{}
}

// GetNode returns the node with the given ID.
func (g *CallGraph) GetNode(id string) (PartyNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// GetEdge returns the edge with the given key.
func (g *CallGraph) GetEdge(key EdgeKey) (CallEdge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.edges[key.ID()]
	if !ok {
		return CallEdge{}, false
	}
	return e.Clone(), true
}

// Neighbors returns every edge touching the party, sorted by edge ID.
// A self-call edge is reported once with the party as its own neighbor.
func (g *CallGraph) Neighbors(id string) []Neighbor {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids, ok := g.adjacency[id]
	if !ok {
		return nil
	}

	result := make([]Neighbor, 0, len(ids))
	for edgeID := range ids {
		e := g.edges[edgeID]
		result = append(result, Neighbor{Party: e.Key.Pair.Other(id), Edge: e.Clone()})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Edge.ID() < result[j].Edge.ID()
	})
	return result
}

// Nodes returns a snapshot of all nodes sorted by key.
func (g *CallGraph) Nodes() []PartyNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	result := make([]PartyNode, 0, len(g.nodes))
	for _, n := range g.nodes {
		result = append(result, n)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result
}

// Edges returns a snapshot of all edges sorted by ID.
func (g *CallGraph) Edges() []CallEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	result := make([]CallEdge, 0, len(g.edges))
	for _, e := range g.edges {
		result = append(result, e.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}

// Stats returns a summary of graph size.
func (g *CallGraph) Stats() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return map[string]int{
		"nodes": len(g.nodes),
		"edges": len(g.edges),
	}
}
