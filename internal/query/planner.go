// Package query extracts bounded subgraphs from a graph store.
//
// The planner never scans the whole store: it expands outward from the seed
// parties one level at a time through the store's adjacency index, so the
// work done is proportional to the size of the returned subgraph.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Benny93/cdrgraph/internal/graph"
	"github.com/Benny93/cdrgraph/internal/identity"
	"github.com/Benny93/cdrgraph/internal/metrics"
	"github.com/Benny93/cdrgraph/internal/storage"
)

// Subgraph is the bounded neighborhood of a set of seed parties.
type Subgraph struct {
	// Seeds are the canonical IDs of the seeds that made it into Nodes.
	Seeds []string

	// Nodes are ordered by discovery level, and within a level by record
	// count descending then key.
	Nodes []graph.PartyNode

	// Edges are every edge between two returned nodes, sorted by edge ID.
	Edges []graph.CallEdge

	// Depth is the number of levels actually expanded.
	Depth int

	// Truncated is set when maxNodes cut off part of a level.
	Truncated bool
}

// Planner answers subgraph queries against a store.
type Planner struct {
	store storage.Store
}

// NewPlanner creates a planner reading through store.
func NewPlanner(store storage.Store) *Planner {
	return &Planner{store: store}
}

// Subgraph returns up to maxNodes parties within maxDepth hops of the seeds,
// together with the edges among them. Seeds are resolved the same way
// ingested identifiers are, so any formatting of a number finds its node.
func (p *Planner) Subgraph(ctx context.Context, seeds []string, maxDepth, maxNodes int) (*Subgraph, error) {
	start := time.Now()
	sg, err := p.subgraph(ctx, seeds, maxDepth, maxNodes)

	outcome := "ok"
	switch {
	case errors.Is(err, graph.ErrInvalidQuery):
		outcome = "invalid"
	case err != nil:
		outcome = "error"
	default:
		metrics.QueryNodes.Observe(float64(len(sg.Nodes)))
	}
	metrics.QueryDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	return sg, err
}

func (p *Planner) subgraph(ctx context.Context, seeds []string, maxDepth, maxNodes int) (*Subgraph, error) {
	switch {
	case len(seeds) == 0:
		return nil, fmt.Errorf("%w: at least one seed is required", graph.ErrInvalidQuery)
	case maxDepth < 0:
		return nil, fmt.Errorf("%w: maxDepth must not be negative, got %d", graph.ErrInvalidQuery, maxDepth)
	case maxNodes <= 0:
		return nil, fmt.Errorf("%w: maxNodes must be positive, got %d", graph.ErrInvalidQuery, maxNodes)
	}

	t := &traversal{
		store:     p.store,
		visited:   make(map[string]bool),
		neighbors: make(map[string][]graph.Neighbor),
	}

	level, err := t.seedNodes(ctx, seeds)
	if err != nil {
		return nil, err
	}

	sg := &Subgraph{}
	level, sg.Truncated = truncate(level, maxNodes)
	for _, n := range level {
		sg.Seeds = append(sg.Seeds, n.Key)
	}
	t.admit(level)

	for sg.Depth < maxDepth && len(level) > 0 && len(t.order) < maxNodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		next, err := t.expand(ctx, level)
		if err != nil {
			return nil, err
		}
		if len(next) == 0 {
			break
		}

		var cut bool
		next, cut = truncate(next, maxNodes-len(t.order))
		sg.Truncated = sg.Truncated || cut
		t.admit(next)
		sg.Depth++
		level = next
	}

	sg.Nodes = t.order
	if maxDepth > 0 {
		edges, err := t.inducedEdges(ctx)
		if err != nil {
			return nil, err
		}
		sg.Edges = edges
	}
	return sg, nil
}

// traversal holds the state of one breadth-first expansion.
type traversal struct {
	store   storage.Store
	visited map[string]bool
	order   []graph.PartyNode

	// neighbors caches adjacency lookups; every returned node is looked up
	// at most once.
	neighbors map[string][]graph.Neighbor
}

// seedNodes resolves and loads the seeds. An unknown seed fails the query.
func (t *traversal) seedNodes(ctx context.Context, seeds []string) ([]graph.PartyNode, error) {
	seen := make(map[string]bool, len(seeds))
	nodes := make([]graph.PartyNode, 0, len(seeds))

	for _, raw := range seeds {
		if strings.TrimSpace(raw) == "" {
			return nil, fmt.Errorf("%w: empty seed", graph.ErrInvalidQuery)
		}
		id := identity.ResolveID(raw)
		if seen[id] {
			continue
		}
		seen[id] = true

		n, ok, err := t.store.GetNode(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading seed %s: %w", id, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: unknown seed %q", graph.ErrInvalidQuery, raw)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// expand returns the unvisited neighbors of level, loaded from the store.
func (t *traversal) expand(ctx context.Context, level []graph.PartyNode) ([]graph.PartyNode, error) {
	found := make(map[string]bool)
	var next []graph.PartyNode

	for _, n := range level {
		nbrs, err := t.adjacent(ctx, n.Key)
		if err != nil {
			return nil, err
		}
		for _, nb := range nbrs {
			if t.visited[nb.Party] || found[nb.Party] {
				continue
			}
			found[nb.Party] = true

			node, ok, err := t.store.GetNode(ctx, nb.Party)
			if err != nil {
				return nil, fmt.Errorf("loading %s: %w", nb.Party, err)
			}
			// Nodes are written before their edges, so a missing endpoint
			// means the store is mid-merge from an external source.
			if !ok {
				continue
			}
			next = append(next, node)
		}
	}
	return next, nil
}

func (t *traversal) adjacent(ctx context.Context, id string) ([]graph.Neighbor, error) {
	if nbrs, ok := t.neighbors[id]; ok {
		return nbrs, nil
	}
	nbrs, err := t.store.Neighbors(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading neighbors of %s: %w", id, err)
	}
	t.neighbors[id] = nbrs
	return nbrs, nil
}

func (t *traversal) admit(nodes []graph.PartyNode) {
	for _, n := range nodes {
		t.visited[n.Key] = true
		t.order = append(t.order, n)
	}
}

// inducedEdges returns the edges whose endpoints were both admitted.
func (t *traversal) inducedEdges(ctx context.Context) ([]graph.CallEdge, error) {
	seen := make(map[string]bool)
	var edges []graph.CallEdge

	for _, n := range t.order {
		nbrs, err := t.adjacent(ctx, n.Key)
		if err != nil {
			return nil, err
		}
		for _, nb := range nbrs {
			id := nb.Edge.ID()
			if seen[id] || !t.visited[nb.Party] {
				continue
			}
			seen[id] = true
			edges = append(edges, nb.Edge)
		}
	}

	sort.Slice(edges, func(i, j int) bool { return edges[i].ID() < edges[j].ID() })
	return edges, nil
}

// truncate orders nodes by record count descending then key, and keeps at
// most limit of them.
func truncate(nodes []graph.PartyNode, limit int) ([]graph.PartyNode, bool) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].RecordCount != nodes[j].RecordCount {
			return nodes[i].RecordCount > nodes[j].RecordCount
		}
		return nodes[i].Key < nodes[j].Key
	})
	if len(nodes) <= limit {
		return nodes, false
	}
	return nodes[:limit], true
}
