package storage

import (
	"context"
	"sync"

	"github.com/Benny93/cdrgraph/internal/aggregate"
	"github.com/Benny93/cdrgraph/internal/graph"
)

// MemoryStore is an in-memory Store backed by graph.CallGraph. It is used
// for tests and for one-shot ingestion that does not need persistence.
type MemoryStore struct {
	mu     sync.RWMutex
	graph  *graph.CallGraph
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{graph: graph.NewCallGraph()}
}

func (m *MemoryStore) check(ctx context.Context, op string) error {
	if m.closed {
		return graph.Unavailable(op, errClosed)
	}
	return ctx.Err()
}

// UpsertNode implements Store.
func (m *MemoryStore) UpsertNode(ctx context.Context, id string, merge graph.NodeMergeFunc) (graph.PartyNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, "upsert node"); err != nil {
		return graph.PartyNode{}, err
	}
	return m.graph.UpsertNode(id, merge), nil
}

// UpsertEdge implements Store.
func (m *MemoryStore) UpsertEdge(ctx context.Context, key graph.EdgeKey, merge graph.EdgeMergeFunc) (graph.CallEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, "upsert edge"); err != nil {
		return graph.CallEdge{}, err
	}
	return m.graph.UpsertEdge(key, merge), nil
}

// ApplyRecord implements RecordWriter.
func (m *MemoryStore) ApplyRecord(ctx context.Context, rec graph.CallRecord) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, "apply record"); err != nil {
		return err
	}
	for _, p := range recordParties(rec) {
		m.graph.UpsertNode(p.ID, aggregate.PartyObserver(p, rec.Start))
	}
	key, _ := rec.EdgeKey()
	m.graph.UpsertEdge(key, aggregate.EdgeMerger(rec))
	return nil
}

// Neighbors implements Store.
func (m *MemoryStore) Neighbors(ctx context.Context, id string) ([]graph.Neighbor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, "neighbors"); err != nil {
		return nil, err
	}
	return m.graph.Neighbors(id), nil
}

// GetNode implements Store.
func (m *MemoryStore) GetNode(ctx context.Context, id string) (graph.PartyNode, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, "get node"); err != nil {
		return graph.PartyNode{}, false, err
	}
	n, ok := m.graph.GetNode(id)
	return n, ok, nil
}

// Stats implements Store.
func (m *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, "stats"); err != nil {
		return Stats{}, err
	}
	return Stats{Backend: "memory", Nodes: m.graph.NodeCount(), Edges: m.graph.EdgeCount()}, nil
}

// EachNode implements Exporter.
func (m *MemoryStore) EachNode(ctx context.Context, fn func(graph.PartyNode) error) error {
	m.mu.RLock()
	if err := m.check(ctx, "export nodes"); err != nil {
		m.mu.RUnlock()
		return err
	}
	nodes := m.graph.Nodes()
	m.mu.RUnlock()

	for _, n := range nodes {
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}

// EachEdge implements Exporter.
func (m *MemoryStore) EachEdge(ctx context.Context, fn func(graph.CallEdge) error) error {
	m.mu.RLock()
	if err := m.check(ctx, "export edges"); err != nil {
		m.mu.RUnlock()
		return err
	}
	edges := m.graph.Edges()
	m.mu.RUnlock()

	for _, e := range edges {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Store. Further calls fail with graph.ErrStoreUnavailable.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
