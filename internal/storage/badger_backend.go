package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/Benny93/cdrgraph/internal/aggregate"
	"github.com/Benny93/cdrgraph/internal/graph"
)

// Key prefixes for different data types
const (
	prefixNode      = "n:" // party node data
	prefixEdge      = "e:" // call edge data
	prefixAdjacency = "i:" // party -> edge ID index
)

// maxConflictRetries bounds optimistic retries for one upsert.
const maxConflictRetries = 64

// BadgerStore is a BadgerDB-backed Store. Every upsert runs in its own
// read-write transaction; concurrent upserts of the same key conflict and
// are retried.
type BadgerStore struct {
	db       *badger.DB
	readOnly bool
	mu       sync.RWMutex

	countMu   sync.Mutex
	nodeCount int
	edgeCount int
}

// NewBadgerStore creates an uninitialized BadgerDB store.
func NewBadgerStore() *BadgerStore {
	return &BadgerStore{}
}

// Initialize opens or creates the BadgerDB database at the given path.
func (b *BadgerStore) Initialize(path string, readOnly bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	opts := badger.DefaultOptions(path).
		WithNumCompactors(2).
		WithNumMemtables(5).
		WithLoggingLevel(badger.ERROR) // Suppress INFO/WARNING logs

	if readOnly {
		opts = opts.WithReadOnly(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return graph.Unavailable("opening badger DB", err)
	}
	b.db = db
	b.readOnly = readOnly

	return b.recount()
}

// recount rebuilds the cached counts from the database.
func (b *BadgerStore) recount() error {
	nodes, edges := 0, 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		opts.Prefix = []byte(prefixNode)
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			nodes++
		}
		it.Close()

		opts.Prefix = []byte(prefixEdge)
		it = txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			edges++
		}
		it.Close()
		return nil
	})
	if err != nil {
		return fmt.Errorf("counting keys: %w", err)
	}

	b.countMu.Lock()
	b.nodeCount, b.edgeCount = nodes, edges
	b.countMu.Unlock()
	return nil
}

// Close releases all resources held by the store.
func (b *BadgerStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		return nil
	}

	err := b.db.Close()
	b.db = nil
	return err
}

func (b *BadgerStore) nodeKey(id string) []byte {
	return []byte(prefixNode + id)
}

func (b *BadgerStore) edgeKey(edgeID string) []byte {
	return []byte(prefixEdge + edgeID)
}

// adjacencyPrefix is terminated by a NUL so that one party ID never
// matches as a prefix of another.
func (b *BadgerStore) adjacencyPrefix(party string) []byte {
	return []byte(prefixAdjacency + party + "\x00")
}

// available must be called with b.mu held.
func (b *BadgerStore) available(ctx context.Context, op string) error {
	if b.db == nil {
		return graph.Unavailable(op, errClosed)
	}
	return ctx.Err()
}

// wrapErr classifies a badger error.
func wrapErr(op string, err error) error {
	if errors.Is(err, badger.ErrDBClosed) || errors.Is(err, badger.ErrBlockedWrites) {
		return graph.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// update runs fn in a read-write transaction, retrying on conflict.
func (b *BadgerStore) update(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	if b.readOnly {
		return fmt.Errorf("%s: store opened read-only", op)
	}
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	if err != nil {
		return wrapErr(op, err)
	}
	return nil
}

func getJSON(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	}); err != nil {
		return false, fmt.Errorf("unmarshaling %s: %w", key, err)
	}
	return true, nil
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}
	return txn.Set(key, data)
}

// UpsertNode implements Store.
func (b *BadgerStore) UpsertNode(ctx context.Context, id string, merge graph.NodeMergeFunc) (graph.PartyNode, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.available(ctx, "upsert node"); err != nil {
		return graph.PartyNode{}, err
	}

	var (
		result  graph.PartyNode
		created bool
	)
	err := b.update(ctx, "upsert node", func(txn *badger.Txn) error {
		var err error
		result, created, err = b.upsertNodeTxn(txn, id, merge)
		return err
	})
	if err != nil {
		return graph.PartyNode{}, err
	}

	if created {
		b.addCounts(1, 0)
	}
	return result, nil
}

func (b *BadgerStore) upsertNodeTxn(txn *badger.Txn, id string, merge graph.NodeMergeFunc) (graph.PartyNode, bool, error) {
	var existing graph.PartyNode
	exists, err := getJSON(txn, b.nodeKey(id), &existing)
	if err != nil {
		return graph.PartyNode{}, false, err
	}
	node := merge(existing, exists)
	node.Key = id
	if err := setJSON(txn, b.nodeKey(id), node); err != nil {
		return graph.PartyNode{}, false, err
	}
	return node, !exists, nil
}

func (b *BadgerStore) addCounts(nodes, edges int) {
	b.countMu.Lock()
	b.nodeCount += nodes
	b.edgeCount += edges
	b.countMu.Unlock()
}

// UpsertEdge implements Store.
func (b *BadgerStore) UpsertEdge(ctx context.Context, key graph.EdgeKey, merge graph.EdgeMergeFunc) (graph.CallEdge, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.available(ctx, "upsert edge"); err != nil {
		return graph.CallEdge{}, err
	}

	var (
		result  graph.CallEdge
		created bool
	)
	err := b.update(ctx, "upsert edge", func(txn *badger.Txn) error {
		var err error
		result, created, err = b.upsertEdgeTxn(txn, key, merge)
		return err
	})
	if err != nil {
		return graph.CallEdge{}, err
	}

	if created {
		b.addCounts(0, 1)
	}
	return result, nil
}

func (b *BadgerStore) upsertEdgeTxn(txn *badger.Txn, key graph.EdgeKey, merge graph.EdgeMergeFunc) (graph.CallEdge, bool, error) {
	id := key.ID()
	var existing graph.CallEdge
	exists, err := getJSON(txn, b.edgeKey(id), &existing)
	if err != nil {
		return graph.CallEdge{}, false, err
	}
	edge := merge(existing, exists)
	edge.Key = key

	if err := setJSON(txn, b.edgeKey(id), edge); err != nil {
		return graph.CallEdge{}, false, err
	}
	if !exists {
		if err := b.indexEdge(txn, key); err != nil {
			return graph.CallEdge{}, false, err
		}
	}
	return edge, !exists, nil
}

// ApplyRecord implements RecordWriter. Both nodes and the edge are written
// in one transaction.
func (b *BadgerStore) ApplyRecord(ctx context.Context, rec graph.CallRecord) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.available(ctx, "apply record"); err != nil {
		return err
	}

	var newNodes, newEdges int
	err := b.update(ctx, "apply record", func(txn *badger.Txn) error {
		newNodes, newEdges = 0, 0
		for _, p := range recordParties(rec) {
			_, created, err := b.upsertNodeTxn(txn, p.ID, aggregate.PartyObserver(p, rec.Start))
			if err != nil {
				return err
			}
			if created {
				newNodes++
			}
		}
		key, _ := rec.EdgeKey()
		_, created, err := b.upsertEdgeTxn(txn, key, aggregate.EdgeMerger(rec))
		if err != nil {
			return err
		}
		if created {
			newEdges++
		}
		return nil
	})
	if err != nil {
		return err
	}

	b.addCounts(newNodes, newEdges)
	return nil
}

// indexEdge creates adjacency index entries for both endpoints.
func (b *BadgerStore) indexEdge(txn *badger.Txn, key graph.EdgeKey) error {
	id := key.ID()
	for _, party := range []string{key.Pair.A, key.Pair.B} {
		idx := append(b.adjacencyPrefix(party), id...)
		if err := txn.Set(idx, []byte(id)); err != nil {
			return fmt.Errorf("setting adjacency index: %w", err)
		}
		if key.Pair.A == key.Pair.B {
			break
		}
	}
	return nil
}

// Neighbors implements Store.
func (b *BadgerStore) Neighbors(ctx context.Context, id string) ([]graph.Neighbor, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.available(ctx, "neighbors"); err != nil {
		return nil, err
	}

	var out []graph.Neighbor
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = b.adjacencyPrefix(id)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var edgeID string
			if err := it.Item().Value(func(val []byte) error {
				edgeID = string(val)
				return nil
			}); err != nil {
				return err
			}

			var edge graph.CallEdge
			found, err := getJSON(txn, b.edgeKey(edgeID), &edge)
			if err != nil {
				return err
			}
			if !found || (edge.Key.Pair.A != id && edge.Key.Pair.B != id) {
				continue
			}
			out = append(out, graph.Neighbor{Party: edge.Key.Pair.Other(id), Edge: edge})
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("neighbors", err)
	}
	return out, nil
}

// GetNode implements Store.
func (b *BadgerStore) GetNode(ctx context.Context, id string) (graph.PartyNode, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.available(ctx, "get node"); err != nil {
		return graph.PartyNode{}, false, err
	}

	var (
		node  graph.PartyNode
		found bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, b.nodeKey(id), &node)
		return err
	})
	if err != nil {
		return graph.PartyNode{}, false, wrapErr("getting node", err)
	}
	return node, found, nil
}

// Stats implements Store.
func (b *BadgerStore) Stats(ctx context.Context) (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.available(ctx, "stats"); err != nil {
		return Stats{}, err
	}

	b.countMu.Lock()
	defer b.countMu.Unlock()
	return Stats{Backend: "badger", Nodes: b.nodeCount, Edges: b.edgeCount}, nil
}

// EachNode implements Exporter.
func (b *BadgerStore) EachNode(ctx context.Context, fn func(graph.PartyNode) error) error {
	return eachPrefix(ctx, b, "export nodes", prefixNode, fn)
}

// EachEdge implements Exporter.
func (b *BadgerStore) EachEdge(ctx context.Context, fn func(graph.CallEdge) error) error {
	return eachPrefix(ctx, b, "export edges", prefixEdge, fn)
}

// eachPrefix decodes every value under prefix in key order. Values are
// collected in one read transaction and handed to fn outside it.
func eachPrefix[T any](ctx context.Context, b *BadgerStore, op, prefix string, fn func(T) error) error {
	b.mu.RLock()
	if err := b.available(ctx, op); err != nil {
		b.mu.RUnlock()
		return err
	}

	var values []T
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var v T
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &v)
			}); err != nil {
				return fmt.Errorf("unmarshaling %s: %w", it.Item().Key(), err)
			}
			values = append(values, v)
		}
		return nil
	})
	b.mu.RUnlock()
	if err != nil {
		return wrapErr(op, err)
	}

	for _, v := range values {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}
