// Package storage provides the graph store backends for cdrgraph.
//
// It defines the Store interface that the graph builder writes through and
// the query planner reads through, along with the memory, Badger and Neo4j
// implementations.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/Benny93/cdrgraph/internal/aggregate"
	"github.com/Benny93/cdrgraph/internal/graph"
)

// errClosed is wrapped with graph.ErrStoreUnavailable when a closed store
// is used.
var errClosed = errors.New("store closed")

// Stats summarizes a store's contents.
type Stats struct {
	Backend string `json:"backend"`
	Nodes   int    `json:"nodes"`
	Edges   int    `json:"edges"`
}

// Store defines the interface for graph store implementations.
//
// Implementations must be thread-safe. Each upsert is atomic: the merge
// function sees a consistent current value and its result replaces that
// value as a unit, so readers never observe a torn node or edge. Failures
// to reach the underlying engine wrap graph.ErrStoreUnavailable.
type Store interface {
	// UpsertNode creates or updates the party node with the given ID.
	UpsertNode(ctx context.Context, id string, merge graph.NodeMergeFunc) (graph.PartyNode, error)

	// UpsertEdge creates or updates the edge with the given key. Both
	// endpoints are indexed so Neighbors finds the edge from either side.
	UpsertEdge(ctx context.Context, key graph.EdgeKey, merge graph.EdgeMergeFunc) (graph.CallEdge, error)

	// Neighbors returns the edges touching id, ordered by edge ID.
	Neighbors(ctx context.Context, id string) ([]graph.Neighbor, error)

	// GetNode returns a node by ID.
	GetNode(ctx context.Context, id string) (graph.PartyNode, bool, error)

	// Stats returns node and edge counts.
	Stats(ctx context.Context) (Stats, error)

	// Close releases all resources held by the store.
	Close() error
}

// RecordWriter is implemented by stores that can apply every write of one
// call record (both party nodes and the edge) as a single unit. Either all
// of them land or none do.
type RecordWriter interface {
	ApplyRecord(ctx context.Context, rec graph.CallRecord) error
}

// recordParties returns the parties a record observes: the caller, and the
// callee unless the record is a self-call.
func recordParties(rec graph.CallRecord) []graph.PartyKey {
	if rec.Callee.ID == rec.Caller.ID {
		return []graph.PartyKey{rec.Caller}
	}
	return []graph.PartyKey{rec.Caller, rec.Callee}
}

// Exporter is implemented by stores that can enumerate their contents.
type Exporter interface {
	EachNode(ctx context.Context, fn func(graph.PartyNode) error) error
	EachEdge(ctx context.Context, fn func(graph.CallEdge) error) error
}

// MergeResult counts what Merge folded into the destination.
type MergeResult struct {
	Nodes int `json:"nodes"`
	Edges int `json:"edges"`
}

// Merge folds every node and edge of src into dst with the aggregate
// combine law. Merging two stores built from disjoint record sets yields
// the store that ingesting both sets would have produced.
func Merge(ctx context.Context, dst Store, src Exporter) (MergeResult, error) {
	var res MergeResult

	err := src.EachNode(ctx, func(n graph.PartyNode) error {
		_, err := dst.UpsertNode(ctx, n.Key, func(existing graph.PartyNode, exists bool) graph.PartyNode {
			if !exists {
				return n
			}
			return aggregate.CombineNodes(existing, n)
		})
		if err != nil {
			return fmt.Errorf("merging node: %w", err)
		}
		res.Nodes++
		return nil
	})
	if err != nil {
		return res, err
	}

	err = src.EachEdge(ctx, func(e graph.CallEdge) error {
		_, err := dst.UpsertEdge(ctx, e.Key, func(existing graph.CallEdge, exists bool) graph.CallEdge {
			if !exists {
				return e.Clone()
			}
			return aggregate.CombineEdges(existing, e)
		})
		if err != nil {
			return fmt.Errorf("merging edge %s: %w", e.ID(), err)
		}
		res.Edges++
		return nil
	})
	return res, err
}
