package ingestion

import (
	"context"
	"fmt"

	"github.com/Benny93/cdrgraph/internal/aggregate"
	"github.com/Benny93/cdrgraph/internal/graph"
	"github.com/Benny93/cdrgraph/internal/metrics"
	"github.com/Benny93/cdrgraph/internal/storage"
)

// Builder applies validated call records to a graph store.
type Builder struct {
	store storage.Store
}

// NewBuilder creates a builder writing to store.
func NewBuilder(store storage.Store) *Builder {
	return &Builder{store: store}
}

// Apply upserts the caller node, the callee node (once for a self-call) and
// then the edge for the record's pair and type.
//
// Stores implementing storage.RecordWriter take the whole record in one
// write, so a failure leaves nothing behind. Other stores get three upserts,
// and a failure part way through leaves the earlier ones applied.
//
// Once started, Apply runs to completion even if ctx is cancelled, so a
// cancelled ingestion never leaves a record partly merged.
func (b *Builder) Apply(ctx context.Context, rec graph.CallRecord) error {
	ctx = context.WithoutCancel(ctx)

	if w, ok := b.store.(storage.RecordWriter); ok {
		if err := w.ApplyRecord(ctx, rec); err != nil {
			return fmt.Errorf("applying row %d: %w", rec.Row, err)
		}
		metrics.RecordsApplied.Inc()
		return nil
	}

	if _, err := b.store.UpsertNode(ctx, rec.Caller.ID, aggregate.PartyObserver(rec.Caller, rec.Start)); err != nil {
		return fmt.Errorf("upserting caller for row %d: %w", rec.Row, err)
	}
	if rec.Callee.ID != rec.Caller.ID {
		if _, err := b.store.UpsertNode(ctx, rec.Callee.ID, aggregate.PartyObserver(rec.Callee, rec.Start)); err != nil {
			return fmt.Errorf("upserting callee for row %d: %w", rec.Row, err)
		}
	}

	key, _ := rec.EdgeKey()
	if _, err := b.store.UpsertEdge(ctx, key, aggregate.EdgeMerger(rec)); err != nil {
		return fmt.Errorf("upserting edge for row %d: %w", rec.Row, err)
	}

	metrics.RecordsApplied.Inc()
	return nil
}
