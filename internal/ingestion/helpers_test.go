package ingestion

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Benny93/cdrgraph/internal/config"
	"github.com/Benny93/cdrgraph/internal/graph"
	"github.com/Benny93/cdrgraph/internal/storage"
)

const header = "caller,callee,start_time,duration\n"

// csvOf renders rows of caller, callee, start, duration under the default
// header.
func csvOf(rows ...[4]string) string {
	var b strings.Builder
	b.WriteString(header)
	for _, r := range rows {
		b.WriteString(strings.Join(r[:], ","))
		b.WriteByte('\n')
	}
	return b.String()
}

// fanOut builds n records between distinct pairs, with pairs repeating so
// that several lanes see the same pair more than once.
func fanOut(n int) string {
	rows := make([][4]string, n)
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := range rows {
		rows[i] = [4]string{
			fmt.Sprintf("555000%04d", i%7),
			fmt.Sprintf("555100%04d", i%5),
			base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
			fmt.Sprint(10 + i%13),
		}
	}
	return csvOf(rows...)
}

func testConfig(workers, lanes int) *config.Config {
	cfg := config.Default()
	cfg.Store.Backend = config.BackendMemory
	cfg.Ingest.Workers = workers
	cfg.Ingest.Lanes = lanes
	cfg.Ingest.QueueSize = 4
	return cfg
}

func ingest(t *testing.T, store storage.Store, cfg *config.Config, input string) *Report {
	t.Helper()
	rep, err := NewPipeline(store, cfg, nil).Run(t.Context(), "test.csv", strings.NewReader(input), nil)
	require.NoError(t, err)
	return rep
}

func snapshot(t *testing.T, s *storage.MemoryStore) ([]graph.PartyNode, []graph.CallEdge) {
	t.Helper()
	var nodes []graph.PartyNode
	var edges []graph.CallEdge
	require.NoError(t, s.EachNode(t.Context(), func(n graph.PartyNode) error {
		nodes = append(nodes, n)
		return nil
	}))
	require.NoError(t, s.EachEdge(t.Context(), func(e graph.CallEdge) error {
		edges = append(edges, e)
		return nil
	}))
	return nodes, edges
}

// flakyStore fails every node upsert after the first okNodes calls.
type flakyStore struct {
	storage.Store

	mu      sync.Mutex
	okNodes int
	calls   int
}

func (f *flakyStore) UpsertNode(ctx context.Context, id string, merge graph.NodeMergeFunc) (graph.PartyNode, error) {
	f.mu.Lock()
	f.calls++
	tripped := f.calls > f.okNodes
	f.mu.Unlock()

	if tripped {
		return graph.PartyNode{}, graph.Unavailable("upsert node", fmt.Errorf("connection refused"))
	}
	return f.Store.UpsertNode(ctx, id, merge)
}

// edgeOutageStore lets node upserts through and fails every edge upsert.
// Embedding the interface hides any RecordWriter of the wrapped store.
type edgeOutageStore struct {
	storage.Store
}

func (e edgeOutageStore) UpsertEdge(context.Context, graph.EdgeKey, graph.EdgeMergeFunc) (graph.CallEdge, error) {
	return graph.CallEdge{}, graph.Unavailable("upsert edge", fmt.Errorf("connection refused"))
}

// recordOnlyStore accepts whole records and fails the single upserts.
type recordOnlyStore struct {
	*storage.MemoryStore
}

func (r recordOnlyStore) UpsertNode(context.Context, string, graph.NodeMergeFunc) (graph.PartyNode, error) {
	return graph.PartyNode{}, fmt.Errorf("single node upsert")
}

func (r recordOnlyStore) UpsertEdge(context.Context, graph.EdgeKey, graph.EdgeMergeFunc) (graph.CallEdge, error) {
	return graph.CallEdge{}, fmt.Errorf("single edge upsert")
}

// recordOutageStore applies whole records and fails every record after
// the first okRecords. A failed record writes nothing.
type recordOutageStore struct {
	*storage.MemoryStore

	mu        sync.Mutex
	okRecords int
	calls     int
}

func (f *recordOutageStore) ApplyRecord(ctx context.Context, rec graph.CallRecord) error {
	f.mu.Lock()
	f.calls++
	tripped := f.calls > f.okRecords
	f.mu.Unlock()

	if tripped {
		return graph.Unavailable("apply record", fmt.Errorf("connection refused"))
	}
	return f.MemoryStore.ApplyRecord(ctx, rec)
}
