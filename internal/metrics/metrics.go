// Package metrics holds the Prometheus collectors for ingestion and
// subgraph queries.
//
// There is no HTTP surface, so collectors are exported by writing the
// default registry to a textfile for the node-exporter textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RowsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdrgraph_ingest_rows_accepted_total",
		Help: "Rows parsed into call records",
	})

	RowsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdrgraph_ingest_rows_rejected_total",
		Help: "Rows rejected during parsing, by reason",
	}, []string{"reason"})

	RecordsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdrgraph_ingest_records_applied_total",
		Help: "Call records merged into the graph store",
	})

	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cdrgraph_ingest_duration_seconds",
		Help:    "Time to ingest one file",
		Buckets: []float64{0.01, 0.1, 1, 10, 60, 600},
	})

	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cdrgraph_subgraph_query_duration_seconds",
		Help:    "Time to compute a bounded subgraph",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
	}, []string{"outcome"})

	QueryNodes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cdrgraph_subgraph_query_nodes",
		Help:    "Nodes returned per subgraph query",
		Buckets: []float64{1, 10, 100, 1000, 10000},
	})
)

// WriteTextfile writes every registered metric to path in the Prometheus
// text exposition format.
func WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	return nil
}
