// Package ingestion provides the call record ingestion pipeline for cdrgraph.
//
// A file is read by one goroutine, parsed by a pool of workers and applied
// to the graph store through single-writer aggregation lanes sharded by
// party pair. Progress is tracked per row so that an interrupted run can be
// resumed without counting any record twice.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Benny93/cdrgraph/internal/aggregate"
	"github.com/Benny93/cdrgraph/internal/config"
	"github.com/Benny93/cdrgraph/internal/graph"
	"github.com/Benny93/cdrgraph/internal/logger"
	"github.com/Benny93/cdrgraph/internal/metrics"
	"github.com/Benny93/cdrgraph/internal/records"
	"github.com/Benny93/cdrgraph/internal/storage"
)

// Report summarizes one ingestion batch.
type Report struct {
	BatchID  string              `json:"batchId"`
	File     string              `json:"file"`
	Accepted int                 `json:"accepted"`
	Rejected []graph.RejectedRow `json:"rejected"`

	// ResumeFrom is the last row up to which every row has been applied or
	// rejected. A resumed run skips rows up to and including it.
	ResumeFrom int `json:"resumeFrom"`

	// AppliedAfterResume lists rows beyond ResumeFrom that were already
	// applied. A resumed run skips them too.
	AppliedAfterResume []int `json:"appliedAfterResume,omitempty"`

	// SkippedRows counts rows not reprocessed because a checkpoint covered
	// them.
	SkippedRows int `json:"skippedRows,omitempty"`

	DurationSeconds float64 `json:"durationSeconds"`
}

// Pipeline ingests delimited call record files into a store.
type Pipeline struct {
	store   storage.Store
	cfg     *config.Config
	builder *Builder
	log     *logger.Logger
}

// NewPipeline creates a pipeline writing to store with the given settings.
func NewPipeline(store storage.Store, cfg *config.Config, log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.NewNop()
	}
	return &Pipeline{
		store:   store,
		cfg:     cfg,
		builder: NewBuilder(store),
		log:     log,
	}
}

// Run ingests the file read from r. name is only used for reporting.
//
// File-level problems (no header, no data rows, a mapping naming an absent
// column) are returned before any row is processed. Rejected rows never
// stop the batch. A store failure or cancellation stops it and returns the
// partial report together with the error, from which a Checkpoint can be
// built. When resume is non-nil, the rows it covers are skipped.
func (p *Pipeline) Run(ctx context.Context, name string, r io.Reader, resume *Checkpoint) (*Report, error) {
	started := time.Now()

	reader, err := records.Open(r, p.cfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	parser := reader.Parser()

	report := &Report{
		BatchID: uuid.NewString(),
		File:    name,
	}
	log := p.log.With("batch", report.BatchID, "file", name)

	prog := newProgress(resume)

	var rejectMu sync.Mutex
	rejected := []graph.RejectedRow{}

	lanes := aggregate.NewLanes(ctx, p.cfg.Ingest.Lanes, p.cfg.Ingest.QueueSize, func(ctx context.Context, rec graph.CallRecord) error {
		if err := p.builder.Apply(ctx, rec); err != nil {
			return err
		}
		prog.mark(rec.Row, rowApplied)
		return nil
	})

	g, gctx := errgroup.WithContext(ctx)
	rows := make(chan records.Row, p.cfg.Ingest.QueueSize)

	g.Go(func() error {
		defer close(rows)
		for {
			row, err := reader.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("reading %s: %w", name, err)
			}
			if resume.Skip(row.Index) {
				prog.skip()
				continue
			}
			select {
			case rows <- row:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	for w := 0; w < max(1, p.cfg.Ingest.Workers); w++ {
		g.Go(func() error {
			for row := range rows {
				rec, rej := parser.Parse(row)
				if rej != nil {
					metrics.RowsRejected.WithLabelValues(rej.Reason).Inc()
					log.Debug("row rejected", "row", rej.Row, "reason", rej.Reason)
					rejectMu.Lock()
					rejected = append(rejected, *rej)
					rejectMu.Unlock()
					prog.mark(rej.Row, rowRejected)
					continue
				}
				metrics.RowsAccepted.Inc()
				if err := lanes.Submit(gctx, rec); err != nil {
					return err
				}
			}
			return nil
		})
	}

	runErr := g.Wait()
	laneErr := lanes.Close()

	sort.Slice(rejected, func(i, j int) bool { return rejected[i].Row < rejected[j].Row })
	report.Rejected = rejected
	report.Accepted = prog.appliedCount()
	report.SkippedRows = prog.skippedCount()
	report.ResumeFrom, report.AppliedAfterResume = prog.resumePoint()
	report.DurationSeconds = time.Since(started).Seconds()
	metrics.IngestDuration.Observe(report.DurationSeconds)

	if err := firstError(laneErr, runErr); err != nil {
		log.Warn("ingest interrupted", "accepted", report.Accepted, "resumeFrom", report.ResumeFrom, "error", err)
		return report, fmt.Errorf("ingesting %s: %w", name, err)
	}

	log.Info("ingest finished",
		"accepted", report.Accepted,
		"rejected", len(report.Rejected),
		"skipped", report.SkippedRows,
		"seconds", report.DurationSeconds,
	)
	return report, nil
}

// firstError prefers a lane failure over the cancellation it caused in the
// parse workers.
func firstError(laneErr, runErr error) error {
	if laneErr != nil && !errors.Is(laneErr, context.Canceled) {
		return laneErr
	}
	if runErr != nil {
		return runErr
	}
	return laneErr
}

type rowState uint8

const (
	rowPending rowState = iota
	rowRejected
	rowApplied
	rowSettled // covered by a previous run
)

// progress tracks the state of every row seen so far.
type progress struct {
	mu      sync.Mutex
	rows    []rowState
	applied int
	skipped int
}

func newProgress(resume *Checkpoint) *progress {
	p := &progress{}
	if resume == nil {
		return p
	}
	for row := 1; row <= resume.ResumeFrom; row++ {
		p.set(row, rowSettled)
	}
	for _, row := range resume.AppliedAfterResume {
		p.set(row, rowSettled)
	}
	return p
}

func (p *progress) set(row int, st rowState) {
	if row < 1 {
		return
	}
	for len(p.rows) < row {
		p.rows = append(p.rows, rowPending)
	}
	p.rows[row-1] = st
}

func (p *progress) mark(row int, st rowState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.set(row, st)
	if st == rowApplied {
		p.applied++
	}
}

func (p *progress) skip() {
	p.mu.Lock()
	p.skipped++
	p.mu.Unlock()
}

func (p *progress) appliedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied
}

func (p *progress) skippedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.skipped
}

// resumePoint returns the contiguous prefix of finished rows and the
// applied or settled rows beyond it.
func (p *progress) resumePoint() (int, []int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mark := 0
	for mark < len(p.rows) && p.rows[mark] != rowPending {
		mark++
	}

	var after []int
	for i := mark; i < len(p.rows); i++ {
		if p.rows[i] == rowApplied || p.rows[i] == rowSettled {
			after = append(after, i+1)
		}
	}
	return mark, after
}
