package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/Benny93/cdrgraph/internal/graph"
	"github.com/Benny93/cdrgraph/internal/logger"
)

// ErrAlreadyApplied is returned by Session.IngestFile for a file that an
// interrupted invocation had already ingested completely.
var ErrAlreadyApplied = errors.New("file already applied before interruption")

// Session ingests a sequence of files into one store, writing a checkpoint
// when a file is interrupted and recording finished files in the ledger.
type Session struct {
	pipeline *Pipeline
	root     string
	backend  string
	log      *logger.Logger

	resume    *Checkpoint
	completed []string
}

// NewSession creates a session whose checkpoint and ledger live under
// root. With resume set, a checkpoint left by an interrupted run is loaded
// and honored.
func NewSession(p *Pipeline, root string, resume bool) (*Session, error) {
	s := &Session{
		pipeline: p,
		root:     root,
		backend:  p.cfg.Store.Backend,
		log:      p.log,
	}
	if !resume {
		return s, nil
	}

	cp, err := LoadCheckpoint(CheckpointPath(root))
	if err != nil {
		return nil, err
	}
	if cp != nil {
		s.resume = cp
		s.completed = slices.Clone(cp.Completed)
		s.log.Info("resuming", "file", cp.File, "resumeFrom", cp.ResumeFrom, "batch", cp.BatchID)
	}
	return s, nil
}

// Resuming returns the loaded checkpoint, or nil.
func (s *Session) Resuming() *Checkpoint {
	return s.resume
}

// IngestFile ingests the file at path.
//
// When the store becomes unavailable or ctx is cancelled, a checkpoint is
// written and the partial report is returned with the error.
func (s *Session) IngestFile(ctx context.Context, path string) (*Report, error) {
	digest, err := FileDigest(path)
	if err != nil {
		return nil, err
	}
	if slices.Contains(s.completed, digest) {
		return nil, fmt.Errorf("%s: %w", path, ErrAlreadyApplied)
	}

	var from *Checkpoint
	if s.resume != nil && s.resume.SHA256 == digest {
		from = s.resume
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	rep, err := s.pipeline.Run(ctx, path, f, from)
	if err != nil {
		if rep != nil && interrupted(err) {
			cp := NewCheckpoint(path, digest, rep)
			cp.Completed = slices.Clone(s.completed)
			if saveErr := cp.Save(CheckpointPath(s.root)); saveErr != nil {
				return rep, errors.Join(err, saveErr)
			}
		}
		return rep, err
	}

	s.completed = append(s.completed, digest)
	if err := s.record(digest, rep); err != nil {
		return rep, err
	}
	return rep, nil
}

// Finish removes the checkpoint once every file has been ingested.
func (s *Session) Finish() error {
	return RemoveCheckpoint(CheckpointPath(s.root))
}

func (s *Session) record(digest string, rep *Report) error {
	path := MetaPath(s.root)
	meta, err := LoadMeta(path)
	if err != nil {
		return err
	}
	meta.Backend = s.backend
	meta.Record(digest, rep)
	return meta.Save(path)
}

// interrupted reports whether err leaves a resumable partial ingestion.
func interrupted(err error) bool {
	return errors.Is(err, graph.ErrStoreUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
