package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/Benny93/cdrgraph/internal/config"
)

// Checkpoint records how far an interrupted ingestion got.
type Checkpoint struct {
	File       string `json:"file"`
	SHA256     string `json:"sha256"`
	BatchID    string `json:"batchId"`
	ResumeFrom int    `json:"resumeFrom"`

	AppliedAfterResume []int `json:"appliedAfterResume,omitempty"`

	// Completed holds the digests of files of the same invocation that
	// finished before the interruption.
	Completed []string `json:"completed,omitempty"`

	WrittenAt time.Time `json:"writtenAt"`
}

// CheckpointPath returns the checkpoint location under root.
func CheckpointPath(root string) string {
	return filepath.Join(root, config.DataDir, "checkpoint.json")
}

// NewCheckpoint builds a checkpoint from a partial report.
func NewCheckpoint(file, digest string, rep *Report) *Checkpoint {
	cp := &Checkpoint{
		File:      file,
		SHA256:    digest,
		WrittenAt: time.Now().UTC(),
	}
	if rep != nil {
		cp.BatchID = rep.BatchID
		cp.ResumeFrom = rep.ResumeFrom
		cp.AppliedAfterResume = slices.Clone(rep.AppliedAfterResume)
	}
	return cp
}

// Skip reports whether row was already applied or rejected by the
// interrupted run. A nil checkpoint skips nothing.
func (c *Checkpoint) Skip(row int) bool {
	if c == nil {
		return false
	}
	if row <= c.ResumeFrom {
		return true
	}
	_, found := slices.BinarySearch(c.AppliedAfterResume, row)
	return found
}

// LoadCheckpoint reads the checkpoint at path. A missing file yields nil.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parsing checkpoint: %w", err)
	}
	slices.Sort(cp.AppliedAfterResume)
	return &cp, nil
}

// Save writes the checkpoint to path.
func (c *Checkpoint) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return nil
}

// RemoveCheckpoint deletes the checkpoint at path if there is one.
func RemoveCheckpoint(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing checkpoint: %w", err)
	}
	return nil
}
