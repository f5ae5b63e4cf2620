package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Benny93/cdrgraph/internal/config"
)

// LedgerEntry describes one completed ingestion.
type LedgerEntry struct {
	File       string    `json:"file"`
	SHA256     string    `json:"sha256"`
	BatchID    string    `json:"batchId"`
	Accepted   int       `json:"accepted"`
	Rejected   int       `json:"rejected"`
	IngestedAt time.Time `json:"ingestedAt"`
}

// Meta is the ingestion ledger kept in meta.json next to the store.
type Meta struct {
	Backend   string        `json:"backend"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Ingested  []LedgerEntry `json:"ingested"`
}

// MetaPath returns the ledger location under root.
func MetaPath(root string) string {
	return filepath.Join(root, config.DataDir, "meta.json")
}

// LoadMeta reads the ledger at path. A missing file yields an empty ledger.
func LoadMeta(path string) (*Meta, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Meta{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading meta.json: %w", err)
	}

	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing meta.json: %w", err)
	}
	return &m, nil
}

// Has reports whether a file with the given digest has been ingested.
func (m *Meta) Has(digest string) bool {
	for _, e := range m.Ingested {
		if e.SHA256 == digest {
			return true
		}
	}
	return false
}

// Last returns the most recent entry, or nil.
func (m *Meta) Last() *LedgerEntry {
	if len(m.Ingested) == 0 {
		return nil
	}
	return &m.Ingested[len(m.Ingested)-1]
}

// Record appends an entry for a finished report.
func (m *Meta) Record(digest string, rep *Report) {
	now := time.Now().UTC()
	m.Ingested = append(m.Ingested, LedgerEntry{
		File:       rep.File,
		SHA256:     digest,
		BatchID:    rep.BatchID,
		Accepted:   rep.Accepted,
		Rejected:   len(rep.Rejected),
		IngestedAt: now,
	})
	m.UpdatedAt = now
}

// Save writes the ledger to path.
func (m *Meta) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding meta.json: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing meta.json: %w", err)
	}
	return nil
}
