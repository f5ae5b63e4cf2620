package query

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Benny93/cdrgraph/internal/graph"
)

// Visualization is the renderer-facing form of a subgraph.
type Visualization struct {
	Nodes     []VisualNode `json:"nodes"`
	Edges     []VisualEdge `json:"edges"`
	Truncated bool         `json:"truncated,omitempty"`
}

// VisualNode is a party as drawn by the renderer. Weight is the party's
// record count.
type VisualNode struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Weight   int64  `json:"weight"`
	Resolved bool   `json:"resolved"`
}

// VisualEdge is an aggregated edge. Source and target are the pair in
// canonical order, so "forward" means source called target more often.
type VisualEdge struct {
	Source            string `json:"source"`
	Target            string `json:"target"`
	Type              string `json:"type"`
	Count             int64  `json:"count"`
	TotalDuration     int64  `json:"totalDuration"` // seconds
	DominantDirection string `json:"dominantDirection"`
}

// Payload renders sg for the renderer. Empty node and edge lists encode as
// [] rather than null.
func Payload(sg *Subgraph) Visualization {
	v := Visualization{
		Nodes:     make([]VisualNode, 0, len(sg.Nodes)),
		Edges:     make([]VisualEdge, 0, len(sg.Edges)),
		Truncated: sg.Truncated,
	}

	for _, n := range sg.Nodes {
		v.Nodes = append(v.Nodes, VisualNode{
			ID:       n.Key,
			Label:    nodeLabel(n),
			Weight:   n.RecordCount,
			Resolved: n.Resolved,
		})
	}
	for _, e := range sg.Edges {
		v.Edges = append(v.Edges, VisualEdge{
			Source:            e.Key.Pair.A,
			Target:            e.Key.Pair.B,
			Type:              string(e.Key.Type),
			Count:             e.Count,
			TotalDuration:     int64(e.TotalDuration.Seconds()),
			DominantDirection: e.Directions.Dominant(),
		})
	}
	return v
}

func nodeLabel(n graph.PartyNode) string {
	if n.Label != "" {
		return n.Label
	}
	return n.Key
}

// WriteFile writes v as indented JSON to path, creating parent directories.
func (v Visualization) WriteFile(path string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}
	return nil
}
