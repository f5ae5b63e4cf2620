package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/Benny93/cdrgraph/internal/graph"
	"github.com/Benny93/cdrgraph/internal/identity"
)

// PartyDetail is one party with its first-level neighborhood.
type PartyDetail struct {
	Node      graph.PartyNode `json:"node"`
	Neighbors []PartyContact  `json:"neighbors"`
}

// PartyContact summarizes one edge from the party's point of view.
type PartyContact struct {
	Party         string `json:"party"`
	Type          string `json:"type"`
	Count         int64  `json:"count"`
	TotalDuration int64  `json:"totalDuration"` // seconds
	Outgoing      int64  `json:"outgoing"`
	Incoming      int64  `json:"incoming"`
}

// Party looks up a single party by any formatting of its identifier.
func (p *Planner) Party(ctx context.Context, raw string) (*PartyDetail, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty party identifier", graph.ErrInvalidQuery)
	}
	id := identity.ResolveID(raw)

	node, ok, err := p.store.GetNode(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: unknown party %q", graph.ErrInvalidQuery, raw)
	}

	nbrs, err := p.store.Neighbors(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading neighbors of %s: %w", id, err)
	}

	detail := &PartyDetail{Node: node, Neighbors: make([]PartyContact, 0, len(nbrs))}
	for _, nb := range nbrs {
		out, in := nb.Edge.Directions.Forward, nb.Edge.Directions.Reverse
		if nb.Edge.Key.Pair.A != id {
			out, in = in, out
		}
		detail.Neighbors = append(detail.Neighbors, PartyContact{
			Party:         nb.Party,
			Type:          string(nb.Edge.Key.Type),
			Count:         nb.Edge.Count,
			TotalDuration: int64(nb.Edge.TotalDuration.Seconds()),
			Outgoing:      out,
			Incoming:      in,
		})
	}
	return detail, nil
}
