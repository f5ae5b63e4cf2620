// Package graph provides the call graph data model for cdrgraph.
//
// It defines the party nodes and call edges that call-detail records are
// folded into, along with the keys that identify them. Edges are undirected
// for aggregation purposes: the pair key orders the two parties canonically,
// and the original call direction is kept in a per-edge tally.
package graph

import (
	"maps"
	"strings"
	"time"
)

// UnresolvedPrefix marks party IDs that did not reduce to a phone number.
const UnresolvedPrefix = "unresolved:"

// RecordType is the kind of communication a record describes.
type RecordType string

const (
	RecordVoice RecordType = "voice"
	RecordSMS   RecordType = "sms"
	RecordData  RecordType = "data"
)

// NormalizeRecordType lowercases a raw record type, defaulting to voice.
func NormalizeRecordType(raw string) RecordType {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return RecordVoice
	}
	return RecordType(raw)
}

// PartyKey is the canonical identity of a communicating party.
type PartyKey struct {
	// ID is the normalized identifier. Digits only for phone numbers,
	// UnresolvedPrefix followed by the raw value otherwise.
	ID string `json:"id"`

	// Label is the display label derived from ID.
	Label string `json:"label"`

	// Resolved is false for identifiers kept verbatim.
	Resolved bool `json:"resolved"`
}

// CallRecord is one validated call-detail record.
type CallRecord struct {
	Caller   PartyKey
	Callee   PartyKey
	Start    time.Time
	Duration time.Duration
	Type     RecordType

	// Status is the optional call outcome (answered, missed, ...).
	Status string

	// Row is the 1-based data row the record was parsed from.
	Row int
}

// EdgeKey returns the key of the edge this record aggregates into, and
// whether the record runs forward (low to high) in the canonical pair order.
func (r CallRecord) EdgeKey() (EdgeKey, bool) {
	pair, forward := NewPairKey(r.Caller.ID, r.Callee.ID)
	return EdgeKey{Pair: pair, Type: r.Type}, forward
}

// RejectedRow describes a row that could not be turned into a CallRecord.
type RejectedRow struct {
	Row    int      `json:"rowIndex"`
	Reason string   `json:"reason"`
	Values []string `json:"-"`
}

// PairKey is the order-independent identity of two parties.
// A is always lexically less than or equal to B.
type PairKey struct {
	A string `json:"a"`
	B string `json:"b"`
}

// NewPairKey sorts two party IDs into canonical order. forward reports
// whether from sorts first, i.e. whether from->to is the A->B direction.
// A self pair is always forward.
func NewPairKey(from, to string) (PairKey, bool) {
	if from <= to {
		return PairKey{A: from, B: to}, true
	}
	return PairKey{A: to, B: from}, false
}

// idEscaper escapes the separator inside ID parts so that distinct keys
// never render to the same ID.
var idEscaper = strings.NewReplacer(`\`, `\\`, "|", `\|`)

// String renders the pair as "A|B", with '|' and '\' in either party
// escaped by a backslash.
func (p PairKey) String() string {
	return idEscaper.Replace(p.A) + "|" + idEscaper.Replace(p.B)
}

// Other returns the party on the far side of the pair from id.
func (p PairKey) Other(id string) string {
	if p.A == id {
		return p.B
	}
	return p.A
}

// EdgeKey identifies a CallEdge: one edge per pair and record type.
type EdgeKey struct {
	Pair PairKey    `json:"pair"`
	Type RecordType `json:"type"`
}

// ID returns the deterministic edge ID.
// Format: {A}|{B}|{type}, each part escaped as in PairKey.String.
func (k EdgeKey) ID() string {
	return k.Pair.String() + "|" + idEscaper.Replace(string(k.Type))
}

// DirectionTally counts records by original direction within a pair.
type DirectionTally struct {
	// Forward counts A->B records, including self-calls.
	Forward int64 `json:"forward"`

	// Reverse counts B->A records.
	Reverse int64 `json:"reverse"`
}

// Dominant describes which direction carries more records.
func (d DirectionTally) Dominant() string {
	switch {
	case d.Forward > d.Reverse:
		return "forward"
	case d.Reverse > d.Forward:
		return "reverse"
	default:
		return "balanced"
	}
}

// PartyNode is a graph node: one per distinct PartyKey.
type PartyNode struct {
	Key         string    `json:"key"`
	Label       string    `json:"label"`
	Resolved    bool      `json:"resolved"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`
	RecordCount int64     `json:"recordCount"`
}

// CallEdge aggregates every interaction of one record type between a pair.
type CallEdge struct {
	Key           EdgeKey          `json:"key"`
	Count         int64            `json:"count"`
	TotalDuration time.Duration    `json:"totalDuration"`
	FirstStart    time.Time        `json:"firstStart"`
	LastStart     time.Time        `json:"lastStart"`
	Directions    DirectionTally   `json:"directions"`
	Statuses      map[string]int64 `json:"statuses,omitempty"`
}

// ID returns the edge ID.
func (e CallEdge) ID() string {
	return e.Key.ID()
}

// Clone returns a deep copy of the edge.
func (e CallEdge) Clone() CallEdge {
	if e.Statuses != nil {
		e.Statuses = maps.Clone(e.Statuses)
	}
	return e
}

// Neighbor is one adjacent party and the edge connecting to it.
type Neighbor struct {
	Party string
	Edge  CallEdge
}

// NodeMergeFunc computes a node's next state from its current one.
// exists is false when the node is being created.
type NodeMergeFunc func(existing PartyNode, exists bool) PartyNode

// EdgeMergeFunc computes an edge's next state from its current one.
// exists is false when the edge is being created.
type EdgeMergeFunc func(existing CallEdge, exists bool) CallEdge
