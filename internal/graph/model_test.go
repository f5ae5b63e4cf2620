package graph

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRecordType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      string
		expected RecordType
	}{
		{"Empty", "", RecordVoice},
		{"Whitespace", "   ", RecordVoice},
		{"Lowercase", "sms", RecordSMS},
		{"Uppercase", "VOICE", RecordVoice},
		{"Padded", " Data ", RecordData},
		{"Unknown", "MMS", RecordType("mms")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, NormalizeRecordType(tt.raw))
		})
	}
}

func TestNewPairKey(t *testing.T) {
	t.Parallel()

	t.Run("AlreadyOrdered", func(t *testing.T) {
		t.Parallel()
		pair, forward := NewPairKey("111", "222")
		assert.Equal(t, PairKey{A: "111", B: "222"}, pair)
		assert.True(t, forward)
	})

	t.Run("Reversed", func(t *testing.T) {
		t.Parallel()
		pair, forward := NewPairKey("222", "111")
		assert.Equal(t, PairKey{A: "111", B: "222"}, pair)
		assert.False(t, forward)
	})

	t.Run("BothDirectionsShareKey", func(t *testing.T) {
		t.Parallel()
		ab, _ := NewPairKey("5551230000", "5559870000")
		ba, _ := NewPairKey("5559870000", "5551230000")
		assert.Equal(t, ab, ba)
		assert.Equal(t, ab.String(), ba.String())
	})

	t.Run("SelfPairIsForward", func(t *testing.T) {
		t.Parallel()
		pair, forward := NewPairKey("333", "333")
		assert.Equal(t, PairKey{A: "333", B: "333"}, pair)
		assert.True(t, forward)
		assert.Equal(t, "333", pair.Other("333"))
	})
}

func TestEdgeKey_ID(t *testing.T) {
	t.Parallel()

	t.Run("Plain", func(t *testing.T) {
		t.Parallel()
		key := EdgeKey{Pair: PairKey{A: "111", B: "222"}, Type: RecordSMS}
		assert.Equal(t, "111|222|sms", key.ID())
	})

	t.Run("SeparatorInPartyIsEscaped", func(t *testing.T) {
		t.Parallel()
		k1 := EdgeKey{Pair: PairKey{A: "unresolved:x|unresolved:y", B: "unresolved:z"}, Type: RecordVoice}
		k2 := EdgeKey{Pair: PairKey{A: "unresolved:x", B: "unresolved:y|unresolved:z"}, Type: RecordVoice}
		assert.NotEqual(t, k1.ID(), k2.ID())
		assert.Equal(t, `unresolved:x\|unresolved:y|unresolved:z|voice`, k1.ID())
	})

	t.Run("DistinctKeysDistinctIDs", func(t *testing.T) {
		t.Parallel()
		parts := []string{"", "a", "|", `\`, `a\`, "a|", `\|`, "|b", `a\|b`}
		seen := make(map[string]EdgeKey)
		for _, a := range parts {
			for _, b := range parts {
				for _, typ := range []RecordType{RecordVoice, "x|y", `x\`} {
					k := EdgeKey{Pair: PairKey{A: a, B: b}, Type: typ}
					if prev, ok := seen[k.ID()]; ok {
						t.Fatalf("keys %+v and %+v share ID %q", prev, k, k.ID())
					}
					seen[k.ID()] = k
				}
			}
		}
	})
}

func TestCallRecord_EdgeKey(t *testing.T) {
	t.Parallel()

	rec := CallRecord{
		Caller: PartyKey{ID: "222"},
		Callee: PartyKey{ID: "111"},
		Start:  time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		Type:   RecordVoice,
	}

	key, forward := rec.EdgeKey()
	assert.Equal(t, "111|222|voice", key.ID())
	assert.False(t, forward)
}

func TestDirectionTally_Dominant(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "forward", DirectionTally{Forward: 3, Reverse: 1}.Dominant())
	assert.Equal(t, "reverse", DirectionTally{Forward: 0, Reverse: 2}.Dominant())
	assert.Equal(t, "balanced", DirectionTally{Forward: 1, Reverse: 1}.Dominant())
	assert.Equal(t, "balanced", DirectionTally{}.Dominant())
}

func TestCallEdge_Clone(t *testing.T) {
	t.Parallel()

	original := CallEdge{Count: 1, Statuses: map[string]int64{"answered": 1}}
	clone := original.Clone()
	clone.Statuses["answered"] = 5

	assert.Equal(t, int64(1), original.Statuses["answered"])
}

func TestRejectedRow_Err(t *testing.T) {
	t.Parallel()

	err := RejectedRow{Row: 4, Reason: "invalid duration"}.Err()
	assert.True(t, errors.Is(err, ErrRowRejected))
	assert.Contains(t, err.Error(), "row 4")
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestUnavailable(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := Unavailable("upserting edge", cause)

	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.True(t, errors.Is(err, cause))
}
