package records

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/cdrgraph/internal/config"
	"github.com/Benny93/cdrgraph/internal/graph"
)

var testHeader = []string{"caller", "callee", "start_time", "duration", "call_type", "status"}

func newTestParser(t *testing.T, mutate func(m *config.ColumnMapping)) *Parser {
	t.Helper()
	m := config.Default().Columns
	m.RecordType = "call_type"
	m.Status = "status"
	if mutate != nil {
		mutate(&m)
	}
	p, err := NewParser(m, testHeader)
	require.NoError(t, err)
	return p
}

func TestNewParser(t *testing.T) {
	t.Parallel()

	t.Run("CaseInsensitiveHeader", func(t *testing.T) {
		t.Parallel()
		m := config.Default().Columns
		_, err := NewParser(m, []string{"\ufeffCALLER ", " Callee", "Start_Time", "DURATION"})
		assert.NoError(t, err)
	})

	t.Run("MappedColumnMissing", func(t *testing.T) {
		t.Parallel()
		m := config.Default().Columns
		m.Callee = "b_number"
		_, err := NewParser(m, testHeader)
		require.Error(t, err)
		assert.True(t, errors.Is(err, graph.ErrConfiguration))
	})

	t.Run("OptionalColumnMappedButAbsent", func(t *testing.T) {
		t.Parallel()
		m := config.Default().Columns
		m.Status = "outcome"
		_, err := NewParser(m, testHeader)
		assert.True(t, errors.Is(err, graph.ErrConfiguration))
	})

	t.Run("BadFormat", func(t *testing.T) {
		t.Parallel()
		m := config.Default().Columns
		m.TimestampFormat = "dd/mm/yyyy"
		_, err := NewParser(m, testHeader)
		assert.True(t, errors.Is(err, graph.ErrConfiguration))
	})

	t.Run("NoDurationSource", func(t *testing.T) {
		t.Parallel()
		m := config.Default().Columns
		m.Duration = ""
		_, err := NewParser(m, testHeader)
		assert.True(t, errors.Is(err, graph.ErrConfiguration))
	})
}

func TestParser_Parse_Valid(t *testing.T) {
	t.Parallel()

	p := newTestParser(t, nil)
	rec, rej := p.Parse(Row{
		Index:  3,
		Values: []string{"(555) 123-4567", "+1 555 987 6543", "2024-03-01T10:00:00Z", "30", "SMS", "Answered"},
	})

	require.Nil(t, rej)
	assert.Equal(t, "5551234567", rec.Caller.ID)
	assert.Equal(t, "5559876543", rec.Callee.ID)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), rec.Start)
	assert.Equal(t, 30*time.Second, rec.Duration)
	assert.Equal(t, graph.RecordSMS, rec.Type)
	assert.Equal(t, "answered", rec.Status)
	assert.Equal(t, 3, rec.Row)
}

func TestParser_Parse_Defaults(t *testing.T) {
	t.Parallel()

	p := newTestParser(t, nil)
	rec, rej := p.Parse(Row{Index: 1, Values: []string{"alice", "alice", "2024-03-01 10:00:00", "0"}})

	require.Nil(t, rej)
	assert.Equal(t, graph.RecordVoice, rec.Type)
	assert.Equal(t, "", rec.Status)
	assert.Equal(t, rec.Caller, rec.Callee, "self-calls are preserved")
	assert.False(t, rec.Caller.Resolved)
}

func TestParser_Parse_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		values []string
		reason string
	}{
		{"MissingCaller", []string{"", "5551234567", "2024-03-01T10:00:00Z", "30"}, "missing caller"},
		{"BlankCallee", []string{"5551234567", "   ", "2024-03-01T10:00:00Z", "30"}, "missing callee"},
		{"MissingTimestamp", []string{"a", "b", "", "30"}, "missing timestamp"},
		{"ShortRow", []string{"a", "b", "2024-03-01T10:00:00Z"}, "missing duration"},
		{"BadTimestamp", []string{"a", "b", "yesterday", "30"}, ReasonInvalidTimestamp},
		{"NonNumericDuration", []string{"a", "b", "2024-03-01T10:00:00Z", "abc"}, ReasonInvalidDuration},
		{"NegativeDuration", []string{"a", "b", "2024-03-01T10:00:00Z", "-5"}, ReasonNegativeDuration},
		{"NegativeClock", []string{"a", "b", "2024-03-01T10:00:00Z", "-00:01:00"}, ReasonNegativeDuration},
	}

	p := newTestParser(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec, rej := p.Parse(Row{Index: 7, Values: tt.values})

			require.NotNil(t, rej)
			assert.Equal(t, tt.reason, rej.Reason)
			assert.Equal(t, 7, rej.Row)
			assert.Equal(t, tt.values, rej.Values)
			assert.Equal(t, graph.CallRecord{}, rec)
			assert.True(t, errors.Is(rej.Err(), graph.ErrRowRejected))
		})
	}
}

func TestParser_Parse_TokenizeError(t *testing.T) {
	t.Parallel()

	p := newTestParser(t, nil)
	_, rej := p.Parse(Row{Index: 2, Err: errors.New("bad quote")})

	require.NotNil(t, rej)
	assert.Equal(t, ReasonMalformedRow, rej.Reason)
}

func TestParser_Parse_TimestampFormats(t *testing.T) {
	t.Parallel()

	want := time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		format string
		tz     string
		raw    string
	}{
		{"RFC3339WithOffset", config.FormatRFC3339, "", "2024-03-01T10:00:00-05:00"},
		{"RFC3339ZoneLessUsesTimezone", config.FormatRFC3339, "America/New_York", "2024-03-01T10:00:00"},
		{"Unix", config.FormatUnix, "", "1709305200"},
		{"UnixMillis", config.FormatUnixMillis, "", "1709305200000"},
		{"CustomLayout", "02/01/2006 15:04", "Europe/London", "01/03/2024 15:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := newTestParser(t, func(m *config.ColumnMapping) {
				m.TimestampFormat = tt.format
				m.Timezone = tt.tz
			})

			rec, rej := p.Parse(Row{Index: 1, Values: []string{"a", "b", tt.raw, "1"}})
			require.Nil(t, rej)
			assert.True(t, want.Equal(rec.Start), "got %s", rec.Start)
			assert.Equal(t, time.UTC, rec.Start.Location())
		})
	}
}

func TestParser_Parse_EndTimestamp(t *testing.T) {
	t.Parallel()

	m := config.Default().Columns
	m.Duration = ""
	m.EndTimestamp = "ended"
	p, err := NewParser(m, []string{"caller", "callee", "start_time", "ended"})
	require.NoError(t, err)

	t.Run("DerivesDuration", func(t *testing.T) {
		t.Parallel()
		rec, rej := p.Parse(Row{Index: 1, Values: []string{"a", "b", "2024-03-01T10:00:00Z", "2024-03-01T10:01:15Z"}})
		require.Nil(t, rej)
		assert.Equal(t, 75*time.Second, rec.Duration)
	})

	t.Run("EndBeforeStart", func(t *testing.T) {
		t.Parallel()
		_, rej := p.Parse(Row{Index: 1, Values: []string{"a", "b", "2024-03-01T10:00:00Z", "2024-03-01T09:59:00Z"}})
		require.NotNil(t, rej)
		assert.Equal(t, ReasonNegativeDuration, rej.Reason)
	})

	t.Run("LongerThanMaxCallDuration", func(t *testing.T) {
		t.Parallel()
		_, rej := p.Parse(Row{Index: 1, Values: []string{"a", "b", "2024-03-01T10:00:00Z", "2024-03-09T10:00:00Z"}})
		require.NotNil(t, rej)
		assert.Equal(t, ReasonInvalidDuration, rej.Reason)
	})

	t.Run("MissingEnd", func(t *testing.T) {
		t.Parallel()
		_, rej := p.Parse(Row{Index: 1, Values: []string{"a", "b", "2024-03-01T10:00:00Z", ""}})
		require.NotNil(t, rej)
		assert.Equal(t, "missing end_timestamp", rej.Reason)
	})
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	ok := []struct {
		raw  string
		want time.Duration
	}{
		{"0", 0},
		{"45", 45 * time.Second},
		{" 12.5 ", 12500 * time.Millisecond},
		{"01:30", 90 * time.Second},
		{"1:02:03", time.Hour + 2*time.Minute + 3*time.Second},
		{"00:00:01.5", 1500 * time.Millisecond},
		{"-0", 0},
		{"604800", MaxCallDuration},
		{"168:00:00", MaxCallDuration},
	}
	for _, tt := range ok {
		got, reason := ParseDuration(tt.raw)
		assert.Empty(t, reason, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}

	invalid := []string{"", "abc", "1e3", "NaN", "Inf", "+5", "1:60", "1:2:3:4", ":30", "0x10", "99999999999999999999",
		"9223372036", "604800.5", "168:00:01"}
	for _, raw := range invalid {
		_, reason := ParseDuration(raw)
		assert.Equal(t, ReasonInvalidDuration, reason, raw)
	}

	for _, raw := range []string{"-1", "-0.5", "-01:00"} {
		_, reason := ParseDuration(raw)
		assert.Equal(t, ReasonNegativeDuration, reason, raw)
	}
}
