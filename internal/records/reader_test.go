package records

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/cdrgraph/internal/config"
	"github.com/Benny93/cdrgraph/internal/graph"
)

func readAll(t *testing.T, rd *Reader) []Row {
	t.Helper()
	var rows []Row
	for {
		row, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return rows
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
}

func TestOpen(t *testing.T) {
	t.Parallel()

	t.Run("StreamsRowsWithIndexes", func(t *testing.T) {
		t.Parallel()
		input := "caller,callee,start_time,duration\n" +
			"A,B,2024-03-01T10:00:00Z,30\n" +
			"\n" +
			",,,\n" +
			"B,A,2024-03-01T10:05:00Z,45\n"

		rd, err := Open(strings.NewReader(input), config.Default())
		require.NoError(t, err)
		assert.Equal(t, []string{"caller", "callee", "start_time", "duration"}, rd.Header())

		rows := readAll(t, rd)
		require.Len(t, rows, 2)
		assert.Equal(t, 1, rows[0].Index)
		assert.Equal(t, 2, rows[1].Index)
		assert.Equal(t, "B", rows[1].Values[0])
	})

	t.Run("CustomDelimiter", func(t *testing.T) {
		t.Parallel()
		cfg := config.Default()
		cfg.Delimiter = ";"
		input := "caller;callee;start_time;duration\nA;B;2024-03-01T10:00:00Z;30\n"

		rd, err := Open(strings.NewReader(input), cfg)
		require.NoError(t, err)

		rows := readAll(t, rd)
		require.Len(t, rows, 1)
		rec, rej := rd.Parser().Parse(rows[0])
		require.Nil(t, rej)
		assert.Equal(t, "unresolved:A", rec.Caller.ID)
	})

	t.Run("EmptyFile", func(t *testing.T) {
		t.Parallel()
		_, err := Open(strings.NewReader(""), config.Default())
		assert.True(t, errors.Is(err, graph.ErrMalformedFile))
	})

	t.Run("HeaderOnly", func(t *testing.T) {
		t.Parallel()
		_, err := Open(strings.NewReader("caller,callee,start_time,duration\n\n"), config.Default())
		require.Error(t, err)
		assert.True(t, errors.Is(err, graph.ErrMalformedFile))
		assert.Contains(t, err.Error(), "no data rows")
	})

	t.Run("MappingAgainstHeader", func(t *testing.T) {
		t.Parallel()
		_, err := Open(strings.NewReader("from,to,when,secs\n1,2,3,4\n"), config.Default())
		assert.True(t, errors.Is(err, graph.ErrConfiguration))
	})

	t.Run("BareQuoteInField", func(t *testing.T) {
		t.Parallel()
		input := "caller,callee,start_time,duration\n" +
			"A,B\"x,2024-03-01T10:00:00Z,30\n" +
			"C,D,2024-03-01T10:00:00Z,30\n"

		rd, err := Open(strings.NewReader(input), config.Default())
		require.NoError(t, err)

		rows := readAll(t, rd)
		require.Len(t, rows, 2)
		assert.Equal(t, "B\"x", rows[0].Values[1])
		assert.Equal(t, "C", rows[1].Values[0])
	})
}

func TestReader_InvalidDurationScenario(t *testing.T) {
	t.Parallel()

	input := "caller,callee,start_time,duration\n" +
		"5551110000,5552220000,2024-03-01T10:00:00Z,30\n" +
		"5551110000,5553330000,2024-03-01T10:01:00Z,abc\n" +
		"5552220000,5553330000,2024-03-01T10:02:00Z,15\n"

	rd, err := Open(strings.NewReader(input), config.Default())
	require.NoError(t, err)

	var accepted []graph.CallRecord
	var rejected []graph.RejectedRow
	for _, row := range readAll(t, rd) {
		rec, rej := rd.Parser().Parse(row)
		if rej != nil {
			rejected = append(rejected, *rej)
			continue
		}
		accepted = append(accepted, rec)
	}

	require.Len(t, rejected, 1)
	assert.Equal(t, 2, rejected[0].Row)
	assert.Equal(t, "invalid duration", rejected[0].Reason)

	require.Len(t, accepted, 2)
	assert.Equal(t, 3, accepted[1].Row)
}
