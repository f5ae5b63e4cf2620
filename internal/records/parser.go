// Package records turns delimited call-detail rows into validated records.
package records

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Benny93/cdrgraph/internal/config"
	"github.com/Benny93/cdrgraph/internal/graph"
	"github.com/Benny93/cdrgraph/internal/identity"
)

// Reject reasons reported for a single row.
const (
	ReasonInvalidTimestamp = "invalid timestamp"
	ReasonInvalidDuration  = "invalid duration"
	ReasonNegativeDuration = "negative duration"
	ReasonMalformedRow     = "malformed row"
)

// MissingReason returns the reject reason for an absent or empty field.
func MissingReason(field string) string {
	return "missing " + field
}

// Row is one raw data row.
type Row struct {
	// Index is the 1-based data row number, header excluded.
	Index int

	Values []string

	// Err is set when the row could not be tokenized.
	Err error
}

const absent = -1

// Parser validates rows against a column mapping resolved to header
// positions. It holds no mutable state and is safe for concurrent use.
type Parser struct {
	mapping config.ColumnMapping
	loc     *time.Location

	caller, callee, start int
	duration, end         int
	recordType, status    int
}

// NewParser resolves mapping against header. Column names match
// case-insensitively after trimming. A mapped column that is absent from
// the header is a configuration error.
func NewParser(mapping config.ColumnMapping, header []string) (*Parser, error) {
	if err := config.ValidateTimestampFormat(mapping.TimestampFormat); err != nil {
		return nil, err
	}
	loc, err := mapping.Location()
	if err != nil {
		return nil, err
	}

	p := &Parser{
		mapping:    mapping,
		loc:        loc,
		duration:   absent,
		end:        absent,
		recordType: absent,
		status:     absent,
	}

	lookup := make(map[string]int, len(header))
	for i, name := range header {
		key := normalizeColumn(name)
		if _, dup := lookup[key]; !dup {
			lookup[key] = i
		}
	}

	find := func(field, column string, target *int) error {
		if column == "" {
			return nil
		}
		idx, ok := lookup[normalizeColumn(column)]
		if !ok {
			return fmt.Errorf("%w: %s column %q not found in header %v", graph.ErrConfiguration, field, column, header)
		}
		*target = idx
		return nil
	}

	p.caller, p.callee, p.start = absent, absent, absent
	for _, f := range []struct {
		field, column string
		target        *int
	}{
		{"caller", mapping.Caller, &p.caller},
		{"callee", mapping.Callee, &p.callee},
		{"timestamp", mapping.Timestamp, &p.start},
		{"duration", mapping.Duration, &p.duration},
		{"end_timestamp", mapping.EndTimestamp, &p.end},
		{"record_type", mapping.RecordType, &p.recordType},
		{"status", mapping.Status, &p.status},
	} {
		if err := find(f.field, f.column, f.target); err != nil {
			return nil, err
		}
	}

	if p.caller == absent || p.callee == absent || p.start == absent {
		return nil, fmt.Errorf("%w: caller, callee and timestamp columns are required", graph.ErrConfiguration)
	}
	if (p.duration == absent) == (p.end == absent) {
		return nil, fmt.Errorf("%w: exactly one of duration and end_timestamp must be mapped", graph.ErrConfiguration)
	}
	return p, nil
}

func normalizeColumn(name string) string {
	name = strings.TrimPrefix(name, "\ufeff")
	return strings.ToLower(strings.TrimSpace(name))
}

// Parse validates a row. Exactly one of the results is meaningful: a nil
// rejection means the record is valid.
func (p *Parser) Parse(row Row) (graph.CallRecord, *graph.RejectedRow) {
	reject := func(reason string) (graph.CallRecord, *graph.RejectedRow) {
		return graph.CallRecord{}, &graph.RejectedRow{
			Row:    row.Index,
			Reason: reason,
			Values: slices.Clone(row.Values),
		}
	}

	if row.Err != nil {
		return reject(ReasonMalformedRow)
	}

	callerRaw := p.field(row, p.caller)
	if callerRaw == "" {
		return reject(MissingReason("caller"))
	}
	calleeRaw := p.field(row, p.callee)
	if calleeRaw == "" {
		return reject(MissingReason("callee"))
	}
	startRaw := p.field(row, p.start)
	if startRaw == "" {
		return reject(MissingReason("timestamp"))
	}

	var durationRaw, endRaw string
	if p.duration != absent {
		durationRaw = p.field(row, p.duration)
		if durationRaw == "" {
			return reject(MissingReason("duration"))
		}
	} else {
		endRaw = p.field(row, p.end)
		if endRaw == "" {
			return reject(MissingReason("end_timestamp"))
		}
	}

	start, err := p.parseTime(startRaw)
	if err != nil {
		return reject(ReasonInvalidTimestamp)
	}

	var duration time.Duration
	if p.duration != absent {
		d, reason := ParseDuration(durationRaw)
		if reason != "" {
			return reject(reason)
		}
		duration = d
	} else {
		end, err := p.parseTime(endRaw)
		if err != nil {
			return reject(ReasonInvalidTimestamp)
		}
		if end.Before(start) {
			return reject(ReasonNegativeDuration)
		}
		duration = end.Sub(start)
		if duration > MaxCallDuration {
			return reject(ReasonInvalidDuration)
		}
	}

	return graph.CallRecord{
		Caller:   identity.Resolve(callerRaw),
		Callee:   identity.Resolve(calleeRaw),
		Start:    start,
		Duration: duration,
		Type:     graph.NormalizeRecordType(p.field(row, p.recordType)),
		Status:   strings.ToLower(p.field(row, p.status)),
		Row:      row.Index,
	}, nil
}

func (p *Parser) field(row Row, idx int) string {
	if idx == absent || idx >= len(row.Values) {
		return ""
	}
	return strings.TrimSpace(row.Values[idx])
}

// zone-less fallbacks accepted by the rfc3339 preset
var isoLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05Z07:00",
}

func (p *Parser) parseTime(raw string) (time.Time, error) {
	switch p.mapping.TimestampFormat {
	case config.FormatUnix:
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(sec, 0).UTC(), nil

	case config.FormatUnixMillis:
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil

	case config.FormatRFC3339:
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t.UTC(), nil
		}
		for _, layout := range isoLayouts {
			if t, err := time.ParseInLocation(layout, raw, p.loc); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("parsing %q as rfc3339", raw)

	default:
		t, err := time.ParseInLocation(p.mapping.TimestampFormat, raw, p.loc)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	}
}

// MaxCallDuration is the longest duration a single record may carry.
// Longer values are rejected as invalid durations.
const MaxCallDuration = 7 * 24 * time.Hour

var maxDurationSeconds = MaxCallDuration.Seconds()

// ParseDuration parses plain seconds ("45", "12.5") or clock form
// ("HH:MM:SS", "MM:SS"). The returned reason is empty on success.
func ParseDuration(raw string) (time.Duration, string) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, ReasonInvalidDuration
	}

	negative := strings.HasPrefix(s, "-")
	if negative {
		s = strings.TrimSpace(s[1:])
	}

	var seconds float64
	var ok bool
	if strings.Contains(s, ":") {
		seconds, ok = parseClock(s)
	} else {
		seconds, ok = parseSeconds(s)
	}
	if !ok {
		return 0, ReasonInvalidDuration
	}
	if negative && seconds > 0 {
		return 0, ReasonNegativeDuration
	}

	return time.Duration(math.Round(seconds * float64(time.Second))), ""
}

func parseSeconds(s string) (float64, bool) {
	if strings.ContainsAny(s, "+-eEpPxX_") {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f > maxDurationSeconds {
		return 0, false
	}
	return f, true
}

func parseClock(s string) (float64, bool) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, false
	}

	var total float64
	for i, part := range parts {
		last := i == len(parts)-1
		var v float64
		if last {
			f, ok := parseSeconds(part)
			if !ok {
				return 0, false
			}
			v = f
		} else {
			n, err := strconv.ParseUint(part, 10, 32)
			if err != nil {
				return 0, false
			}
			v = float64(n)
		}
		if i > 0 && v >= 60 {
			return 0, false
		}
		total = total*60 + v
	}
	if total > maxDurationSeconds {
		return 0, false
	}
	return total, true
}
