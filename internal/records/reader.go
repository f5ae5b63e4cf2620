package records

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Benny93/cdrgraph/internal/config"
	"github.com/Benny93/cdrgraph/internal/graph"
)

// Reader streams data rows from a delimited file whose header has already
// been validated against the column mapping.
type Reader struct {
	csv    *csv.Reader
	parser *Parser
	header []string

	peeked *Row
	next   int
}

// Open reads the header, resolves the column mapping against it and checks
// that at least one data row exists. A file without a header or without
// data rows is rejected with graph.ErrMalformedFile; a mapping that names
// an absent column with graph.ErrConfiguration. No row is parsed before
// these checks pass.
func Open(r io.Reader, cfg *config.Config) (*Reader, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	if cfg.Delimiter != "" {
		cr.Comma = []rune(cfg.Delimiter)[0]
	}

	rd := &Reader{csv: cr}

	header, err := rd.readNonBlank()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: missing header", graph.ErrMalformedFile)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading header: %w", graph.ErrMalformedFile, err)
	}
	rd.header = header

	parser, err := NewParser(cfg.Columns, header)
	if err != nil {
		return nil, err
	}
	rd.parser = parser

	first, err := rd.Next()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: no data rows", graph.ErrMalformedFile)
	}
	if err != nil {
		return nil, err
	}
	rd.peeked = &first

	return rd, nil
}

// Header returns the header columns as read.
func (r *Reader) Header() []string {
	return r.header
}

// Parser returns the parser bound to this file's header.
func (r *Reader) Parser() *Parser {
	return r.parser
}

// Next returns the next data row, or io.EOF. Blank lines are skipped and
// do not consume a row index. A row that cannot be tokenized is returned
// with Err set so the caller can reject it and continue.
func (r *Reader) Next() (Row, error) {
	if r.peeked != nil {
		row := *r.peeked
		r.peeked = nil
		return row, nil
	}

	values, err := r.readNonBlank()
	if errors.Is(err, io.EOF) {
		return Row{}, io.EOF
	}

	r.next++
	row := Row{Index: r.next, Values: values}

	var perr *csv.ParseError
	if errors.As(err, &perr) {
		row.Err = perr
		return row, nil
	}
	if err != nil {
		return Row{}, fmt.Errorf("reading row %d: %w", r.next, err)
	}
	return row, nil
}

func (r *Reader) readNonBlank() ([]string, error) {
	for {
		values, err := r.csv.Read()
		if err != nil {
			return values, err
		}
		if !isBlank(values) {
			return values, nil
		}
	}
}

func isBlank(values []string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
