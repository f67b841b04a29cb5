// Package ingest streams delimited tabular uploads row by row.
package ingest

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"tabula-backend/internal/ident"
)

// ReservedColumn is the synthetic primary key every provisioned table carries.
const ReservedColumn = "id"

const sniffLimit = 64 * 1024

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var candidateDelimiters = []rune{',', ';', '\t', '|'}

// MalformedInputError reports input that cannot be read as a table.
type MalformedInputError struct {
	Line   int
	Reason string
	Err    error
}

func (e *MalformedInputError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed input at line %d: %s", e.Line, e.Reason)
	}
	return "malformed input: " + e.Reason
}

func (e *MalformedInputError) Unwrap() error { return e.Err }

// Row is one data record aligned to Reader.Columns. Values are strings, or
// nil where the record was short.
type Row struct {
	Line   int
	Values []interface{}
}

type options struct {
	delimiter  rune
	lazyQuotes bool
}

// Option configures a Reader.
type Option func(*options)

// WithDelimiter fixes the field delimiter instead of sniffing it.
func WithDelimiter(r rune) Option {
	return func(o *options) { o.delimiter = r }
}

// WithLazyQuotes tolerates bare quotes inside unquoted fields.
func WithLazyQuotes(lazy bool) Option {
	return func(o *options) { o.lazyQuotes = lazy }
}

// Reader yields the rows of a delimited source. When created with Open it owns
// the file and removes it once the source is exhausted, fails or is closed.
type Reader struct {
	cr      *csv.Reader
	columns []string

	file     *os.File
	path     string
	finished bool
}

// Open reads the header of the uploaded file at path and takes ownership of
// it. The file is removed if the header cannot be read.
func Open(path string, opts ...Option) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("open upload: %w", err)
	}

	r, err := newReader(f, opts)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	r.file = f
	r.path = path
	return r, nil
}

// NewReader reads the header of src. The caller keeps ownership of src.
func NewReader(src io.Reader, opts ...Option) (*Reader, error) {
	return newReader(src, opts)
}

func newReader(src io.Reader, opts []Option) (*Reader, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	br := bufio.NewReaderSize(src, sniffLimit)
	head, _ := br.Peek(sniffLimit)
	if bytes.HasPrefix(head, utf8BOM) {
		br.Discard(len(utf8BOM))
		head = head[len(utf8BOM):]
	}
	if o.delimiter == 0 {
		o.delimiter = SniffDelimiter(head)
	}

	cr := csv.NewReader(br)
	cr.Comma = o.delimiter
	cr.LazyQuotes = o.lazyQuotes
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, &MalformedInputError{Reason: "no header row"}
	}
	if err != nil {
		return nil, malformed(err)
	}

	return &Reader{
		cr:      cr,
		columns: HeaderColumns(header),
	}, nil
}

// Columns returns the cleaned, unique column names from the header.
func (r *Reader) Columns() []string {
	return r.columns
}

// Next returns the next row, or io.EOF after the last one.
func (r *Reader) Next() (Row, error) {
	if r.finished {
		return Row{}, io.EOF
	}

	rec, err := r.cr.Read()
	if err == io.EOF {
		r.finish()
		return Row{}, io.EOF
	}
	if err != nil {
		r.finish()
		return Row{}, malformed(err)
	}

	line, _ := r.cr.FieldPos(0)
	if len(rec) > len(r.columns) {
		r.finish()
		return Row{}, &MalformedInputError{
			Line:   line,
			Reason: fmt.Sprintf("record has %d fields, header has %d", len(rec), len(r.columns)),
		}
	}

	values := make([]interface{}, len(r.columns))
	for i, v := range rec {
		values[i] = v
	}
	return Row{Line: line, Values: values}, nil
}

// Close releases the source and removes an owned file. It is safe to call
// more than once.
func (r *Reader) Close() error {
	r.finish()
	return nil
}

func (r *Reader) finish() {
	if r.finished {
		return
	}
	r.finished = true
	if r.file != nil {
		r.file.Close()
	}
	if r.path != "" {
		os.Remove(r.path)
	}
}

func malformed(err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &MalformedInputError{Line: pe.Line, Reason: pe.Err.Error(), Err: err}
	}
	return &MalformedInputError{Reason: err.Error(), Err: err}
}

// SniffDelimiter picks the candidate delimiter occurring most often outside
// quotes on the first line of head. Comma wins ties and empty input.
func SniffDelimiter(head []byte) rune {
	if i := bytes.IndexByte(head, '\n'); i >= 0 {
		head = head[:i]
	}

	counts := make(map[rune]int, len(candidateDelimiters))
	quoted := false
	for _, c := range string(head) {
		if c == '"' {
			quoted = !quoted
			continue
		}
		if !quoted {
			counts[c]++
		}
	}

	best := ','
	for _, d := range candidateDelimiters {
		if counts[d] > counts[best] {
			best = d
		}
	}
	return best
}

// HeaderColumns turns raw header cells into usable column names: cleaned with
// ident.Clean, empty cells named column_<n>, and duplicates or the reserved id
// column suffixed with _2, _3 and so on.
func HeaderColumns(header []string) []string {
	used := map[string]bool{ReservedColumn: true}
	columns := make([]string, len(header))
	for i, raw := range header {
		name := ident.Clean(raw)
		if name == "" {
			name = "column_" + strconv.Itoa(i+1)
		}
		if used[name] {
			name = uniqueName(name, used)
		}
		used[name] = true
		columns[i] = name
	}
	return columns
}

func uniqueName(base string, used map[string]bool) string {
	for n := 2; ; n++ {
		suffix := "_" + strconv.Itoa(n)
		stem := base
		if len(stem)+len(suffix) > ident.MaxLength {
			stem = stem[:ident.MaxLength-len(suffix)]
		}
		if candidate := stem + suffix; !used[candidate] {
			return candidate
		}
	}
}
