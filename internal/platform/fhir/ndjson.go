package fhir

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

// maxNDJSONLine bounds a single resource line. Bulk export files carry one
// resource per line and large Encounters stay well below this.
const maxNDJSONLine = 8 * 1024 * 1024

// NDJSONWriter emits one compact JSON resource per line, the bulk data file
// format.
type NDJSONWriter struct {
	w     *bufio.Writer
	count int
}

func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{w: bufio.NewWriter(w)}
}

// WriteResource appends resource as one line.
func (n *NDJSONWriter) WriteResource(resource interface{}) error {
	data, err := json.Marshal(resource)
	if err != nil {
		return fmt.Errorf("encode ndjson line %d: %w", n.count+1, err)
	}
	data = append(data, '\n')
	if _, err := n.w.Write(data); err != nil {
		return err
	}
	n.count++
	return nil
}

// Count returns the number of resources written so far.
func (n *NDJSONWriter) Count() int { return n.count }

// Flush flushes any buffered data to the underlying writer.
func (n *NDJSONWriter) Flush() error {
	return n.w.Flush()
}

// NDJSONReader yields the non-empty lines of an NDJSON stream in order.
type NDJSONReader struct {
	sc   *bufio.Scanner
	line []byte
	n    int
}

// NewNDJSONReader creates a reader over r.
func NewNDJSONReader(r io.Reader) *NDJSONReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxNDJSONLine)
	return &NDJSONReader{sc: sc}
}

// Next advances to the next non-blank line. It returns false at end of input
// or on a read error; check Err afterwards.
func (r *NDJSONReader) Next() bool {
	for r.sc.Scan() {
		r.n++
		line := bytes.TrimSpace(r.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		r.line = line
		return true
	}
	r.line = nil
	return false
}

// Line returns the current line. The slice is only valid until the next call
// to Next.
func (r *NDJSONReader) Line() []byte { return r.line }

// LineNumber returns the 1-based physical line number of the current line.
func (r *NDJSONReader) LineNumber() int { return r.n }

// Err returns the first non-EOF error encountered while reading.
func (r *NDJSONReader) Err() error { return r.sc.Err() }
