package blob

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MalformedLine reports a single unusable line in a JSONL stream. The reader
// keeps going after returning one; a corrupt line never terminates the
// stream.
type MalformedLine struct {
	LineNo int
	Reason string
}

func (e *MalformedLine) Error() string {
	return fmt.Sprintf("line %d: %s", e.LineNo, e.Reason)
}

// JSONLReader iterates a newline-delimited JSON stream line by line.
type JSONLReader struct {
	br     *bufio.Reader
	lineNo int
}

// NewJSONLReader wraps r for line-at-a-time reading.
func NewJSONLReader(r io.Reader) *JSONLReader {
	return &JSONLReader{br: bufio.NewReader(r)}
}

// Next returns the next non-blank line and its 1-based line number. A line
// that is not a JSON value yields a *MalformedLine error; the caller may keep
// calling Next. io.EOF signals the end of the stream; any other error from
// the underlying reader is returned as-is.
func (r *JSONLReader) Next() (int, []byte, error) {
	for {
		line, err := r.br.ReadBytes('\n')
		if len(line) > 0 {
			r.lineNo++
			line = bytes.TrimSpace(line)
			if len(line) > 0 {
				if !json.Valid(line) {
					return r.lineNo, nil, &MalformedLine{LineNo: r.lineNo, Reason: "not valid JSON"}
				}
				return r.lineNo, line, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return r.lineNo, nil, io.EOF
			}
			return r.lineNo, nil, fmt.Errorf("read jsonl stream: %w", err)
		}
	}
}

// JSONLWriter emits one JSON value per line.
type JSONLWriter struct {
	bw *bufio.Writer
}

// NewJSONLWriter wraps w for line-at-a-time writing.
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{bw: bufio.NewWriter(w)}
}

// Write marshals v and appends it as one line.
func (w *JSONLWriter) Write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.bw.Write(data); err != nil {
		return err
	}
	return w.bw.WriteByte('\n')
}

// Flush drains buffered lines to the underlying writer.
func (w *JSONLWriter) Flush() error {
	return w.bw.Flush()
}
