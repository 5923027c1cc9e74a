package core

// streaming.go prepares raw input for the CSV reader.
//
// Spreadsheet exports from Windows often start with a UTF-8 BOM, which would
// otherwise end up glued to the first header name. Invalid UTF-8 inside cells
// is repaired later by CleanCell.

import (
	"bufio"
	"bytes"
	"io"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// skipBOM returns a reader positioned after a leading UTF-8 BOM, if any.
func skipBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	return br
}

// CountingReader tracks bytes read so ingestion can log input size.
type CountingReader struct {
	reader    io.Reader
	BytesRead int64
}

// Read implements io.Reader.
func (r *CountingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.BytesRead += int64(n)
	return n, err
}

// WrapForStreaming counts the raw bytes and strips the BOM.
func WrapForStreaming(r io.Reader) (io.Reader, *CountingReader) {
	counter := &CountingReader{reader: r}
	return skipBOM(counter), counter
}
