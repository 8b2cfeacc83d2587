package trace

import (
	"errors"
	"fmt"
	"io"
)

// ErrTruncated reports a trace stream that ends mid-entry.
var ErrTruncated = errors.New("trace: truncated stream")

// Reader decodes trace entries from a byte stream.
type Reader struct {
	r   io.Reader
	buf [EntrySize]byte
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next returns the next entry. It returns io.EOF when the stream ends
// cleanly at an entry boundary and ErrTruncated when it ends mid-entry.
func (rd *Reader) Next() (Entry, error) {
	n, err := io.ReadFull(rd.r, rd.buf[:])
	if err == io.EOF {
		return Entry{}, io.EOF
	}
	if err == io.ErrUnexpectedEOF {
		return Entry{}, fmt.Errorf("%w: %d trailing bytes", ErrTruncated, n)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("trace: read: %w", err)
	}
	return DecodeEntry(rd.buf[:]), nil
}

// ReadAll decodes every entry in r.
func ReadAll(r io.Reader) ([]Entry, error) {
	rd := NewReader(r)
	var entries []Entry
	for {
		e, err := rd.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
}
