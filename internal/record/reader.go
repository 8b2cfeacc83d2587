package record

import (
	"errors"
	"fmt"
	"io"
)

// ErrTruncated reports a raw stream that ends mid-record.
var ErrTruncated = errors.New("record: truncated raw stream")

// Reader reads raw records from a byte stream with one record of lookahead.
type Reader struct {
	r      io.Reader
	buf    [Size]byte
	peeked *Record
	count  uint64
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next returns the next record. It returns io.EOF when the stream ends
// cleanly at a record boundary and ErrTruncated when it ends mid-record.
func (rd *Reader) Next() (Record, error) {
	if rd.peeked != nil {
		rec := *rd.peeked
		rd.peeked = nil
		rd.count++
		return rec, nil
	}
	rec, err := rd.read()
	if err == nil {
		rd.count++
	}
	return rec, err
}

// Count reports how many records Next has returned.
func (rd *Reader) Count() uint64 {
	return rd.count
}

// Peek returns the next record without consuming it.
func (rd *Reader) Peek() (Record, error) {
	if rd.peeked == nil {
		rec, err := rd.read()
		if err != nil {
			return Record{}, err
		}
		rd.peeked = &rec
	}
	return *rd.peeked, nil
}

func (rd *Reader) read() (Record, error) {
	n, err := io.ReadFull(rd.r, rd.buf[:])
	if err == io.EOF {
		return Record{}, io.EOF
	}
	if err == io.ErrUnexpectedEOF {
		return Record{}, fmt.Errorf("%w: %d trailing bytes", ErrTruncated, n)
	}
	if err != nil {
		return Record{}, fmt.Errorf("record: read: %w", err)
	}
	return Decode(rd.buf[:]), nil
}
