package record

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"retrace/internal/trace"
)

func TestRoundTrip(t *testing.T) {
	in := Record{
		Kind:  KindBlock,
		Count: 17,
		Index: 3,
		Value: 0xdeadbeef00,
	}
	buf := in.AppendTo(nil)
	if len(buf) != Size {
		t.Fatalf("encoded %d bytes, want %d", len(buf), Size)
	}
	out := Decode(buf)
	if out != in {
		t.Fatalf("round trip = %+v, want %+v", out, in)
	}
}

func TestMarkerRoundTrip(t *testing.T) {
	in := Record{Kind: KindMarker, Marker: trace.MarkerRseqEntry, Value: 0x104}
	out := Decode(in.AppendTo(nil))
	if !out.IsMarker(trace.MarkerRseqEntry) {
		t.Fatalf("IsMarker = false for %+v", out)
	}
	if out.IsMarker(trace.MarkerRseqAbort) {
		t.Fatal("IsMarker matched the wrong subtype")
	}
}

func TestReaderPeek(t *testing.T) {
	var buf []byte
	buf = Record{Kind: KindThread, Value: 7}.AppendTo(buf)
	buf = Record{Kind: KindProcess, Value: 42}.AppendTo(buf)
	rd := NewReader(bytes.NewReader(buf))

	peeked, err := rd.Peek()
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	next, err := rd.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if peeked != next {
		t.Fatalf("peek = %+v, next = %+v", peeked, next)
	}
	if rd.Count() != 1 {
		t.Fatalf("count = %d, want 1", rd.Count())
	}

	next, err = rd.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next.Kind != KindProcess {
		t.Fatalf("second record kind = %v, want process", next.Kind)
	}
	if _, err := rd.Next(); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestReaderTruncated(t *testing.T) {
	buf := Record{Kind: KindThread, Value: 7}.AppendTo(nil)
	rd := NewReader(bytes.NewReader(buf[:Size-3]))
	if _, err := rd.Next(); !errors.Is(err, ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}
