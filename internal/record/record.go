// Package record models the recorder's raw offline entries: the compact,
// fixed-size records a tracing runtime logs per executed basic block,
// marker, and memory reference.
package record

import (
	"encoding/binary"
	"fmt"

	"retrace/internal/trace"
)

// Kind tags the raw record union.
type Kind uint8

const (
	KindInvalid   Kind = iota
	KindHeader         // start of a thread's stream: file type + version
	KindThread         // thread id
	KindProcess        // process id
	KindTimestamp      // microsecond timestamp
	KindMarker         // extended marker: subtype + value
	KindBlock          // a run of consecutive instructions
	KindMemRef         // one memory reference address
	KindFooter         // end of a thread's stream
)

func (k Kind) String() string {
	switch k {
	case KindHeader:
		return "header"
	case KindThread:
		return "thread"
	case KindProcess:
		return "process"
	case KindTimestamp:
		return "timestamp"
	case KindMarker:
		return "marker"
	case KindBlock:
		return "block"
	case KindMemRef:
		return "memref"
	case KindFooter:
		return "footer"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Size is the fixed wire size of one raw record.
const Size = 16

// Record is one raw offline record. Wire layout, little-endian:
//
//	+0x00: kind    uint8
//	+0x01: marker  uint8   (marker subtype; KindMarker only)
//	+0x02: count   uint16  (instruction count; KindBlock only)
//	+0x04: index   uint32  (module index for blocks, file type for headers)
//	+0x08: value   uint64  (offset, address, usec, pid, tid, marker value,
//	                        or version for headers)
type Record struct {
	Kind   Kind
	Marker trace.Marker
	Count  uint16
	Index  uint32
	Value  uint64
}

// AppendTo appends the record's wire encoding to buf.
func (r Record) AppendTo(buf []byte) []byte {
	var b [Size]byte
	b[0] = uint8(r.Kind)
	b[1] = uint8(r.Marker)
	binary.LittleEndian.PutUint16(b[2:4], r.Count)
	binary.LittleEndian.PutUint32(b[4:8], r.Index)
	binary.LittleEndian.PutUint64(b[8:16], r.Value)
	return append(buf, b[:]...)
}

// Decode parses one record from b, which must hold at least Size bytes.
func Decode(b []byte) Record {
	return Record{
		Kind:   Kind(b[0]),
		Marker: trace.Marker(b[1]),
		Count:  binary.LittleEndian.Uint16(b[2:4]),
		Index:  binary.LittleEndian.Uint32(b[4:8]),
		Value:  binary.LittleEndian.Uint64(b[8:16]),
	}
}

// IsMarker reports whether r is a marker record of the given subtype.
func (r Record) IsMarker(m trace.Marker) bool {
	return r.Kind == KindMarker && r.Marker == m
}
