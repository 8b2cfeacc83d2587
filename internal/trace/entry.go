// Package trace models the decoded, instruction-granular trace entries the
// reconstruction engine emits for downstream simulators.
package trace

import (
	"encoding/binary"
	"fmt"
)

// Type tags the trace entry union.
type Type uint16

const (
	TypeInvalid Type = iota
	TypeHeader       // value = trace format version
	TypeFooter
	TypeThread     // value = thread id
	TypeThreadExit // value = thread id
	TypePid        // value = process id
	TypeInstr      // plain instruction: size = length, value = module offset
	TypeInstrDirectJump
	TypeInstrConditionalJump
	TypeInstrIndirectJump
	TypeInstrSyscall
	TypeRead     // size = access size, value = address
	TypeWrite    // size = access size, value = address
	TypeMarker   // size = marker subtype, value = marker value
	TypeEncoding // size = byte count (<= 8), value = LE-packed bytes
)

func (t Type) String() string {
	switch t {
	case TypeHeader:
		return "header"
	case TypeFooter:
		return "footer"
	case TypeThread:
		return "thread"
	case TypeThreadExit:
		return "thread_exit"
	case TypePid:
		return "pid"
	case TypeInstr:
		return "instr"
	case TypeInstrDirectJump:
		return "instr_direct_jump"
	case TypeInstrConditionalJump:
		return "instr_conditional_jump"
	case TypeInstrIndirectJump:
		return "instr_indirect_jump"
	case TypeInstrSyscall:
		return "instr_syscall"
	case TypeRead:
		return "read"
	case TypeWrite:
		return "write"
	case TypeMarker:
		return "marker"
	case TypeEncoding:
		return "encoding"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(t))
	}
}

// IsInstr reports whether t is any of the instruction entry types.
func (t Type) IsInstr() bool {
	switch t {
	case TypeInstr, TypeInstrDirectJump, TypeInstrConditionalJump,
		TypeInstrIndirectJump, TypeInstrSyscall:
		return true
	}
	return false
}

// Marker enumerates the extended marker subtypes carried by TypeMarker
// entries (and by marker raw records on the input side).
type Marker uint8

const (
	MarkerInvalid Marker = iota
	MarkerVersion
	MarkerFiletype
	MarkerCacheLineSize
	MarkerChunkInstrCount
	MarkerTimestamp
	MarkerCPUID
	MarkerFuncID
	MarkerFuncRetAddr
	MarkerFuncArg
	MarkerWindowID
	MarkerRseqEntry
	MarkerRseqAbort
	MarkerKernelEvent
	MarkerKernelXfer
	MarkerChunkFooter
	MarkerRecordOrdinal
)

func (m Marker) String() string {
	switch m {
	case MarkerVersion:
		return "version"
	case MarkerFiletype:
		return "filetype"
	case MarkerCacheLineSize:
		return "cache_line_size"
	case MarkerChunkInstrCount:
		return "chunk_instr_count"
	case MarkerTimestamp:
		return "timestamp"
	case MarkerCPUID:
		return "cpu_id"
	case MarkerFuncID:
		return "func_id"
	case MarkerFuncRetAddr:
		return "func_retaddr"
	case MarkerFuncArg:
		return "func_arg"
	case MarkerWindowID:
		return "window_id"
	case MarkerRseqEntry:
		return "rseq_entry"
	case MarkerRseqAbort:
		return "rseq_abort"
	case MarkerKernelEvent:
		return "kernel_event"
	case MarkerKernelXfer:
		return "kernel_xfer"
	case MarkerChunkFooter:
		return "chunk_footer"
	case MarkerRecordOrdinal:
		return "record_ordinal"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// EntrySize is the fixed wire size of one trace entry.
const EntrySize = 12

// Entry is one trace entry. Wire layout, little-endian:
//
//	+0x00: type  uint16
//	+0x02: size  uint16
//	+0x04: value uint64
type Entry struct {
	Type  Type
	Size  uint16
	Value uint64
}

// MakeMarker builds a marker entry.
func MakeMarker(m Marker, value uint64) Entry {
	return Entry{Type: TypeMarker, Size: uint16(m), Value: value}
}

// Marker returns the marker subtype of a TypeMarker entry.
func (e Entry) Marker() Marker {
	return Marker(e.Size)
}

// AppendTo appends the entry's wire encoding to buf.
func (e Entry) AppendTo(buf []byte) []byte {
	var b [EntrySize]byte
	binary.LittleEndian.PutUint16(b[0:2], uint16(e.Type))
	binary.LittleEndian.PutUint16(b[2:4], e.Size)
	binary.LittleEndian.PutUint64(b[4:12], e.Value)
	return append(buf, b[:]...)
}

// DecodeEntry parses one entry from b, which must hold at least EntrySize
// bytes.
func DecodeEntry(b []byte) Entry {
	return Entry{
		Type:  Type(binary.LittleEndian.Uint16(b[0:2])),
		Size:  binary.LittleEndian.Uint16(b[2:4]),
		Value: binary.LittleEndian.Uint64(b[4:12]),
	}
}

// Encodings splits raw instruction bytes into Encoding entries, eight bytes
// per entry, LE-packed into the value field.
func Encodings(enc []byte) []Entry {
	entries := make([]Entry, 0, (len(enc)+7)/8)
	for len(enc) > 0 {
		n := len(enc)
		if n > 8 {
			n = 8
		}
		var v uint64
		for i := 0; i < n; i++ {
			v |= uint64(enc[i]) << (8 * i)
		}
		entries = append(entries, Entry{Type: TypeEncoding, Size: uint16(n), Value: v})
		enc = enc[n:]
	}
	return entries
}

// EncodingBytes recovers the raw bytes carried by an Encoding entry.
func EncodingBytes(e Entry) []byte {
	n := int(e.Size)
	if n > 8 {
		n = 8
	}
	b := make([]byte, n)
	for i := 0; i < n; i++ {
		b[i] = byte(e.Value >> (8 * i))
	}
	return b
}

func (e Entry) String() string {
	switch e.Type {
	case TypeMarker:
		return fmt.Sprintf("marker %s value=%#x", e.Marker(), e.Value)
	case TypeEncoding:
		return fmt.Sprintf("encoding % x", EncodingBytes(e))
	default:
		return fmt.Sprintf("%s size=%d value=%#x", e.Type, e.Size, e.Value)
	}
}
