// Package decode defines the decoded-instruction model and the module
// mapper interface the reconstruction engine depends on. Production
// decoding lives in internal/modmap; tests substitute synthetic mappers.
package decode

import (
	"errors"
	"fmt"
)

// ErrUnmapped reports a (module, offset) the mapper cannot resolve.
var ErrUnmapped = errors.New("decode: unmapped module offset")

// Class classifies an instruction's control flow.
type Class uint8

const (
	ClassPlain Class = iota
	ClassDirectJump
	ClassConditionalJump
	ClassIndirectJump
	ClassSyscall
)

func (c Class) String() string {
	switch c {
	case ClassPlain:
		return "plain"
	case ClassDirectJump:
		return "direct_jump"
	case ClassConditionalJump:
		return "conditional_jump"
	case ClassIndirectJump:
		return "indirect_jump"
	case ClassSyscall:
		return "syscall"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// IsBranch reports whether instructions of this class transfer control.
func (c Class) IsBranch() bool {
	switch c {
	case ClassDirectJump, ClassConditionalJump, ClassIndirectJump:
		return true
	}
	return false
}

// MemOperand describes one memory operand of a decoded instruction, in
// operand order.
type MemOperand struct {
	Write  bool   // store rather than load
	Static bool   // address derivable from the encoding alone
	Addr   uint64 // module offset of the access when Static
	Size   uint8  // access size in bytes
}

// Inst is one decoded instruction resolved from a module image.
type Inst struct {
	Module uint32
	Offset uint64 // module offset of the first encoding byte
	Enc    []byte // raw encoding; len(Enc) is the instruction length
	Class  Class
	Target uint64 // taken-target module offset for direct/conditional jumps
	Mem    []MemOperand
}

// Len returns the instruction length in bytes.
func (in Inst) Len() int { return len(in.Enc) }

// Next returns the module offset of the fall-through instruction.
func (in Inst) Next() uint64 { return in.Offset + uint64(len(in.Enc)) }

// Mapper resolves a (module index, module offset) pair to one decoded
// instruction. Implementations must be safe for concurrent use: the engine
// shares one mapper across worker goroutines.
type Mapper interface {
	Decode(module uint32, offset uint64) (Inst, error)
}

// ModuleInfo identifies one mapped module image.
type ModuleInfo struct {
	Index  uint32
	Path   string
	Size   uint64
	Digest [32]byte
}

// ModuleLister is an optional Mapper capability: mappers that know their
// module table expose it for archive metadata.
type ModuleLister interface {
	Modules() []ModuleInfo
}
