package modmap

import (
	"golang.org/x/arch/x86/x86asm"

	"retrace/internal/decode"
)

// classify translates one x86asm decode into the engine's instruction
// model: control-flow class, taken target, and memory operands.
func classify(module uint32, offset uint64, enc []byte, raw x86asm.Inst) decode.Inst {
	inst := decode.Inst{
		Module: module,
		Offset: offset,
		Enc:    enc,
		Class:  opClass(raw),
	}
	next := offset + uint64(raw.Len)
	for i, arg := range raw.Args {
		if arg == nil {
			break
		}
		switch a := arg.(type) {
		case x86asm.Rel:
			inst.Target = next + uint64(int64(a))
		case x86asm.Mem:
			// MemBytes is zero for operands that compute an address
			// without touching memory (LEA, long NOP, prefetches).
			if raw.MemBytes == 0 || !accessesMemory(raw.Op) {
				continue
			}
			op := decode.MemOperand{
				Write: i == 0 && writesFirstOperand(raw.Op),
				Size:  uint8(raw.MemBytes),
			}
			if a.Base == x86asm.RIP {
				op.Static = true
				op.Addr = next + uint64(a.Disp)
			} else if a.Base == 0 && a.Index == 0 {
				op.Static = true
				op.Addr = uint64(a.Disp)
			}
			inst.Mem = append(inst.Mem, op)
		}
	}
	return inst
}

func opClass(raw x86asm.Inst) decode.Class {
	switch raw.Op {
	case x86asm.JMP, x86asm.CALL:
		if _, ok := raw.Args[0].(x86asm.Rel); ok {
			return decode.ClassDirectJump
		}
		return decode.ClassIndirectJump
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return decode.ClassIndirectJump
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG,
		x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return decode.ClassConditionalJump
	case x86asm.SYSCALL, x86asm.SYSENTER, x86asm.INT:
		return decode.ClassSyscall
	}
	return decode.ClassPlain
}

// writesFirstOperand reports whether an instruction's first operand is a
// destination. Read-modify-write instructions count as writes.
func writesFirstOperand(op x86asm.Op) bool {
	switch op {
	case x86asm.CMP, x86asm.TEST, x86asm.PUSH, x86asm.BT:
		return false
	}
	return true
}

func accessesMemory(op x86asm.Op) bool {
	switch op {
	case x86asm.LEA, x86asm.NOP:
		return false
	}
	return true
}
