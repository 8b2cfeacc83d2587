package modmap

import (
	"bytes"
	"errors"
	"testing"

	"retrace/internal/decode"
)

// testText lays out one instruction of each shape the classifier handles.
var testText = []byte{
	0x90,       // 0x00: nop
	0x89, 0xd0, // 0x01: mov eax, edx
	0xeb, 0x05, // 0x03: jmp +5 -> 0x0a
	0x74, 0x03, // 0x05: je +3 -> 0x0a
	0xc3,       // 0x07: ret
	0x0f, 0x05, // 0x08: syscall
	0x89, 0x08, // 0x0a: mov [rax], ecx
	0x8b, 0x08, // 0x0c: mov ecx, [rax]
	0x8b, 0x05, 0x10, 0x00, 0x00, 0x00, // 0x0e: mov eax, [rip+0x10]
	0x8b, 0x04, 0x25, 0x00, 0x40, 0x00, 0x00, // 0x14: mov eax, [0x4000]
	0xe8, 0x00, 0x01, 0x00, 0x00, // 0x1b: call +0x100 -> 0x120
	0xff, 0x20, // 0x20: jmp [rax]
	0x48, 0x8d, 0x40, 0x08, // 0x22: lea rax, [rax+8]
}

func testMap() (*Map, uint32) {
	m := New()
	index := m.AddBytes("prog.bin", 0, testText)
	return m, index
}

func mustDecode(t *testing.T, m *Map, off uint64) decode.Inst {
	t.Helper()
	inst, err := m.Decode(0, off)
	if err != nil {
		t.Fatalf("decode %#x: %v", off, err)
	}
	return inst
}

func TestDecodePlain(t *testing.T) {
	m, _ := testMap()

	nop := mustDecode(t, m, 0x00)
	if nop.Class != decode.ClassPlain || nop.Len() != 1 || len(nop.Mem) != 0 {
		t.Fatalf("nop = %+v", nop)
	}
	mov := mustDecode(t, m, 0x01)
	if mov.Class != decode.ClassPlain || mov.Len() != 2 {
		t.Fatalf("mov = %+v", mov)
	}
	if !bytes.Equal(mov.Enc, []byte{0x89, 0xd0}) {
		t.Fatalf("mov enc = %x", mov.Enc)
	}
	if mov.Next() != 0x03 {
		t.Fatalf("mov next = %#x, want 0x03", mov.Next())
	}
}

func TestDecodeBranches(t *testing.T) {
	m, _ := testMap()

	jmp := mustDecode(t, m, 0x03)
	if jmp.Class != decode.ClassDirectJump || jmp.Target != 0x0a {
		t.Fatalf("jmp = %+v", jmp)
	}
	je := mustDecode(t, m, 0x05)
	if je.Class != decode.ClassConditionalJump || je.Target != 0x0a {
		t.Fatalf("je = %+v", je)
	}
	ret := mustDecode(t, m, 0x07)
	if ret.Class != decode.ClassIndirectJump {
		t.Fatalf("ret = %+v", ret)
	}
	call := mustDecode(t, m, 0x1b)
	if call.Class != decode.ClassDirectJump || call.Target != 0x120 {
		t.Fatalf("call = %+v", call)
	}
	ijmp := mustDecode(t, m, 0x20)
	if ijmp.Class != decode.ClassIndirectJump {
		t.Fatalf("jmp [rax] = %+v", ijmp)
	}
}

func TestDecodeSyscall(t *testing.T) {
	m, _ := testMap()
	sys := mustDecode(t, m, 0x08)
	if sys.Class != decode.ClassSyscall {
		t.Fatalf("syscall = %+v", sys)
	}
}

func TestDecodeMemOperands(t *testing.T) {
	m, _ := testMap()

	store := mustDecode(t, m, 0x0a)
	if len(store.Mem) != 1 || !store.Mem[0].Write || store.Mem[0].Static {
		t.Fatalf("store = %+v", store)
	}
	if store.Mem[0].Size != 4 {
		t.Fatalf("store size = %d, want 4", store.Mem[0].Size)
	}

	load := mustDecode(t, m, 0x0c)
	if len(load.Mem) != 1 || load.Mem[0].Write || load.Mem[0].Static {
		t.Fatalf("load = %+v", load)
	}

	rip := mustDecode(t, m, 0x0e)
	if len(rip.Mem) != 1 || !rip.Mem[0].Static {
		t.Fatalf("rip load = %+v", rip)
	}
	if want := uint64(0x0e + 6 + 0x10); rip.Mem[0].Addr != want {
		t.Fatalf("rip addr = %#x, want %#x", rip.Mem[0].Addr, want)
	}

	abs := mustDecode(t, m, 0x14)
	if len(abs.Mem) != 1 || !abs.Mem[0].Static || abs.Mem[0].Addr != 0x4000 {
		t.Fatalf("absolute load = %+v", abs)
	}

	lea := mustDecode(t, m, 0x22)
	if len(lea.Mem) != 0 {
		t.Fatalf("lea has memory operands: %+v", lea)
	}
}

func TestDecodeUnmapped(t *testing.T) {
	m, _ := testMap()
	if _, err := m.Decode(1, 0); !errors.Is(err, decode.ErrUnmapped) {
		t.Fatalf("module err = %v, want ErrUnmapped", err)
	}
	if _, err := m.Decode(0, 0x1000); !errors.Is(err, decode.ErrUnmapped) {
		t.Fatalf("offset err = %v, want ErrUnmapped", err)
	}
}

func TestDecodeCached(t *testing.T) {
	m, _ := testMap()
	first := mustDecode(t, m, 0x01)
	second := mustDecode(t, m, 0x01)
	if first.Offset != second.Offset || !bytes.Equal(first.Enc, second.Enc) {
		t.Fatalf("cached decode differs: %+v vs %+v", first, second)
	}
}

func TestModules(t *testing.T) {
	m, index := testMap()
	mods := m.Modules()
	if len(mods) != 1 {
		t.Fatalf("modules = %d, want 1", len(mods))
	}
	info := mods[0]
	if info.Index != index || info.Path != "prog.bin" {
		t.Fatalf("info = %+v", info)
	}
	if info.Size != uint64(len(testText)) {
		t.Fatalf("size = %d, want %d", info.Size, len(testText))
	}
	if info.Digest == [32]byte{} {
		t.Fatal("digest is zero")
	}

	other := m.AddBytes("other.bin", 0, testText[:4])
	if other != 1 {
		t.Fatalf("second module index = %d, want 1", other)
	}
	if m.Modules()[1].Digest == info.Digest {
		t.Fatal("different images share a digest")
	}
}
