package modmap

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	ErrNotELF   = errors.New("modmap: not an ELF file")
	ErrNotAMD64 = errors.New("modmap: not x86-64 (EM_X86_64)")
	ErrNot64Bit = errors.New("modmap: not 64-bit ELF")
	ErrNoText   = errors.New("modmap: no executable segment")
)

// AddELF registers an x86-64 ELF image, loading its executable segments.
// Module offsets are relative to the image's lowest PT_LOAD address, which
// matches the recorder's module-relative block offsets for both shared
// objects and fixed-position executables.
func (m *Map) AddELF(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("modmap: open: %w", err)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotELF, err)
	}
	defer ef.Close()

	if ef.Class != elf.ELFCLASS64 {
		return 0, ErrNot64Bit
	}
	if ef.Machine != elf.EM_X86_64 {
		return 0, ErrNotAMD64
	}

	base := ^uint64(0)
	end := uint64(0)
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if p.Vaddr < base {
			base = p.Vaddr
		}
		if p.Vaddr+p.Memsz > end {
			end = p.Vaddr + p.Memsz
		}
	}

	var segments []segment
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD || p.Flags&elf.PF_X == 0 {
			continue
		}
		data := make([]byte, p.Filesz)
		if _, err := io.ReadFull(io.NewSectionReader(f, int64(p.Off), int64(p.Filesz)), data); err != nil {
			return 0, fmt.Errorf("modmap: read segment at %#x: %w", p.Off, err)
		}
		segments = append(segments, segment{start: p.Vaddr - base, data: data})
	}
	if len(segments) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoText, path)
	}
	return m.AddImage(path, end-base, segments), nil
}
