// Package modmap resolves the (module index, module offset) pairs of raw
// block records to decoded x86-64 instructions backed by the recorded
// module images.
package modmap

import (
	"fmt"
	"sync"

	"github.com/zeebo/blake3"
	"golang.org/x/arch/x86/x86asm"

	"retrace/internal/decode"
)

// maxInstLen is the x86 architectural limit on instruction length.
const maxInstLen = 15

// Map is a decode.Mapper over a table of module images. Modules are
// addressed by the index order they were added in, matching the module
// index field of the raw records. Decoding is memoized per module; a Map
// is safe for concurrent Decode once all modules are added.
type Map struct {
	modules []*module
}

type module struct {
	info     decode.ModuleInfo
	segments []segment

	mu    sync.RWMutex
	cache map[uint64]decode.Inst
}

// segment is one executable range of a module image, keyed by module
// offset.
type segment struct {
	start uint64
	data  []byte
}

// New returns an empty Map.
func New() *Map {
	return &Map{}
}

// AddImage registers a module image whose executable bytes live in the
// given segments and returns its module index. path is recorded for
// metadata only. Segments must be pre-sorted by start and non-overlapping.
func (m *Map) AddImage(path string, size uint64, segments []segment) uint32 {
	index := uint32(len(m.modules))
	hasher := blake3.New()
	for _, seg := range segments {
		hasher.Write(seg.data)
	}
	var digest [32]byte
	hasher.Sum(digest[:0])
	m.modules = append(m.modules, &module{
		info: decode.ModuleInfo{
			Index:  index,
			Path:   path,
			Size:   size,
			Digest: digest,
		},
		segments: segments,
		cache:    make(map[uint64]decode.Inst),
	})
	return index
}

// AddBytes registers a module image consisting of a single executable
// range starting at module offset start.
func (m *Map) AddBytes(path string, start uint64, text []byte) uint32 {
	return m.AddImage(path, start+uint64(len(text)), []segment{{start: start, data: text}})
}

// Modules implements decode.ModuleLister.
func (m *Map) Modules() []decode.ModuleInfo {
	infos := make([]decode.ModuleInfo, len(m.modules))
	for i, mod := range m.modules {
		infos[i] = mod.info
	}
	return infos
}

// Decode implements decode.Mapper.
func (m *Map) Decode(index uint32, offset uint64) (decode.Inst, error) {
	if int(index) >= len(m.modules) {
		return decode.Inst{}, fmt.Errorf("%w: module %d of %d", decode.ErrUnmapped, index, len(m.modules))
	}
	mod := m.modules[index]

	mod.mu.RLock()
	inst, ok := mod.cache[offset]
	mod.mu.RUnlock()
	if ok {
		return inst, nil
	}

	code, err := mod.bytes(offset)
	if err != nil {
		return decode.Inst{}, err
	}
	raw, err := x86asm.Decode(code, 64)
	if err != nil {
		return decode.Inst{}, fmt.Errorf("module %d offset %#x: %w", index, offset, err)
	}
	inst = classify(index, offset, code[:raw.Len], raw)

	mod.mu.Lock()
	mod.cache[offset] = inst
	mod.mu.Unlock()
	return inst, nil
}

// bytes returns up to maxInstLen image bytes starting at offset.
func (mod *module) bytes(offset uint64) ([]byte, error) {
	for _, seg := range mod.segments {
		if offset < seg.start || offset >= seg.start+uint64(len(seg.data)) {
			continue
		}
		code := seg.data[offset-seg.start:]
		if len(code) > maxInstLen {
			code = code[:maxInstLen]
		}
		return code, nil
	}
	return nil, fmt.Errorf("%w: module %q offset %#x", decode.ErrUnmapped, mod.info.Path, offset)
}
