package convert

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"retrace/internal/decode"
	"retrace/internal/sink"
)

// MetadataSchemaVersion identifies the layout of the metadata component.
const MetadataSchemaVersion = 1

// Metadata is the trailing archive component describing the converted
// thread, for tooling that wants counts and module identities without
// scanning the chunks.
type Metadata struct {
	SchemaVersion uint64           `cbor:"schema"`
	Version       uint64           `cbor:"version"`
	Filetype      uint64           `cbor:"filetype"`
	Tid           uint64           `cbor:"tid"`
	Pid           uint64           `cbor:"pid"`
	Instrs        uint64           `cbor:"instrs"`
	Entries       uint64           `cbor:"entries"`
	Chunks        uint64           `cbor:"chunks"`
	Modules       []ModuleMetadata `cbor:"modules,omitempty"`
}

// ModuleMetadata records one mapped image.
type ModuleMetadata struct {
	Index  uint32 `cbor:"index"`
	Path   string `cbor:"path"`
	Size   uint64 `cbor:"size"`
	Digest []byte `cbor:"digest"`
}

// encMode is the CBOR encoder configured with Core Deterministic Encoding
// (RFC 8949 §4.2), so identical metadata always produces identical bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("convert: CBOR encoder initialization failed: " + err.Error())
	}
}

// DecodeMetadata parses a metadata component. Unknown fields are ignored
// for forward compatibility.
func DecodeMetadata(data []byte) (Metadata, error) {
	var md Metadata
	if err := cbor.Unmarshal(data, &md); err != nil {
		return Metadata{}, fmt.Errorf("convert: decode metadata: %w", err)
	}
	return md, nil
}

func writeMetadata(archive sink.Archive, t *thread) error {
	md := Metadata{
		SchemaVersion: MetadataSchemaVersion,
		Version:       t.version,
		Filetype:      t.filetype,
		Tid:           t.tid,
		Pid:           t.pid,
		Instrs:        t.w.totalInstrs,
		Entries:       t.w.written,
		Chunks:        t.w.chunk + 1,
	}
	if lister, ok := t.c.mapper.(decode.ModuleLister); ok {
		for _, m := range lister.Modules() {
			md.Modules = append(md.Modules, ModuleMetadata{
				Index:  m.Index,
				Path:   m.Path,
				Size:   m.Size,
				Digest: m.Digest[:],
			})
		}
	}
	data, err := encMode.Marshal(md)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := archive.OpenNewComponent("metadata"); err != nil {
		return fmt.Errorf("open metadata component: %w", err)
	}
	if _, err := archive.Write(data); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}
