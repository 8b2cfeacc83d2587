package convert

import (
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"retrace/internal/modmap"
	"retrace/internal/sink"
	"retrace/internal/trace"
)

// Full stack: real x86-64 decoding, the engine, and a zip archive sink.
func TestEndToEndZip(t *testing.T) {
	text := []byte{
		0x89, 0xd0, // 0x00: mov eax, edx
		0x89, 0x08, // 0x02: mov [rax], ecx
		0xeb, 0xfa, // 0x04: jmp -6 -> 0x00
	}
	mapper := modmap.New()
	mapper.AddBytes("loop.bin", 0, text)

	b := newRaw()
	b.timestamp(1000)
	b.cpu(3)
	b.block(0x00, 3)
	b.memref(0x8000)
	b.block(0x00, 3)
	b.memref(0x8004)
	b.footer()

	var buf bytes.Buffer
	z := sink.NewZip(&buf)
	c := New(mapper, Options{Logger: quietLogger()})
	if err := c.Convert([]io.Reader{bytes.NewReader(b.buf)}, []sink.Sink{z}); err != nil {
		t.Fatalf("convert: %v", err)
	}
	if err := z.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())

	read := func(name string) []byte {
		t.Helper()
		for _, f := range zr.File {
			if f.Name != name {
				continue
			}
			rc, err := f.Open()
			if err != nil {
				t.Fatalf("open %s: %v", name, err)
			}
			defer rc.Close()
			data, err := io.ReadAll(rc)
			if err != nil {
				t.Fatalf("read %s: %v", name, err)
			}
			return data
		}
		t.Fatalf("no component %q", name)
		return nil
	}

	encMov := trace.Encodings(text[0:2])[0]
	encStore := trace.Encodings(text[2:4])[0]
	encJmp := trace.Encodings(text[4:6])[0]
	mov := trace.Entry{Type: trace.TypeInstr, Size: 2, Value: 0x00}
	store := trace.Entry{Type: trace.TypeInstr, Size: 2, Value: 0x02}
	jmp := trace.Entry{Type: trace.TypeInstrDirectJump, Size: 2, Value: 0x04}

	entries, err := trace.ReadAll(bytes.NewReader(read("chunk.0000")))
	if err != nil {
		t.Fatalf("parse chunk: %v", err)
	}
	checkEntries(t, entries, concat(
		wantProlog(),
		[]trace.Entry{
			eMark(trace.MarkerTimestamp, 1000),
			eMark(trace.MarkerCPUID, 3),
			encMov, mov,
			encStore, store, {Type: trace.TypeWrite, Size: 4, Value: 0x8000},
			encJmp, jmp, // flushed by the second block
			mov,
			store, {Type: trace.TypeWrite, Size: 4, Value: 0x8004},
			jmp, // flushed by the footer
		},
		wantEpilog(),
	))

	md, err := DecodeMetadata(read("metadata"))
	if err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if md.Instrs != 6 || md.Chunks != 1 {
		t.Fatalf("metadata = %+v, want 6 instrs in 1 chunk", md)
	}
	if len(md.Modules) != 1 || md.Modules[0].Path != "loop.bin" {
		t.Fatalf("modules = %+v", md.Modules)
	}
}
