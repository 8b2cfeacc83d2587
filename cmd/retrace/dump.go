package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/spf13/pflag"

	"retrace/internal/convert"
	"retrace/internal/modmap"
	"retrace/internal/trace"
)

func cmdDump(args []string) error {
	fs := pflag.NewFlagSet("dump", pflag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(fs.Args()) == 0 {
		return fmt.Errorf("no trace files given")
	}
	for _, path := range fs.Args() {
		if err := dumpFile(os.Stdout, path); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

func dumpFile(w io.Writer, path string) error {
	switch {
	case strings.HasSuffix(path, ".zip"):
		return dumpArchive(w, path)
	default:
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		var in io.Reader = f
		switch {
		case strings.HasSuffix(path, ".zst"):
			zr, err := zstd.NewReader(f)
			if err != nil {
				return err
			}
			defer zr.Close()
			in = zr
		case strings.HasSuffix(path, ".lz4"):
			in = lz4.NewReader(f)
		}
		return dumpEntries(w, in)
	}
}

// dumpArchive prints the chunks of a zip trace in chunk order, then the
// decoded metadata component.
func dumpArchive(w io.Writer, path string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer zr.Close()
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())

	var chunks []*zip.File
	var metadata *zip.File
	for _, f := range zr.File {
		switch {
		case strings.HasPrefix(f.Name, "chunk."):
			chunks = append(chunks, f)
		case f.Name == "metadata":
			metadata = f
		}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Name < chunks[j].Name })

	for _, f := range chunks {
		fmt.Fprintf(w, "--- %s\n", f.Name)
		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = dumpEntries(w, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	if metadata != nil {
		rc, err := metadata.Open()
		if err != nil {
			return err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return err
		}
		md, err := convert.DecodeMetadata(data)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "--- metadata\ntid %d pid %d instrs %d entries %d chunks %d\n",
			md.Tid, md.Pid, md.Instrs, md.Entries, md.Chunks)
		for _, m := range md.Modules {
			fmt.Fprintf(w, "module %d %s size %d digest %x\n", m.Index, m.Path, m.Size, m.Digest)
		}
	}
	return nil
}

func dumpEntries(w io.Writer, in io.Reader) error {
	rd := trace.NewReader(in)
	for {
		e, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(w, e.String())
	}
}

func cmdModules(args []string) error {
	fs := pflag.NewFlagSet("modules", pflag.ExitOnError)
	modules := fs.StringArray("module", nil, "recorded module image (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(*modules) == 0 {
		return fmt.Errorf("--module is required")
	}
	mapper := modmap.New()
	for _, path := range *modules {
		if _, err := mapper.AddELF(path); err != nil {
			return fmt.Errorf("load module %s: %w", path, err)
		}
	}
	for _, m := range mapper.Modules() {
		fmt.Printf("%4d %s size %d blake3 %x\n", m.Index, m.Path, m.Size, m.Digest)
	}
	return nil
}
